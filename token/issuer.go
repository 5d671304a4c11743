package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	gwerrors "github.com/jrsteele09/go-mcp-gateway/internal/errors"
)

// Claims is the verified claim set of a gateway bearer credential.
//
// The credential carries no upstream secret: it only authorizes a lookup
// into the session store, so deleting a session invalidates every
// credential referencing it even though the signature still verifies.
type Claims struct {
	SessionID string
	UserID    string
	Email     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Issuer mints and verifies the gateway's bearer credentials.
type Issuer struct {
	signer  Signer
	issuer  string
	expiry  time.Duration
	nowFunc func() time.Time
}

type IssuerOption func(*Issuer)

// WithNowFunc sets the clock (primarily for testing)
func WithNowFunc(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		i.nowFunc = now
	}
}

// WithExpiry overrides the default credential lifetime.
func WithExpiry(expiry time.Duration) IssuerOption {
	return func(i *Issuer) {
		i.expiry = expiry
	}
}

// NewIssuer creates a credential issuer. issuer is the value of the "iss"
// claim, normally the gateway's base URL.
func NewIssuer(signer Signer, issuer string, options ...IssuerOption) (*Issuer, error) {
	if signer == nil {
		return nil, errors.New("[NewIssuer] signer is required")
	}
	i := &Issuer{
		signer:  signer,
		issuer:  issuer,
		expiry:  24 * time.Hour,
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(i)
	}
	return i, nil
}

// Expiry returns the credential lifetime.
func (i *Issuer) Expiry() time.Duration {
	return i.expiry
}

// Issue mints a signed bearer credential referencing the session.
func (i *Issuer) Issue(sessionID, userID, email string) (string, error) {
	now := i.nowFunc()
	claims := jwt.MapClaims{
		"iss":   i.issuer,
		"sub":   userID,
		"sid":   sessionID,
		"email": email,
		"iat":   now.Unix(),
		"exp":   now.Add(i.expiry).Unix(),
		"jti":   uuid.New().String(),
	}
	signed, err := i.signer.Sign(claims)
	if err != nil {
		return "", errors.Wrap(err, "[Issuer.Issue] signer.Sign")
	}
	return signed, nil
}

// Verify checks the credential's signature and expiry. Tampered and expired
// credentials are both reported as the single ErrCredentialInvalid so the
// response does not leak validity-window information; the distinction is
// logged for diagnostics.
func (i *Issuer) Verify(rawToken string) (*Claims, error) {
	parsed, err := jwt.Parse(rawToken, i.signer.GetVerificationKey,
		jwt.WithTimeFunc(i.nowFunc),
		jwt.WithValidMethods([]string{i.signer.GetSigningMethod().Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			log.Debug().Msg("rejected expired bearer credential")
		} else {
			log.Debug().Err(err).Msg("rejected malformed or tampered bearer credential")
		}
		return nil, gwerrors.ErrCredentialInvalid
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, gwerrors.ErrCredentialInvalid
	}

	sid, _ := mapClaims["sid"].(string)
	sub, _ := mapClaims["sub"].(string)
	email, _ := mapClaims["email"].(string)
	iat, _ := mapClaims["iat"].(float64)
	exp, _ := mapClaims["exp"].(float64)

	if sid == "" {
		log.Debug().Msg("rejected bearer credential without session reference")
		return nil, gwerrors.ErrCredentialInvalid
	}

	return &Claims{
		SessionID: sid,
		UserID:    sub,
		Email:     email,
		IssuedAt:  time.Unix(int64(iat), 0),
		ExpiresAt: time.Unix(int64(exp), 0),
	}, nil
}

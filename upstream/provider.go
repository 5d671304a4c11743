package upstream

import (
	"context"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	gwerrors "github.com/jrsteele09/go-mcp-gateway/internal/errors"
	"github.com/jrsteele09/go-mcp-gateway/sessions"
)

// Provider is the broker's client-side view of the upstream identity
// provider. All calls are bounded: implementations apply their own timeout
// on top of the caller's context.
type Provider interface {
	// AuthCodeURL builds the upstream authorization redirect for the given
	// state token.
	AuthCodeURL(state string) string

	// Exchange swaps the upstream authorization code for tokens.
	Exchange(ctx context.Context, code string) (*sessions.UpstreamCredentials, error)

	// FetchIdentity retrieves the user's identity with the given credentials.
	// Called once per session, right after Exchange.
	FetchIdentity(ctx context.Context, creds *sessions.UpstreamCredentials) (*sessions.UserIdentity, error)

	// Refresh obtains fresh credentials from a refresh token.
	Refresh(ctx context.Context, refreshToken string) (*sessions.UpstreamCredentials, error)
}

// ProviderConfig carries the upstream provider settings the broker needs.
type ProviderConfig interface {
	GetUpstreamIssuer() string
	GetUpstreamClientID() string
	GetUpstreamClientSecret() string
	GetUpstreamScopes() []string
	GetUpstreamTimeout() time.Duration
}

// OIDCProvider implements Provider against an OIDC-discoverable upstream.
type OIDCProvider struct {
	provider    *oidc.Provider
	oauthConfig *oauth2.Config
	timeout     time.Duration
}

// NewOIDCProvider discovers the upstream's endpoints from its issuer URL.
// redirectURL is the broker's own callback endpoint.
func NewOIDCProvider(ctx context.Context, config ProviderConfig, redirectURL string) (*OIDCProvider, error) {
	provider, err := oidc.NewProvider(ctx, config.GetUpstreamIssuer())
	if err != nil {
		return nil, errors.Wrap(err, "[NewOIDCProvider] oidc.NewProvider")
	}

	scopes := config.GetUpstreamScopes()
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	return &OIDCProvider{
		provider: provider,
		oauthConfig: &oauth2.Config{
			ClientID:     config.GetUpstreamClientID(),
			ClientSecret: config.GetUpstreamClientSecret(),
			Endpoint:     provider.Endpoint(),
			RedirectURL:  redirectURL,
			Scopes:       scopes,
		},
		timeout: config.GetUpstreamTimeout(),
	}, nil
}

func (p *OIDCProvider) AuthCodeURL(state string) string {
	return p.oauthConfig.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

func (p *OIDCProvider) Exchange(ctx context.Context, code string) (*sessions.UpstreamCredentials, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	token, err := p.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, errors.Wrapf(gwerrors.ErrUpstreamExchange, "[OIDCProvider.Exchange] %v", err)
	}
	return credentialsFromToken(token), nil
}

func (p *OIDCProvider) FetchIdentity(ctx context.Context, creds *sessions.UpstreamCredentials) (*sessions.UserIdentity, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	userInfo, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(tokenFromCredentials(creds)))
	if err != nil {
		return nil, errors.Wrapf(gwerrors.ErrUpstreamIdentity, "[OIDCProvider.FetchIdentity] %v", err)
	}

	var claims struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := userInfo.Claims(&claims); err != nil {
		return nil, errors.Wrapf(gwerrors.ErrUpstreamIdentity, "[OIDCProvider.FetchIdentity] claims: %v", err)
	}

	return &sessions.UserIdentity{
		ID:    userInfo.Subject,
		Name:  claims.Name,
		Email: claims.Email,
	}, nil
}

func (p *OIDCProvider) Refresh(ctx context.Context, refreshToken string) (*sessions.UpstreamCredentials, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// Force a refresh by presenting only the refresh token.
	source := p.oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, errors.Wrapf(gwerrors.ErrUpstreamRefresh, "[OIDCProvider.Refresh] %v", err)
	}

	creds := credentialsFromToken(token)
	if creds.RefreshToken == "" {
		// Some providers do not rotate refresh tokens; keep the old one.
		creds.RefreshToken = refreshToken
	}
	return creds, nil
}

func credentialsFromToken(token *oauth2.Token) *sessions.UpstreamCredentials {
	return &sessions.UpstreamCredentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}
}

func tokenFromCredentials(creds *sessions.UpstreamCredentials) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		Expiry:       creds.Expiry,
	}
}

package broker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	gwerrors "github.com/jrsteele09/go-mcp-gateway/internal/errors"
)

// stateTagLength truncates the HMAC-SHA256 tag to 128 bits, which is ample
// for a short-lived CSRF token.
const stateTagLength = 16

// StatePayload is what the broker encodes into the upstream state
// parameter. Carrying the session ID inside the state makes the callback
// self-describing: the session is recoverable even when the browser drops
// the session cookie across the cross-site redirect.
type StatePayload struct {
	SessionID string `json:"sid"`
	Nonce     string `json:"n"`
	IssuedAt  int64  `json:"iat"`
}

// StateCodec encodes and verifies the signed state tokens sent through the
// upstream provider. Format: base64url(JSON payload) + "." + base64url(tag).
type StateCodec struct {
	key     []byte
	nowFunc func() time.Time
}

type StateCodecOption func(*StateCodec)

// WithStateNowFunc sets the clock (primarily for testing)
func WithStateNowFunc(now func() time.Time) StateCodecOption {
	return func(c *StateCodec) {
		c.nowFunc = now
	}
}

// NewStateCodec creates a codec signing with the given key.
func NewStateCodec(key []byte, options ...StateCodecOption) (*StateCodec, error) {
	if len(key) == 0 {
		return nil, errors.New("[NewStateCodec] signing key is required")
	}
	c := &StateCodec{
		key:     key,
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// Encode builds a signed state token binding the session ID to its CSRF
// nonce.
func (c *StateCodec) Encode(sessionID, nonce string) (string, error) {
	payload, err := json.Marshal(StatePayload{
		SessionID: sessionID,
		Nonce:     nonce,
		IssuedAt:  c.nowFunc().Unix(),
	})
	if err != nil {
		return "", errors.Wrap(err, "[StateCodec.Encode] marshal payload")
	}

	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + base64.RawURLEncoding.EncodeToString(c.tag(encoded)), nil
}

// Decode verifies the signature and returns the payload. Any structural or
// signature failure comes back as ErrCsrfMismatch; the caller treats the
// state as hostile, not just stale.
func (c *StateCodec) Decode(raw string) (*StatePayload, error) {
	encoded, encodedTag, found := strings.Cut(raw, ".")
	if !found {
		return nil, errors.Wrapf(gwerrors.ErrCsrfMismatch, "[StateCodec.Decode] malformed state token")
	}

	tag, err := base64.RawURLEncoding.DecodeString(encodedTag)
	if err != nil || !hmac.Equal(tag, c.tag(encoded)) {
		return nil, errors.Wrapf(gwerrors.ErrCsrfMismatch, "[StateCodec.Decode] state signature mismatch")
	}

	decoded, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrapf(gwerrors.ErrCsrfMismatch, "[StateCodec.Decode] malformed state payload")
	}

	var payload StatePayload
	if err := json.Unmarshal(decoded, &payload); err != nil || payload.SessionID == "" || payload.Nonce == "" {
		return nil, errors.Wrapf(gwerrors.ErrCsrfMismatch, "[StateCodec.Decode] invalid state payload")
	}
	return &payload, nil
}

func (c *StateCodec) tag(encoded string) []byte {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(encoded))
	return mac.Sum(nil)[:stateTagLength]
}

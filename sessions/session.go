package sessions

import (
	"time"
)

// DownstreamRequest captures the parameters of a downstream client's
// authorization request. Once set on a session it is preserved verbatim
// through the upstream round trip so the final redirect back to the
// downstream client carries its original state.
type DownstreamRequest struct {
	ClientID      string // Registered downstream client ID
	RedirectURI   string // Where to send the browser after the upstream callback
	State         string // The downstream client's own CSRF state, echoed back untouched
	CodeChallenge string // PKCE S256 challenge, empty if PKCE was not negotiated
}

// UpstreamCredentials holds the tokens obtained from the upstream provider.
type UpstreamCredentials struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time // Absolute expiry of the access token
}

// Expired reports whether the access token is expired or will expire
// within the given margin.
func (c *UpstreamCredentials) Expired(margin time.Duration, now time.Time) bool {
	if c == nil {
		return true
	}
	if c.Expiry.IsZero() {
		return false
	}
	return now.Add(margin).After(c.Expiry)
}

// UserIdentity is fetched once from the upstream provider immediately after
// token exchange, not re-fetched on every use.
type UserIdentity struct {
	ID    string // Stable upstream user ID ("sub")
	Name  string
	Email string
}

// SessionData tracks a single authorization attempt from creation through
// callback, and afterwards acts as the server-side record a bearer
// credential resolves to.
//
// Lifecycle: created at the start of any authorization attempt, mutated
// exactly once on a successful upstream callback (credentials + identity),
// read-only thereafter except for credential refresh, and deleted by the
// periodic sweep once older than the session TTL.
type SessionData struct {
	ID         string             // Unique session identifier (UUID), never reused
	CSRFState  string             // Nonce the upstream provider must echo back
	CreatedAt  time.Time          // Governs absolute (non-sliding) expiry
	Downstream *DownstreamRequest // Set when the flow originates from a downstream client

	// Set atomically, at most once, on successful callback.
	Upstream *UpstreamCredentials
	Identity *UserIdentity
}

// Completed reports whether the upstream callback has already succeeded
// for this session.
func (s *SessionData) Completed() bool {
	return s.Upstream != nil
}

package authcodes

// Repo defines the authorization code store operations.
type Repo interface {
	// Issue creates a single-use code bound to the session, carrying any
	// PKCE challenge negotiated with the downstream client.
	Issue(sessionID, codeChallenge string) (string, error)

	// Redeem atomically consumes a code. The first caller receives the
	// record; every subsequent caller receives ErrCodeAlreadyUsed until
	// the replay marker is swept, then ErrCodeNotFound. Expired codes
	// return ErrCodeExpired.
	Redeem(code string) (*CodeData, error)

	// SweepExpired removes codes older than the TTL that were never
	// redeemed, plus stale replay markers. Returns how many were removed.
	SweepExpired() int
}

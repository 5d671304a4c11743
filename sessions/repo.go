package sessions

// Repo defines the session store operations.
//
// The store is process-lifetime only: a restart invalidates all sessions,
// which is an explicit trade-off rather than a defect.
type Repo interface {
	// Create starts a new session for an authorization attempt.
	// downstream may be nil for direct (browser/API) flows.
	Create(downstream *DownstreamRequest) (*SessionData, error)

	// Get returns a copy of the session, or ErrSessionExpired if it does
	// not exist (either never created or already swept).
	Get(sessionID string) (*SessionData, error)

	// MutateOnCallback attaches upstream credentials and identity to the
	// session. It succeeds at most once per session: a second call returns
	// ErrSessionCompleted rather than silently overwriting, and a call on
	// a missing session returns ErrSessionExpired.
	MutateOnCallback(sessionID string, creds *UpstreamCredentials, identity *UserIdentity) error

	// UpdateCredentials replaces the session's upstream credentials after a
	// refresh. Stale updates (older expiry than what is stored) are dropped.
	UpdateCredentials(sessionID string, creds *UpstreamCredentials) error

	// Delete removes the session, reporting whether it existed.
	Delete(sessionID string) bool

	// SweepExpired removes sessions older than the TTL and returns how many
	// were removed.
	SweepExpired() int
}

package authcodes

import "time"

// CodeData is a pending redemption record for a downstream authorization
// code. The code is distinct from anything the upstream provider issues.
//
// The session reference is weak: the existence of a code never extends the
// session's life, and redeeming a code for an already-swept session is the
// caller's "session expired" condition to handle.
type CodeData struct {
	Code          string
	SessionID     string
	CodeChallenge string // PKCE S256 challenge from the downstream client, empty if none
	CreatedAt     time.Time
}

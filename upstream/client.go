package upstream

import (
	"github.com/jrsteele09/go-mcp-gateway/sessions"
)

// Client is the per-request handle the gateway hands to operation
// executors. It pairs the session's identity with its current upstream
// credentials; credential refresh happens before the Client is built, so
// executors never touch the token lifecycle.
type Client struct {
	SessionID   string
	Identity    *sessions.UserIdentity
	Credentials *sessions.UpstreamCredentials
}

// Authenticated reports whether the handle carries usable credentials.
func (c *Client) Authenticated() bool {
	return c != nil && c.Credentials != nil && c.Credentials.AccessToken != ""
}

package clients

import (
	"time"
)

// Client is a dynamically registered downstream MCP client.
//
// Registration follows RFC 7591 with the broker's constraints applied:
// only public clients using the authorization_code grant with PKCE are
// accepted, so no client secret is ever issued.
type Client struct {
	ID           string    `json:"client_id"`
	Name         string    `json:"client_name,omitempty"`
	RedirectURIs []string  `json:"redirect_uris"`
	CreatedAt    time.Time `json:"-"`
}

// HasRedirectURI reports whether uri exactly matches one of the client's
// registered redirect URIs. No prefix or pattern matching.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

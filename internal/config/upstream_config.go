package config

import (
	"strings"
	"time"
)

// UpstreamConfig describes the OAuth2/OIDC provider the gateway brokers
// access to on behalf of its users.
type UpstreamConfig interface {
	GetUpstreamIssuer() string
	GetUpstreamClientID() string
	GetUpstreamClientSecret() string
	GetUpstreamScopes() []string
	GetUpstreamAPIBaseURL() string
	GetUpstreamTimeout() time.Duration
}

type Upstream struct{}

var _ UpstreamConfig = Upstream{}

func (Upstream) GetUpstreamIssuer() string {
	return GetEnv("UPSTREAM_ISSUER", "")
}

func (Upstream) GetUpstreamClientID() string {
	return GetEnv("UPSTREAM_CLIENT_ID", "")
}

func (Upstream) GetUpstreamClientSecret() string {
	return GetEnv("UPSTREAM_CLIENT_SECRET", "")
}

func (Upstream) GetUpstreamScopes() []string {
	scopes := GetEnv("UPSTREAM_SCOPES", "openid profile email offline_access")
	return strings.Fields(scopes)
}

func (Upstream) GetUpstreamAPIBaseURL() string {
	return GetEnv("UPSTREAM_API_BASE_URL", "")
}

// GetUpstreamTimeout bounds every network call against the upstream
// provider (token exchange, identity fetch, refresh).
func (Upstream) GetUpstreamTimeout() time.Duration {
	return 15 * time.Second
}

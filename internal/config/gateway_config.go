package config

import "strings"

// GatewayConfig controls the MCP-facing surface.
type GatewayConfig interface {
	IsReadOnly() bool
	GetExemptMethods() []string
	GetMCPPath() string
}

type Gateway struct{}

var _ GatewayConfig = Gateway{}

// IsReadOnly removes mutating operations from the advertised catalog and
// rejects calls to them before they reach the executor.
func (Gateway) IsReadOnly() bool {
	return GetEnv("READ_ONLY", "") == "true"
}

// GetExemptMethods lists JSON-RPC methods that may be called without a
// resolved session.
func (Gateway) GetExemptMethods() []string {
	methods := GetEnv("AUTH_EXEMPT_METHODS", "initialize notifications/initialized ping")
	return strings.Fields(methods)
}

func (Gateway) GetMCPPath() string {
	return GetEnv("MCP_PATH", "/mcp")
}

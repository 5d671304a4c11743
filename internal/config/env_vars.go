package config

import (
	"fmt"
	"os"
)

const (
	portEnvVar      = "PORT"
	appNameVar      = "APP_NAME"
	baseURLVar      = "BASE_URL"
	masterSecretVar = "MASTER_SECRET"
)

type EnvVars struct{}

var _ EnvConfig = EnvVars{}

func (EnvVars) GetPort() string {
	port := GetEnv(portEnvVar, "8080")
	if port[0] != ':' {
		port = fmt.Sprintf(":%s", port)
	}
	return port
}

func (EnvVars) GetAppName() string {
	return GetEnv(appNameVar, "MCP Gateway")
}

// GetBaseURL returns the externally visible base URL of the gateway
// (e.g., "https://gateway.example.com"). Used for the issuer in discovery
// documents, the upstream redirect URI, and the resource metadata URL.
func (EnvVars) GetBaseURL() string {
	return GetEnv(baseURLVar, "http://localhost:8080")
}

// GetMasterSecret returns the secret that signing and state-integrity keys
// are derived from. Must be set in production; the default exists only so
// the server starts in local development.
func (EnvVars) GetMasterSecret() string {
	return GetEnv(masterSecretVar, "dev-only-insecure-secret")
}

func (EnvVars) GetEnv() string {
	env := os.Getenv("ENV")
	if env == "" {
		return "DEV"
	}
	return env
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}

package config

type Config interface {
	EnvConfig
	UpstreamConfig
	OAuthConfig
	GatewayConfig
	CorsConfig
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetBaseURL() string
	GetMasterSecret() string
	GetEnv() string
}

type CorsConfig interface {
	GetAllowedOrigins() AllowedOrigins
	GetAllowedMethods() string
	GetAllowedHeaders() string
}

type mainConfig struct {
	EnvVars
	Upstream
	OAuth
	Gateway
	Cors
}

func New() Config {
	return mainConfig{}
}

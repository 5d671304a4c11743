package config

import "time"

type OAuthConfig interface {
	GetSessionTTL() time.Duration
	GetAuthCodeTTL() time.Duration
	GetCredentialTTL() time.Duration
	GetCodeGenerationLength() int
	GetSweepInterval() time.Duration
}

type OAuth struct{}

var _ OAuthConfig = OAuth{}

// GetSessionTTL is the absolute (non-sliding) lifetime of a session.
func (OAuth) GetSessionTTL() time.Duration {
	return 24 * time.Hour
}

// GetAuthCodeTTL is the lifetime of a downstream authorization code.
func (OAuth) GetAuthCodeTTL() time.Duration {
	return 10 * time.Minute
}

// GetCredentialTTL is the lifetime of an issued bearer credential.
func (OAuth) GetCredentialTTL() time.Duration {
	return 24 * time.Hour
}

func (OAuth) GetCodeGenerationLength() int {
	return 32 // 32 bytes = 256 bits
}

func (OAuth) GetSweepInterval() time.Duration {
	return time.Minute
}

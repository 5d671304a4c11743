package errors

import (
	"errors"
	"fmt"
)

// Common error types for the gateway
var (
	// Broker / callback errors
	ErrCsrfMismatch     = errors.New("state does not match session")
	ErrSessionExpired   = errors.New("session expired or missing")
	ErrSessionCompleted = errors.New("session already completed")
	ErrUpstreamExchange = errors.New("upstream token exchange failed")
	ErrUpstreamIdentity = errors.New("upstream identity fetch failed")
	ErrUpstreamRefresh  = errors.New("upstream token refresh failed")
	ErrUpstreamDenied   = errors.New("upstream provider returned an error")
	ErrMissingCode      = errors.New("missing authorization code")
	ErrMissingState     = errors.New("missing state parameter")

	// Authorization code errors
	ErrCodeExpired     = errors.New("authorization code expired")
	ErrCodeAlreadyUsed = errors.New("authorization code already used")
	ErrCodeNotFound    = errors.New("authorization code not found")
	ErrPKCEFailed      = errors.New("code verifier does not match challenge")

	// Token endpoint errors
	ErrUnsupportedGrantType = errors.New("unsupported grant type")
	ErrInvalidRequest       = errors.New("invalid request")

	// Credential errors
	ErrCredentialInvalid = errors.New("credential invalid or expired")

	// Client registration errors
	ErrClientNotFound     = errors.New("client not found")
	ErrInvalidRedirectURI = errors.New("invalid redirect URI")

	// General errors
	ErrNotFound = errors.New("not found")
	ErrInternal = errors.New("internal error")
)

// OAuthCode maps a gateway error to the OAuth2 wire error code used in token
// endpoint responses and error redirects (RFC 6749 section 5.2).
func OAuthCode(err error) string {
	switch {
	case errors.Is(err, ErrCodeExpired),
		errors.Is(err, ErrCodeAlreadyUsed),
		errors.Is(err, ErrCodeNotFound),
		errors.Is(err, ErrPKCEFailed),
		errors.Is(err, ErrSessionExpired):
		return "invalid_grant"
	case errors.Is(err, ErrUnsupportedGrantType):
		return "unsupported_grant_type"
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrMissingCode),
		errors.Is(err, ErrMissingState),
		errors.Is(err, ErrInvalidRedirectURI):
		return "invalid_request"
	case errors.Is(err, ErrCsrfMismatch),
		errors.Is(err, ErrUpstreamDenied):
		return "access_denied"
	default:
		return "server_error"
	}
}

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

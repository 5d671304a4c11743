package server

// Route path constants
// All application routes are defined here to ensure consistency and prevent typos
const (
	// Downstream-facing OAuth2 surface
	RouteWellKnownOAuthServer       = "/.well-known/oauth-authorization-server"
	RouteWellKnownProtectedResource = "/.well-known/oauth-protected-resource"
	RouteOAuthRegister              = "/oauth/register"
	RouteOAuthAuthorize             = "/oauth/authorize"
	RouteOAuthToken                 = "/oauth/token"
	RouteOAuthCallback              = "/oauth/callback"

	// Direct browser/API routes
	RouteAuthLogin  = "/auth/login"
	RouteAuthStatus = "/auth/status"
	RouteAuthLogout = "/auth/logout"

	// Operational routes
	RouteHealth = "/health"
)

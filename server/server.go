package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-mcp-gateway/broker"
	"github.com/jrsteele09/go-mcp-gateway/clients"
	"github.com/jrsteele09/go-mcp-gateway/internal/config"
)

// Config is the slice of the application configuration the HTTP surface
// needs.
type Config interface {
	config.EnvConfig
	config.GatewayConfig
	config.CorsConfig
}

// Server is the gateway's HTTP surface: the downstream-facing OAuth2
// endpoints, the direct browser routes, and the mount point for the MCP
// transport.
type Server struct {
	env     string // Environment (e.g., "DEV", "production")
	mux     *http.ServeMux
	routes  []string
	config  Config
	broker  *broker.Broker
	clients clients.Repo
}

func New(cfg Config, b *broker.Broker, clientRepo clients.Repo) (*Server, error) {
	if b == nil || clientRepo == nil {
		return nil, fmt.Errorf("[Server New] broker and client repo are required")
	}

	s := &Server{
		mux:     http.NewServeMux(),
		config:  cfg,
		broker:  b,
		clients: clientRepo,
	}
	s.env = cfg.GetEnv()

	s.initRoutes()
	s.logRoutes()

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) initRoutes() {
	// Discovery
	s.RegisterRouteHandler("GET "+RouteWellKnownOAuthServer, ChainMiddleware(s.WellKnownOAuthServer(), s.APIMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteWellKnownProtectedResource, ChainMiddleware(s.WellKnownProtectedResource(), s.APIMiddleware()...))

	// Downstream OAuth2 surface
	s.RegisterRouteHandler("POST "+RouteOAuthRegister, ChainMiddleware(s.Register(), s.APIMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteOAuthAuthorize, ChainMiddleware(s.Authorize(), s.APIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteOAuthToken, ChainMiddleware(s.Token(), s.APIMiddleware()...))
	s.RegisterRouteFunc("GET "+RouteOAuthCallback, ChainMiddleware(s.OAuthCallbackHandler(), s.StandardMiddleware()...))

	// Direct browser/API routes
	s.RegisterRouteFunc("GET "+RouteAuthLogin, ChainMiddleware(s.LoginHandler(), s.StandardMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteAuthStatus, ChainMiddleware(s.StatusHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteAuthLogout, ChainMiddleware(s.LogoutHandler(), s.APIMiddleware()...))

	s.RegisterRouteFunc("GET "+RouteHealth, s.HealthHandler())
}

// MountMCP attaches the MCP transport handler at the given path, behind
// the standard, CORS and auth-resolution middleware. Unauthenticated
// requests for non-exempt methods never reach the handler.
func (s *Server) MountMCP(path string, handler http.Handler) {
	wrapped := ChainMiddleware(handler.ServeHTTP, append(s.StandardMiddleware(), s.CorsMiddleware, s.AuthResolutionMiddleware)...)
	s.RegisterRouteHandler(path, wrapped)
	s.logRoutes()
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)

		if len(parts) > 1 {
			logRoute(parts[0], parts[1])
		} else {
			logRoute("", parts[0])
		}
	}
	s.routes = nil
}

func logRoute(method, path string) {
	var displayMethod string
	paddedMethod := fmt.Sprintf(" %-7s", method)
	if color, ok := methodColors[method]; ok {
		displayMethod = color + paddedMethod + ResetColor
	} else {
		displayMethod = Gray + paddedMethod + ResetColor
	}
	log.Info().Msgf("[%-19s] %s", displayMethod, path)
}

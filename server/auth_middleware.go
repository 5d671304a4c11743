package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	gwerrors "github.com/jrsteele09/go-mcp-gateway/internal/errors"
	"github.com/jrsteele09/go-mcp-gateway/sessions"
	"github.com/jrsteele09/go-mcp-gateway/token"
	"github.com/jrsteele09/go-mcp-gateway/upstream"
)

// Authn is the outcome of resolving a bearer credential: the verified
// claims, the live session, and a ready-to-use upstream API handle with
// fresh credentials.
type Authn struct {
	Claims  *token.Claims
	Session *sessions.SessionData
	Client  *upstream.Client
}

type contextKey string

const authnContextKey contextKey = "gateway.authn"

// WithAuthn attaches the resolved authentication to the context.
func WithAuthn(ctx context.Context, authn *Authn) context.Context {
	return context.WithValue(ctx, authnContextKey, authn)
}

// AuthnFromContext returns the resolved authentication, if any.
func AuthnFromContext(ctx context.Context) (*Authn, bool) {
	authn, ok := ctx.Value(authnContextKey).(*Authn)
	return authn, ok && authn != nil
}

// maxPeekBytes bounds how much of a JSON-RPC body is buffered to read the
// method name.
const maxPeekBytes = 1 << 20

// AuthResolutionMiddleware turns a bearer credential into an Authn on the
// request context. Requests without a usable credential are allowed
// through unauthenticated when their JSON-RPC method is exempt; everything
// else receives a 401 with the RFC 9728 challenge pointing at the
// gateway's resource metadata.
func (s *Server) AuthResolutionMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw != "" {
			claims, session, err := s.broker.VerifyCredential(r.Context(), raw)
			if err == nil {
				authn := &Authn{
					Claims:  claims,
					Session: session,
					Client: &upstream.Client{
						SessionID:   session.ID,
						Identity:    session.Identity,
						Credentials: session.Upstream,
					},
				}
				next(w, r.WithContext(WithAuthn(r.Context(), authn)))
				return
			}
			// A failed refresh is an upstream fault, not a bad credential;
			// the outcome for the caller is the same but the log must not
			// conflate the two.
			if gwerrors.Is(err, gwerrors.ErrUpstreamRefresh) {
				log.Warn().Err(err).Msg("credential valid but upstream refresh failed")
			} else {
				log.Debug().Err(err).Msg("bearer credential did not resolve to a session")
			}
		}

		if s.methodExempt(r) {
			next(w, r)
			return
		}
		s.writeUnauthenticated(w)
	}
}

// methodExempt reports whether the request's JSON-RPC method may run
// without a resolved session. The body is buffered and restored so the
// downstream handler sees it untouched.
func (s *Server) methodExempt(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodDelete:
		// Stream attach and session teardown carry no JSON-RPC method and
		// never execute operations; the MCP transport validates its own
		// session ids. Other verbs get no exemption.
		return true
	case http.MethodPost:
	default:
		return false
	}
	if r.Body == nil {
		return false
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPeekBytes))
	if err != nil {
		return false
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	for _, method := range s.config.GetExemptMethods() {
		if probe.Method == method {
			return true
		}
	}
	return false
}

// writeUnauthenticated sends the 401 challenge a compliant MCP client
// needs to discover the authorization server and restart the flow.
func (s *Server) writeUnauthenticated(w http.ResponseWriter) {
	metadataURL := s.config.GetBaseURL() + RouteWellKnownProtectedResource
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer resource_metadata=%q, error="invalid_token"`, metadataURL))
	writeJSONError(w, "invalid_token", "Authentication required", http.StatusUnauthorized)
}

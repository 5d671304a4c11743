package server

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-mcp-gateway/broker"
	gwerrors "github.com/jrsteele09/go-mcp-gateway/internal/errors"
)

const contentTypeJSON = "application/json; charset=utf-8"

// WellKnownOAuthServer serves the authorization server metadata document
// (RFC 8414) describing the gateway's downstream-facing OAuth2 surface.
func (s *Server) WellKnownOAuthServer() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		baseURL := s.config.GetBaseURL()

		resp := map[string]any{
			"issuer":                 baseURL,
			"authorization_endpoint": baseURL + RouteOAuthAuthorize,
			"token_endpoint":         baseURL + RouteOAuthToken,
			"registration_endpoint":  baseURL + RouteOAuthRegister,

			// The gateway brokers exactly one flow.
			"response_types_supported": []string{"code"},
			"response_modes_supported": []string{"query"},
			"grant_types_supported":    []string{"authorization_code"},

			// PKCE support
			"code_challenge_methods_supported": []string{"S256"},

			// Public clients only; no secrets are issued.
			"token_endpoint_auth_methods_supported": []string{"none"},
		}

		w.Header().Set("Content-Type", contentTypeJSON)
		w.Header().Set("Cache-Control", "public, max-age=3600") // Cache for 1 hour
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// WellKnownProtectedResource serves the protected resource metadata
// document (RFC 9728), pointing MCP clients that received a 401 back at
// this gateway's authorization server.
func (s *Server) WellKnownProtectedResource() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		baseURL := s.config.GetBaseURL()

		resp := map[string]any{
			"resource":                 baseURL + s.config.GetMCPPath(),
			"resource_name":            s.config.GetAppName(),
			"authorization_servers":    []string{baseURL},
			"bearer_methods_supported": []string{"header"},
		}

		w.Header().Set("Content-Type", contentTypeJSON)
		w.Header().Set("Cache-Control", "public, max-age=3600") // Cache for 1 hour
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// Register handles dynamic client registration (RFC 7591)
func (s *Server) Register() http.HandlerFunc {
	type registrationRequest struct {
		ClientName   string   `json:"client_name"`
		RedirectURIs []string `json:"redirect_uris"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req registrationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, "invalid_client_metadata", "Failed to parse registration request", http.StatusBadRequest)
			return
		}

		client, err := s.clients.Register(req.ClientName, req.RedirectURIs)
		if err != nil {
			writeJSONError(w, "invalid_redirect_uri", err.Error(), http.StatusBadRequest)
			return
		}

		log.Info().Str("clientID", client.ID).Str("name", client.Name).Msg("registered downstream client")

		w.Header().Set("Content-Type", contentTypeJSON)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"client_id":                  client.ID,
			"client_name":                client.Name,
			"redirect_uris":              client.RedirectURIs,
			"grant_types":                []string{"authorization_code"},
			"response_types":             []string{"code"},
			"token_endpoint_auth_method": "none",
		})
	}
}

// Authorize begins a delegated authorization flow for a downstream client
func (s *Server) Authorize() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := broker.AuthorizationRequest{
			ClientID:            r.URL.Query().Get("client_id"),
			RedirectURI:         r.URL.Query().Get("redirect_uri"),
			State:               r.URL.Query().Get("state"),
			CodeChallenge:       r.URL.Query().Get("code_challenge"),
			CodeChallengeMethod: r.URL.Query().Get("code_challenge_method"),
			ResponseType:        r.URL.Query().Get("response_type"),
		}

		auth, err := s.broker.BeginDownstreamAuthorization(params)
		if err != nil {
			// The redirect URI is not trusted at this point, so the error is
			// rendered locally rather than redirected.
			writeJSONError(w, gwerrors.OAuthCode(err), err.Error(), http.StatusBadRequest)
			return
		}

		// Set in a cookie so the session id doesn't appear in the URL; the
		// signed state parameter carries it anyway for browsers that drop
		// the cookie across the redirect chain.
		s.SetSessionCookie(w, r, auth.SessionID)
		http.Redirect(w, r, auth.RedirectURL, http.StatusSeeOther)
	}
}

// Token exchanges a downstream authorization code for a bearer credential
func (s *Server) Token() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Parse token request from form data
		if err := r.ParseForm(); err != nil {
			writeJSONError(w, "invalid_request", "Failed to parse form data", http.StatusBadRequest)
			return
		}

		tokenResponse, err := s.broker.RedeemDownstreamCode(broker.TokenRequest{
			GrantType:    r.FormValue("grant_type"),
			Code:         r.FormValue("code"),
			CodeVerifier: r.FormValue("code_verifier"),
		})
		if err != nil {
			writeJSONError(w, gwerrors.OAuthCode(err), err.Error(), http.StatusBadRequest)
			return
		}

		// Return token response
		w.Header().Set("Content-Type", contentTypeJSON)
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		_ = json.NewEncoder(w).Encode(tokenResponse)
	}
}

// OAuthCallbackHandler completes the upstream half of the flow
func (s *Server) OAuthCallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		result, err := s.broker.HandleCallback(r.Context(), broker.Callback{
			CookieSessionID:  s.SessionCookie(r),
			Code:             query.Get("code"),
			State:            query.Get("state"),
			ErrorCode:        query.Get("error"),
			ErrorDescription: query.Get("error_description"),
		})

		// The attempt is finished either way; the cookie has no further use.
		s.ClearSessionCookie(w, r)

		// Delegated flows carry their outcome back to the downstream client,
		// including failures.
		if result != nil && result.RedirectURL != "" {
			http.Redirect(w, r, result.RedirectURL, http.StatusSeeOther)
			return
		}
		if err != nil {
			log.Warn().Err(err).Msg("authorization callback failed")
			writeJSONError(w, gwerrors.OAuthCode(err), err.Error(), callbackStatus(err))
			return
		}

		// Direct flow: hand the bearer credential straight back.
		w.Header().Set("Content-Type", contentTypeJSON)
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": result.Token.AccessToken,
			"token_type":   result.Token.TokenType,
			"expires_in":   result.Token.ExpiresIn,
			"user": map[string]string{
				"id":    result.Identity.ID,
				"name":  result.Identity.Name,
				"email": result.Identity.Email,
			},
		})
	}
}

func callbackStatus(err error) int {
	switch {
	case gwerrors.Is(err, gwerrors.ErrCsrfMismatch),
		gwerrors.Is(err, gwerrors.ErrUpstreamDenied):
		return http.StatusForbidden
	case gwerrors.Is(err, gwerrors.ErrUpstreamExchange),
		gwerrors.Is(err, gwerrors.ErrUpstreamIdentity):
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

// writeJSONError writes an OAuth2 error response
func writeJSONError(w http.ResponseWriter, errorCode, description string, statusCode int) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errorCode,
		"error_description": description,
	})
}

package server

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// LoginHandler starts a direct browser flow with no downstream client. The
// callback returns the bearer credential as JSON instead of redirecting.
func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth, err := s.broker.BeginDirectAuthorization()
		if err != nil {
			log.Error().Err(err).Msg("failed to start direct authorization")
			http.Error(w, "Failed to start login", http.StatusInternalServerError)
			return
		}

		s.SetSessionCookie(w, r, auth.SessionID)
		http.Redirect(w, r, auth.RedirectURL, http.StatusSeeOther)
	}
}

// StatusHandler reports whether the presented bearer credential resolves
// to a live session.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentTypeJSON)

		raw := bearerToken(r)
		if raw == "" {
			_ = json.NewEncoder(w).Encode(map[string]any{"authenticated": false})
			return
		}

		claims, session, err := s.broker.VerifyCredential(r.Context(), raw)
		if err != nil {
			_ = json.NewEncoder(w).Encode(map[string]any{"authenticated": false})
			return
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"authenticated": true,
			"user": map[string]string{
				"id":    session.Identity.ID,
				"name":  session.Identity.Name,
				"email": session.Identity.Email,
			},
			"expires_at": claims.ExpiresAt,
		})
	}
}

// LogoutHandler discards the session behind the presented credential,
// invalidating every credential that references it.
func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if raw := bearerToken(r); raw != "" {
			if s.broker.RevokeCredential(raw) {
				log.Info().Msg("session logged out")
			}
		}
		s.ClearSessionCookie(w, r)

		w.Header().Set("Content-Type", contentTypeJSON)
		_ = json.NewEncoder(w).Encode(map[string]any{"logged_out": true})
	}
}

// HealthHandler reports liveness.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentTypeJSON)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/rewind/internal/auth"
)

// Viewer identifies the viewer from a Bearer token, or from the access_token
// query parameter for websocket upgrades. It never rejects a request:
// anonymous viewers are told to sign in by the session pipeline itself.
func Viewer(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := extractBearer(r)
			if tok == "" {
				tok = r.URL.Query().Get("access_token")
			}

			if tok != "" {
				claims, err := auth.ValidateToken(jwtSecret, tok)
				if err != nil {
					log.Debug().Err(err).Str("path", r.URL.Path).Msg("middleware.Viewer: ignoring invalid token")
				} else {
					r = r.WithContext(WithViewer(r.Context(), claims.Viewer()))
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireViewer rejects requests without an authenticated viewer. It must be
// chained after Viewer.
func RequireViewer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ViewerFromContext(r.Context()).Authenticated {
				http.Error(w, `{"title":"Unauthorized","status":401,"detail":"authentication required"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return auth[7:]
	}
	return ""
}

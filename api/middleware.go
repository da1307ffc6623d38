package api

import (
	"context"
	"net/http"
	"strings"

	"batchflow/auth"
)

// bearerToken reads the Authorization header, falling back to the token query
// parameter since browsers cannot set headers on a websocket handshake.
func bearerToken(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		token := strings.TrimPrefix(header, "Bearer ")
		return token, token != header
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	return "", false
}

// AuthMiddleware checks for valid JWT token
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		tokenString, ok := bearerToken(r)
		if !ok {
			SendErrorResponse(w, http.StatusUnauthorized, "Missing or malformed authorization", nil)
			return
		}

		user, err := s.auth.ValidateToken(tokenString)
		if err != nil {
			SendErrorResponse(w, http.StatusUnauthorized, "Invalid token", err)
			return
		}

		ctx := context.WithValue(r.Context(), auth.UserContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

package api

import "net/http"

func (s *Server) setupRoutes() {
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.log.Debug("Request received", map[string]interface{}{
				"method": r.Method,
				"path":   r.URL.Path,
			})
			next.ServeHTTP(w, r)
		})
	})

	publicRouter := s.router.PathPrefix("/api").Subrouter()
	publicRouter.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	publicRouter.HandleFunc("/health", s.handleHealthCheck).Methods(http.MethodGet)

	authenticatedRouter := s.router.PathPrefix("/api").Subrouter()
	authenticatedRouter.Use(s.AuthMiddleware)
	authenticatedRouter.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
	authenticatedRouter.HandleFunc("/messages", s.handleMessages).Methods(http.MethodPost)
	authenticatedRouter.HandleFunc("/flush", s.handleFlush).Methods(http.MethodPost)
	authenticatedRouter.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	authenticatedRouter.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)
}

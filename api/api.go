package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"batchflow/auth"
	"batchflow/logger"
	"batchflow/types"

	"github.com/gorilla/mux"
)

// Service is the part of the running system the API drives.
type Service interface {
	Dispatch(msg types.Message) error
	Flush()
	Stats() types.Stats
}

// Server represents the HTTP API server
type Server struct {
	router  *mux.Router
	server  *http.Server
	addr    string
	service Service
	auth    *auth.Authenticator
	log     *logger.Logger
	started time.Time
}

// Response is a standard API response structure
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// NewServer wires the routes. A nil authenticator leaves every route open.
func NewServer(addr string, service Service, authn *auth.Authenticator, log *logger.Logger) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		addr:    addr,
		service: service,
		auth:    authn,
		log:     log,
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		s.log.Info("Starting API server", map[string]interface{}{
			"addr": s.addr,
			"auth": s.auth != nil,
		})

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("API server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	go func() {
		<-ctx.Done()
		if err := s.Shutdown(); err != nil {
			s.log.Error("API shutdown failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	if s.server == nil {
		return nil
	}
	s.log.Info("Shutting down API server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	sendJSONResponse(w, http.StatusOK, Response{
		Success: true,
		Message: "API server is running",
		Data: map[string]interface{}{
			"status": "ok",
			"time":   time.Now().Format(time.RFC3339),
			"uptime": time.Since(s.started).Round(time.Second).String(),
		},
	})
}

func sendJSONResponse(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func SendErrorResponse(w http.ResponseWriter, status int, message string, err error) {
	resp := Response{
		Success: false,
		Message: message,
	}
	if err != nil {
		resp.Error = err.Error()
	}
	sendJSONResponse(w, status, resp)
}

// Helper function to decode JSON body
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

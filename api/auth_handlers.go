package api

import (
	"net/http"

	"batchflow/auth"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		SendErrorResponse(w, http.StatusNotFound, "Authentication is disabled", nil)
		return
	}

	var creds auth.Credentials
	if err := decodeJSONBody(w, r, &creds); err != nil {
		SendErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := s.auth.ValidateCredentials(creds); err != nil {
		s.log.Warn("Rejected login", map[string]interface{}{
			"username": creds.Username,
			"remote":   r.RemoteAddr,
		})
		SendErrorResponse(w, http.StatusUnauthorized, "Invalid credentials", nil)
		return
	}

	token, err := s.auth.GenerateToken(creds.Username)
	if err != nil {
		SendErrorResponse(w, http.StatusInternalServerError, "Failed to generate token", err)
		return
	}

	sendJSONResponse(w, http.StatusOK, Response{
		Success: true,
		Message: "Login successful",
		Data: map[string]string{
			"token": token,
		},
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token, ok := bearerToken(r); ok && s.auth != nil {
		s.auth.InvalidateToken(token)
	}
	sendJSONResponse(w, http.StatusOK, Response{
		Success: true,
		Message: "Logout successful",
	})
}

package api

import (
	"errors"
	"net/http"

	"batchflow/batcher"
	"batchflow/system"
	"batchflow/types"
)

const maxBodyBytes = 4 << 20

// MessagesRequest carries either one message or a list of them.
type MessagesRequest struct {
	Content  *string  `json:"content,omitempty"`
	Messages []string `json:"messages,omitempty"`
}

func (req MessagesRequest) contents() []string {
	out := make([]string, 0, len(req.Messages)+1)
	if req.Content != nil {
		out = append(out, *req.Content)
	}
	return append(out, req.Messages...)
}

func dispatchStatus(err error) int {
	if errors.Is(err, batcher.ErrPoolClosed) || errors.Is(err, system.ErrNotStarted) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req MessagesRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	contents := req.contents()
	if len(contents) == 0 {
		SendErrorResponse(w, http.StatusBadRequest, "No messages in request", nil)
		return
	}

	accepted := 0
	for _, content := range contents {
		if err := s.service.Dispatch(types.NewMessage(content)); err != nil {
			SendErrorResponse(w, dispatchStatus(err), "Dispatch failed", err)
			return
		}
		accepted++
	}

	sendJSONResponse(w, http.StatusAccepted, Response{
		Success: true,
		Message: "Messages accepted",
		Data: map[string]int{
			"accepted": accepted,
		},
	})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	s.service.Flush()
	s.log.Info("Manual flush requested", map[string]interface{}{
		"remote": r.RemoteAddr,
	})
	sendJSONResponse(w, http.StatusAccepted, Response{
		Success: true,
		Message: "Flush signalled",
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	sendJSONResponse(w, http.StatusOK, Response{
		Success: true,
		Data:    s.service.Stats(),
	})
}

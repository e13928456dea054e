package server

import (
	"errors"
	"net/http"

	"secure-file-relay/internal/relay"
)

// errorResp is the body of every 5xx response.
type errorResp struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// statusFor maps relay and storage failures onto HTTP status codes. Only
// client mistakes become 4xx; every backend failure, including an unknown
// key or object, is a 500.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, relay.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, relay.ErrStreamRead):
		// Only an upload can fail this way before a response is started.
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError sends a plain-text 4xx or a JSON 5xx for err and logs it.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status < http.StatusInternalServerError {
		s.log.Info(r.Context(), "request rejected", "status", status, "err", err)
		http.Error(w, clientMessage(status, err), status)
		return
	}

	s.log.Error(r.Context(), message, "err", err)
	writeJSON(w, status, errorResp{Message: message, Error: err.Error()})
}

func clientMessage(status int, err error) string {
	switch status {
	case http.StatusRequestEntityTooLarge:
		return "file too large"
	default:
		return err.Error()
	}
}

package server

import (
	"context"
	"net/http"
)

type resolveResp struct {
	Message        string `json:"message"`
	HashedPassCode string `json:"hashedPassCode"`
	ObjectID       string `json:"objectId"`
}

// handleResolve handles GET /file/{sharedKey}. The password hash is returned
// as stored; checking it is the client's business.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	rec, err := s.relay.Resolve(r.Context(), r.PathValue("sharedKey"))
	if err != nil {
		s.writeError(w, r, "Failed to fetch file", err)
		return
	}

	writeJSON(w, http.StatusOK, resolveResp{
		Message:        "Success",
		HashedPassCode: rec.HashedPassCode,
		ObjectID:       rec.ObjectID,
	})
}

// handleDelete handles DELETE /delete/{objectId}.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.operationTimeout)
	defer cancel()

	if err := s.relay.Purge(ctx, r.PathValue("objectId")); err != nil {
		s.writeError(w, r, "Failed to delete file", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

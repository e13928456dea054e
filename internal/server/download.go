package server

import (
	"net/http"
	"strings"
)

// responseSink writes a streamed object to the client. Headers are sent by
// Prepare, so anything that fails before it can still become an error
// response.
type responseSink struct {
	w        http.ResponseWriter
	rc       *http.ResponseController
	prepared bool
}

func newResponseSink(w http.ResponseWriter) *responseSink {
	return &responseSink{w: w, rc: http.NewResponseController(w)}
}

func (s *responseSink) Prepare(name, mimeType string) {
	h := s.w.Header()
	h.Set("Content-Type", mimeType)
	h.Set("Content-Disposition", contentDisposition(name))
	h.Set("X-Content-Type-Options", "nosniff")
	s.w.WriteHeader(http.StatusOK)
	s.prepared = true
}

func (s *responseSink) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

func (s *responseSink) Flush() {
	_ = s.rc.Flush()
}

var dispositionEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\r", "", "\n", "")

func contentDisposition(name string) string {
	if name == "" {
		name = "download"
	}
	return `attachment; filename="` + dispositionEscaper.Replace(name) + `"`
}

// handleDownload handles GET /download/{objectId}. The body is proxied from
// storage as it arrives; a failure after the first byte can only cut the
// response short.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	objectID := r.PathValue("objectId")
	sink := newResponseSink(w)

	n, err := s.relay.Stream(r.Context(), objectID, sink)
	if err == nil {
		return
	}
	if !sink.prepared {
		s.writeError(w, r, "Failed to download file", err)
		return
	}
	s.log.Warn(r.Context(), "download truncated", "object_id", objectID, "bytes", n, "err", err)
}

package server

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"secure-file-relay/internal/metadata"
	"secure-file-relay/internal/relay"
)

// stubRelay lets each test script the relay's answers.
type stubRelay struct {
	store   func(ctx context.Context, up relay.Upload, hash, key string) (relay.StoreResult, error)
	resolve func(ctx context.Context, key string) (metadata.SecureFile, error)
	stream  func(ctx context.Context, id string, sink relay.Sink) (int64, error)
	purge   func(ctx context.Context, id string) error
}

func (s *stubRelay) Store(ctx context.Context, up relay.Upload, hash, key string) (relay.StoreResult, error) {
	return s.store(ctx, up, hash, key)
}

func (s *stubRelay) Resolve(ctx context.Context, key string) (metadata.SecureFile, error) {
	return s.resolve(ctx, key)
}

func (s *stubRelay) Stream(ctx context.Context, id string, sink relay.Sink) (int64, error) {
	return s.stream(ctx, id, sink)
}

func (s *stubRelay) Purge(ctx context.Context, id string) error {
	return s.purge(ctx, id)
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Metrics == nil {
		m, err := NewMetrics("", nil)
		if err != nil {
			t.Fatalf("NewMetrics: %v", err)
		}
		cfg.Metrics = m
	}
	return New(cfg)
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

type formPart struct {
	field    string
	filename string
	mime     string
	body     []byte
}

// multipartRequest builds a POST /upload request with parts in order.
func multipartRequest(t *testing.T, parts ...formPart) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		disp := `form-data; name="` + p.field + `"`
		if p.filename != "" {
			disp += `; filename="` + p.filename + `"`
		}
		h.Set("Content-Disposition", disp)
		if p.mime != "" {
			h.Set("Content-Type", p.mime)
		}
		w, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("CreatePart: %v", err)
		}
		if _, err := w.Write(p.body); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func filePart(name string, body []byte) formPart {
	return formPart{field: "file", filename: name, mime: "text/plain", body: body}
}

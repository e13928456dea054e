package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"time"

	"secure-file-relay/internal/logging"
	"secure-file-relay/internal/metadata"
	"secure-file-relay/internal/relay"
)

// Relay is the file-relay behaviour the handlers drive. *relay.Service
// implements it.
type Relay interface {
	Store(ctx context.Context, up relay.Upload, hashedPassCode, sharedKey string) (relay.StoreResult, error)
	Resolve(ctx context.Context, sharedKey string) (metadata.SecureFile, error)
	Stream(ctx context.Context, objectID string, sink relay.Sink) (int64, error)
	Purge(ctx context.Context, objectID string) error
}

type Config struct {
	Addr  string // e.g. ":8080"
	Relay Relay

	// Checks gate /ready, keyed by component name.
	Checks  map[string]Pinger
	Logger  logging.Logger
	Metrics *Metrics

	// MaxUploadBytes caps the upload request body; 0 means no limit.
	MaxUploadBytes int64
	// OperationTimeout bounds Store and Purge, which are detached from the
	// client connection.
	OperationTimeout time.Duration

	UploadRateLimit float64
	UploadRateBurst int

	// TrustedProxies lists the peers whose X-Forwarded-For and X-Real-IP
	// headers are believed. Requests from anyone else are keyed on
	// RemoteAddr.
	TrustedProxies []netip.Prefix
}

type Server struct {
	httpServer *http.Server
	relay      Relay
	checks     map[string]Pinger
	log        logging.Logger
	metrics    *Metrics
	clients    clientResolver

	maxUploadBytes   int64
	operationTimeout time.Duration
}

const defaultOperationTimeout = 5 * time.Minute

func New(cfg Config) *Server {
	s := &Server{
		relay:            cfg.Relay,
		checks:           cfg.Checks,
		log:              cfg.Logger,
		metrics:          cfg.Metrics,
		clients:          clientResolver{trusted: cfg.TrustedProxies},
		maxUploadBytes:   cfg.MaxUploadBytes,
		operationTimeout: cfg.OperationTimeout,
	}
	if s.log == nil {
		s.log = logging.Nop()
	}
	if s.operationTimeout <= 0 {
		s.operationTimeout = defaultOperationTimeout
	}

	limiter := newRateLimiter(cfg.UploadRateLimit, cfg.UploadRateBurst)

	mux := http.NewServeMux()
	mux.Handle("POST /upload", limiter.middleware(s.clients.ip, http.HandlerFunc(s.handleUpload)))
	mux.HandleFunc("GET /file/{sharedKey}", s.handleResolve)
	mux.HandleFunc("GET /download/{objectId}", s.handleDownload)
	mux.HandleFunc("DELETE /delete/{objectId}", s.handleDelete)
	mux.HandleFunc("GET /health", s.handleLive)
	mux.HandleFunc("GET /ready", s.handleReady)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// Wrap middleware: requestID -> logging -> security headers -> mux
	var handler http.Handler = mux
	handler = securityHeadersMiddleware(handler)
	handler = loggingMiddleware(s.log, s.metrics, s.clients, handler)
	handler = requestIDMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on the configured address and serves until Shutdown.
// It returns nil after a clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *Server) Serve(ln net.Listener) error {
	s.log.Info(context.Background(), "listening", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

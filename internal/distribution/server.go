// Package distribution serves the live stream to playback clients over
// HTTP/1.1, HTTP/3 and WebSocket, each connection reading the shared buffer
// from its own cursor.
package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/livecast/internal/buffer"
	"github.com/zsiec/livecast/internal/certs"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// StatusFunc returns the JSON-serializable status served at /api/status.
type StatusFunc func() any

// ServerConfig holds the configuration for the distribution Server.
type ServerConfig struct {
	Addr   string
	Buffer *buffer.Buffer

	// Viewers is the shared viewer registry. A new one is created if nil.
	Viewers *Viewers

	// StreamPath is the stream route besides "/". Defaults to /stream.mp4.
	StreamPath  string
	ContentType string

	ChunkSize     int
	WriteDelay    time.Duration
	HeaderTimeout time.Duration

	// WriteTimeout bounds each write to a viewer; zero disables it.
	WriteTimeout time.Duration

	Status StatusFunc
	Log    *slog.Logger
}

// Server is the live stream HTTP server.
type Server struct {
	config  ServerConfig
	log     *slog.Logger
	viewers *Viewers

	mu sync.Mutex
	ln net.Listener
}

// NewServer creates a distribution Server with the given configuration.
// It returns an error if required fields are missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Buffer == nil {
		return nil, errors.New("distribution: Buffer is required")
	}
	if config.Addr == "" {
		return nil, errors.New("distribution: Addr is required")
	}
	if config.StreamPath == "" {
		config.StreamPath = "/stream.mp4"
	}
	if config.StreamPath[0] != '/' {
		return nil, fmt.Errorf("distribution: StreamPath %q must start with /", config.StreamPath)
	}
	if config.ContentType == "" {
		config.ContentType = "video/mp4"
	}
	if config.HeaderTimeout <= 0 {
		config.HeaderTimeout = DefaultHeaderTimeout
	}

	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	viewers := config.Viewers
	if viewers == nil {
		viewers = NewViewers(log)
	}

	return &Server{
		config:  config,
		log:     log.With("component", "distribution"),
		viewers: viewers,
	}, nil
}

// Viewers returns the server's viewer registry.
func (s *Server) Viewers() *Viewers {
	return s.viewers
}

func (s *Server) deliverOptions() DeliverOptions {
	return DeliverOptions{
		ChunkSize:  s.config.ChunkSize,
		WriteDelay: s.config.WriteDelay,
	}
}

// Handler returns the HTTP handler serving the stream and API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", s.handleStream)
	mux.HandleFunc(s.config.StreamPath, s.handleStream)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/viewers", s.handleViewers)
	return corsMiddleware(mux)
}

// corsMiddleware allows any origin and answers preflight requests on every
// path.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Range")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Listen binds the HTTP listener. Calling it before Serve lets the caller
// learn the bound address and see bind errors synchronously.
func (s *Server) Listen() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln != nil {
		return s.ln.Addr(), nil
	}
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return nil, fmt.Errorf("distribution: listen on %s: %w", s.config.Addr, err)
	}
	s.ln = ln
	return ln.Addr(), nil
}

// Addr returns the bound listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close releases a listener bound by Listen that was never served.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Serve serves HTTP/1.1 until ctx is cancelled, binding first if Listen has
// not been called. Cancelling ctx also ends every in-flight stream.
func (s *Server) Serve(ctx context.Context) error {
	addr, err := s.Listen()
	if err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelDebug),
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("http shutdown", "error", err)
			srv.Close()
		}
	})
	defer stop()

	s.log.Info("HTTP server listening", "addr", addr.String())

	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}

// ServeH3 serves the same routes over HTTP/3 on addr until ctx is
// cancelled.
func (s *Server) ServeH3(ctx context.Context, addr string, cert *certs.CertInfo) error {
	if cert == nil {
		return errors.New("distribution: certificate is required for HTTP/3")
	}

	h3 := &http3.Server{
		Addr:      addr,
		Handler:   s.Handler(),
		TLSConfig: cert.TLSConfig(),
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
		},
	}
	s.log.Info("HTTP/3 server listening", "addr", addr, "fingerprint", cert.FingerprintBase64())

	stop := context.AfterFunc(ctx, func() { h3.Close() })
	defer stop()

	err := h3.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) setStreamHeaders(h http.Header) {
	h.Set("Content-Type", s.config.ContentType)
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	h.Set("Accept-Ranges", "bytes")
	h.Set("X-Content-Type-Options", "nosniff")
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodHead:
		s.setStreamHeaders(w.Header())
		w.WriteHeader(http.StatusOK)
		return
	default:
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	buf := s.config.Buffer
	waitCtx, cancel := context.WithTimeout(r.Context(), s.config.HeaderTimeout)
	ready := buf.WaitHeader(waitCtx)
	cancel()
	if !ready {
		if r.Context().Err() != nil {
			return
		}
		s.log.Warn("stream header not ready", "remote", r.RemoteAddr, "timeout", s.config.HeaderTimeout)
		writeError(w, http.StatusServiceUnavailable, "stream not ready")
		return
	}

	s.setStreamHeaders(w.Header())
	w.WriteHeader(http.StatusOK)

	transport := TransportHTTP
	if r.ProtoMajor == 3 {
		transport = TransportHTTP3
	}
	v := s.viewers.Add(transport, r.RemoteAddr)
	defer s.viewers.Remove(v.ID)

	sink := newHTTPSink(w, s.config.WriteTimeout)
	if err := sink.Flush(); err != nil {
		s.log.Debug("initial flush failed", "viewer", v.ID, "error", err)
		return
	}

	err := Deliver(r.Context(), buf, sink, v, s.deliverOptions())
	s.logEnd(v, err)
}

func (s *Server) logEnd(v *Viewer, err error) {
	switch {
	case err == nil:
		s.log.Debug("stream ended", "viewer", v.ID)
	case IsDisconnect(err):
		s.log.Debug("viewer went away", "viewer", v.ID, "error", err)
	default:
		s.log.Warn("stream write failed", "viewer", v.ID, "error", err)
	}
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

type defaultStatus struct {
	HeaderReady bool          `json:"headerReady"`
	Buffer      buffer.Stats  `json:"buffer"`
	Viewers     []ViewerStats `json:"viewers"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.config.Status != nil {
		writeJSON(w, http.StatusOK, s.config.Status())
		return
	}
	writeJSON(w, http.StatusOK, defaultStatus{
		HeaderReady: s.config.Buffer.HeaderReady(),
		Buffer:      s.config.Buffer.Stats(),
		Viewers:     s.viewers.List(),
	})
}

func (s *Server) handleViewers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.viewers.List())
}

// httpSink writes to a streaming HTTP response.
type httpSink struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	timeout time.Duration
}

func newHTTPSink(w http.ResponseWriter, timeout time.Duration) *httpSink {
	return &httpSink{w: w, rc: http.NewResponseController(w), timeout: timeout}
}

func (s *httpSink) deadline() error {
	if s.timeout <= 0 {
		return nil
	}
	err := s.rc.SetWriteDeadline(time.Now().Add(s.timeout))
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}

func (s *httpSink) Write(p []byte) (int, error) {
	if err := s.deadline(); err != nil {
		return 0, err
	}
	return s.w.Write(p)
}

func (s *httpSink) Flush() error {
	if err := s.deadline(); err != nil {
		return err
	}
	err := s.rc.Flush()
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}

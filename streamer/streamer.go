// Package streamer turns raw RGB24 frames into a live stream served to any
// number of HTTP, HTTP/3, WebSocket and SRT viewers. It wires an encoder,
// the live buffer and the distribution servers together behind
// Start/WriteFrame/Stop.
package streamer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/livecast/encoder"
	"github.com/zsiec/livecast/internal/buffer"
	"github.com/zsiec/livecast/internal/certs"
	"github.com/zsiec/livecast/internal/distribution"
	"github.com/zsiec/livecast/internal/fmp4"
	"github.com/zsiec/livecast/internal/pump"
	"github.com/zsiec/livecast/internal/srt"
)

var (
	// ErrAlreadyStarted is returned by Start on a streamer that was started
	// before. A stopped streamer cannot be restarted.
	ErrAlreadyStarted = errors.New("streamer: already started")
	// ErrNotStarted is returned by WriteFrame before Start or after Stop.
	ErrNotStarted = errors.New("streamer: not started")
	// ErrFrameSize is returned by WriteFrame for a frame of the wrong length.
	ErrFrameSize = errors.New("streamer: frame size mismatch")
)

// stopTimeout bounds how long Stop waits for the serving goroutines.
const stopTimeout = 10 * time.Second

// Streamer is a single live stream.
type Streamer struct {
	cfg Config
	log *slog.Logger
	enc encoder.Encoder

	mu        sync.Mutex
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	unwatch   func() bool
	done      chan struct{}
	buf       *buffer.Buffer
	srv       *distribution.Server
	pump      *pump.Pump
	url       string
	startedAt time.Time
	runErr    error

	running  atomic.Bool
	frames   atomic.Int64
	rejected atomic.Int64

	describeOnce sync.Once
	headerInfo   *fmp4.Info
	headerErr    error
}

// New creates a streamer backed by an ffmpeg process.
func New(cfg Config) (*Streamer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return NewWithEncoder(cfg, encoder.NewFFmpeg(cfg.Encoder, cfg.Log))
}

// NewWithEncoder creates a streamer around an existing encoder. The
// encoder must not have been started.
func NewWithEncoder(cfg Config, enc encoder.Encoder) (*Streamer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if enc == nil {
		return nil, errors.New("streamer: encoder is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Streamer{
		cfg: cfg,
		log: log.With("component", "streamer"),
		enc: enc,
	}, nil
}

// Start binds the HTTP listener, starts the encoder and begins serving. It
// returns the stream URL. Cancelling ctx has the same effect as Stop.
func (s *Streamer) Start(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return "", ErrAlreadyStarted
	}

	buf := buffer.New(s.cfg.BufferSize)
	viewers := distribution.NewViewers(s.cfg.Log)
	srv, err := distribution.NewServer(distribution.ServerConfig{
		Addr:          s.cfg.listenAddr(),
		Buffer:        buf,
		Viewers:       viewers,
		StreamPath:    s.cfg.streamPath(),
		ContentType:   s.cfg.Encoder.Container.ContentType(),
		ChunkSize:     s.cfg.ChunkSize,
		WriteDelay:    s.cfg.WriteDelay,
		HeaderTimeout: s.cfg.HeaderTimeout,
		WriteTimeout:  s.cfg.WriteTimeout,
		Status:        func() any { return s.Status() },
		Log:           s.cfg.Log,
	})
	if err != nil {
		return "", err
	}

	addr, err := srv.Listen()
	if err != nil {
		return "", err
	}
	if err := s.enc.Start(); err != nil {
		srv.Close()
		return "", fmt.Errorf("streamer: start encoder: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)

	p := pump.New(s.enc, buf, s.cfg.Log)
	g.Go(func() error { return p.Run(gctx) })
	g.Go(func() error { return srv.Serve(gctx) })

	if s.cfg.H3Addr != "" {
		g.Go(func() error {
			s.serveH3(gctx, srv)
			return nil
		})
	}
	if s.cfg.SRTAddr != "" {
		srtSrv := srt.NewServer(s.cfg.SRTAddr, buf, viewers, s.cfg.Log)
		g.Go(func() error {
			if err := srtSrv.Start(gctx); err != nil {
				s.log.Error("SRT listener failed", "addr", s.cfg.SRTAddr, "error", err)
			}
			return nil
		})
	}

	port := addr.(*net.TCPAddr).Port
	s.url = streamURL(advertiseHost(s.cfg.Host), port, s.cfg.streamPath())
	s.buf = buf
	s.srv = srv
	s.pump = p
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true
	s.startedAt = time.Now()
	s.running.Store(true)

	done := s.done
	go func() {
		err := g.Wait()
		s.mu.Lock()
		s.runErr = err
		s.mu.Unlock()
		if err != nil {
			s.log.Error("stream stopped with error", "error", err)
		}
		close(done)
	}()

	s.unwatch = context.AfterFunc(ctx, func() { s.Stop() })

	s.log.Info("stream started", "url", s.url, "addr", addr.String(),
		"size", fmt.Sprintf("%dx%d", s.cfg.Encoder.Width, s.cfg.Encoder.Height),
		"fps", s.cfg.Encoder.FPS)
	return s.url, nil
}

func (s *Streamer) serveH3(ctx context.Context, srv *distribution.Server) {
	host, _, _ := net.SplitHostPort(s.cfg.H3Addr)
	cert, err := certs.Generate(certs.MaxValidity, host, advertiseHost(host))
	if err != nil {
		s.log.Error("HTTP/3 certificate", "error", err)
		return
	}
	if err := srv.ServeH3(ctx, s.cfg.H3Addr, cert); err != nil {
		s.log.Error("HTTP/3 listener failed", "addr", s.cfg.H3Addr, "error", err)
	}
}

// WriteFrame submits one raw RGB24 frame. Frames of the wrong length are
// rejected. A dead encoder does not make WriteFrame fail; the frame is
// dropped and Running reports false.
func (s *Streamer) WriteFrame(frame []byte) error {
	if want := s.cfg.FrameSize(); len(frame) != want {
		s.rejected.Add(1)
		return fmt.Errorf("%w: got %d bytes, want %d", ErrFrameSize, len(frame), want)
	}
	if !s.running.Load() {
		return ErrNotStarted
	}
	s.enc.WriteFrame(frame)
	s.frames.Add(1)
	return nil
}

// Stop stops the pump, the encoder and every listener. It is safe to call
// more than once and before Start.
func (s *Streamer) Stop() error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel, done, buf, unwatch := s.cancel, s.done, s.buf, s.unwatch
	s.mu.Unlock()

	s.running.Store(false)
	unwatch()
	cancel()

	var errs []error
	if err := s.enc.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("streamer: stop encoder: %w", err))
	}
	buf.Close()

	timer := time.NewTimer(stopTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.log.Warn("timed out waiting for stream goroutines")
	}

	s.log.Info("stream stopped", "frames", s.frames.Load(), "bytes", buf.TotalWritten())
	return errors.Join(errs...)
}

// URL returns the stream URL, or "" before Start.
func (s *Streamer) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// FramesWritten returns the number of frames accepted by WriteFrame.
func (s *Streamer) FramesWritten() int64 {
	return s.frames.Load()
}

// Connections returns the number of viewers currently attached. A client
// counts once the stream header is available to it; one still waiting for
// the header (up to HeaderTimeout) is not counted yet.
func (s *Streamer) Connections() int {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return 0
	}
	return srv.Viewers().Count()
}

// Running reports whether the stream is started and not stopped.
func (s *Streamer) Running() bool {
	return s.running.Load()
}

// Addr returns the bound HTTP address, or nil before Start.
func (s *Streamer) Addr() net.Addr {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Addr()
}

// Package srt serves the live stream to SRT callers in listener mode. Each
// caller receives the same bytes as an HTTP viewer, header first, split into
// standard SRT payloads.
package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/livecast/internal/buffer"
	"github.com/zsiec/livecast/internal/distribution"
)

// PayloadSize is the SRT live-mode payload size (7 × 188 bytes).
const PayloadSize = 1316

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// conn is the part of an SRT connection the server uses.
type conn interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
	StreamID() string
}

// Server accepts SRT callers and streams the live buffer to each of them.
type Server struct {
	log           *slog.Logger
	addr          string
	buf           *buffer.Buffer
	viewers       *distribution.Viewers
	headerTimeout time.Duration
	opts          distribution.DeliverOptions
}

// NewServer creates an SRT egress server on addr. Viewers are registered in
// the given registry so they count alongside HTTP viewers. If log is nil,
// slog.Default() is used.
func NewServer(addr string, buf *buffer.Buffer, viewers *distribution.Viewers, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if viewers == nil {
		viewers = distribution.NewViewers(log)
	}
	return &Server{
		log:           log.With("component", "srt-server"),
		addr:          addr,
		buf:           buf,
		viewers:       viewers,
		headerTimeout: distribution.DefaultHeaderTimeout,
		opts: distribution.DeliverOptions{
			ChunkSize: 64 * PayloadSize,
		},
	}
}

// Start accepts SRT callers until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if !acceptStreamID(req.StreamID) {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		c, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		go s.serveConn(ctx, c)
	}
}

func (s *Server) serveConn(ctx context.Context, c conn) {
	defer c.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Callers only receive; a read error means they hung up.
	go func() {
		defer cancel()
		scratch := make([]byte, PayloadSize)
		for {
			if _, err := c.Read(scratch); err != nil {
				return
			}
		}
	}()

	remote := c.RemoteAddr().String()
	waitCtx, waitCancel := context.WithTimeout(ctx, s.headerTimeout)
	ready := s.buf.WaitHeader(waitCtx)
	waitCancel()
	if !ready {
		if ctx.Err() == nil {
			s.log.Warn("stream header not ready, dropping caller", "remote", remote)
		}
		return
	}

	v := s.viewers.Add(distribution.TransportSRT, remote)
	defer s.viewers.Remove(v.ID)

	s.log.Info("caller attached", "remote", remote, "stream_id", c.StreamID(), "viewer", v.ID)

	err := distribution.Deliver(ctx, s.buf, &payloadWriter{w: c, size: PayloadSize}, v, s.opts)
	switch {
	case err == nil:
	case distribution.IsDisconnect(err) || errors.Is(err, io.EOF):
		s.log.Debug("caller went away", "remote", remote, "error", err)
	default:
		s.log.Warn("SRT write failed", "remote", remote, "error", err)
	}
}

// acceptStreamID accepts callers asking for no stream in particular or for
// the live stream by any of its names.
func acceptStreamID(streamID string) bool {
	name := strings.TrimPrefix(streamID, "/")
	name = strings.TrimPrefix(name, "live/")
	name = strings.TrimSuffix(name, "/")
	switch name {
	case "", "live", "stream", "stream.mp4", "stream.webm":
		return true
	}
	return false
}

// payloadWriter splits writes into SRT-sized messages. SRT live mode
// carries one message per packet, so larger writes would be rejected.
type payloadWriter struct {
	w    io.Writer
	size int
}

func (p *payloadWriter) Write(b []byte) (int, error) {
	written := 0
	for len(b) > 0 {
		n := min(len(b), p.size)
		if _, err := p.w.Write(b[:n]); err != nil {
			return written, err
		}
		written += n
		b = b[n:]
	}
	return written, nil
}

// Flush is a no-op; SRT sends each message as written.
func (p *payloadWriter) Flush() error { return nil }

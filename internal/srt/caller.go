package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/livecast/internal/distribution"
)

// DefaultDialTimeout bounds how long Pull waits for the SRT handshake.
const DefaultDialTimeout = 10 * time.Second

// PullRequest describes a live stream to pull from an SRT listener.
type PullRequest struct {
	Address  string `json:"address"`
	StreamID string `json:"streamId,omitempty"`
	// DialTimeout defaults to DefaultDialTimeout.
	DialTimeout time.Duration `json:"-"`
}

type dialResult struct {
	conn *srtgo.Conn
	err  error
}

// Pull dials an SRT listener in caller mode and copies the stream into w
// until ctx is cancelled or the listener hangs up. It returns the number of
// bytes copied. A hang-up by the remote side is not an error.
func Pull(ctx context.Context, req PullRequest, w io.Writer, log *slog.Logger) (int64, error) {
	if req.Address == "" {
		return 0, errors.New("srt: address is required")
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "srt-caller", "address", req.Address)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = req.StreamID

	timeout := req.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	ch := make(chan dialResult, 1)
	go func() {
		c, err := srtgo.Dial(req.Address, cfg)
		ch <- dialResult{c, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return 0, fmt.Errorf("SRT dial failed: %w", res.err)
		}
		log.Info("connected", "stream_id", req.StreamID)
		return copyStream(ctx, res.conn, w, log)
	case <-timer.C:
		go closeLate(ch)
		return 0, fmt.Errorf("SRT dial timed out after %s", timeout)
	case <-ctx.Done():
		go closeLate(ch)
		return 0, ctx.Err()
	}
}

// closeLate closes a connection whose dial completed after Pull gave up.
func closeLate(ch <-chan dialResult) {
	if res := <-ch; res.conn != nil {
		res.conn.Close()
	}
}

// copyStream reads from c into w until ctx ends, c hangs up or w fails.
func copyStream(ctx context.Context, c io.ReadCloser, w io.Writer, log *slog.Logger) (int64, error) {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()
	defer c.Close()

	var total int64
	buf := make([]byte, PayloadSize)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, fmt.Errorf("srt: write output: %w", werr)
			}
			total += int64(n)
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || distribution.IsDisconnect(err) {
				log.Info("pull ended", "bytes", total)
				return total, nil
			}
			return total, fmt.Errorf("srt: read: %w", err)
		}
	}
}

package distribution

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/livecast/internal/buffer"
)

// Delivery defaults.
const (
	DefaultChunkSize     = 64 * 1024
	DefaultWriteDelay    = 10 * time.Millisecond
	DefaultIdleWait      = 100 * time.Millisecond
	DefaultKeepAlive     = 1 * time.Second
	DefaultHeaderTimeout = 10 * time.Second
)

// Sink is one viewer's outbound connection.
type Sink interface {
	Write(p []byte) (int, error)
	Flush() error
}

// pinger is implemented by sinks that have a cheaper keepalive than Flush.
type pinger interface {
	Ping() error
}

// DeliverOptions tunes the delivery loop. Zero values select the defaults.
type DeliverOptions struct {
	ChunkSize int // max bytes per write

	// WriteDelay paces writes to smooth delivery; negative disables it.
	WriteDelay time.Duration
	IdleWait   time.Duration // max wait for new data before re-checking
	KeepAlive  time.Duration // idle time before a keepalive flush
}

func (o DeliverOptions) withDefaults() DeliverOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.WriteDelay < 0 {
		o.WriteDelay = 0
	} else if o.WriteDelay == 0 {
		o.WriteDelay = DefaultWriteDelay
	}
	if o.IdleWait <= 0 {
		o.IdleWait = DefaultIdleWait
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = DefaultKeepAlive
	}
	return o
}

// Deliver streams buf to sink from the viewer's join point until ctx is
// cancelled, the buffer is closed and drained, or a write fails. The header
// is sent ahead of the first stream bytes. A nil error means the stream
// ended normally; write errors are returned as-is and can be classified
// with IsDisconnect.
func Deliver(ctx context.Context, buf *buffer.Buffer, sink Sink, v *Viewer, opts DeliverOptions) error {
	opts = opts.withDefaults()
	cur := buf.NewCursor()

	idle := time.NewTimer(opts.IdleWait)
	defer idle.Stop()
	lastFlush := time.Now()

	for ctx.Err() == nil {
		if data := cur.Next(opts.ChunkSize); len(data) > 0 {
			if _, err := sink.Write(data); err != nil {
				return err
			}
			if err := sink.Flush(); err != nil {
				return err
			}
			lastFlush = time.Now()
			if v != nil {
				v.record(len(data), cur.Resyncs())
			}
			if !sleepCtx(ctx, opts.WriteDelay) {
				return nil
			}
			continue
		}

		if buf.Closed() {
			return nil
		}

		notify := buf.Notify()
		if cur.Pending() {
			continue
		}

		idle.Reset(opts.IdleWait)
		select {
		case <-ctx.Done():
			return nil
		case <-notify:
		case <-idle.C:
		}

		if time.Since(lastFlush) >= opts.KeepAlive {
			if err := keepAlive(sink); err != nil {
				return err
			}
			lastFlush = time.Now()
		}
	}
	return nil
}

func keepAlive(sink Sink) error {
	if p, ok := sink.(pinger); ok {
		return p.Ping()
	}
	return sink.Flush()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// IsDisconnect reports whether err is the peer going away rather than a
// server-side failure.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure)
}

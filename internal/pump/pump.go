// Package pump moves encoded output from the encoder into the live stream
// buffer, latching the container header on the way.
package pump

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// pollTimeout bounds each wait for encoder output so cancellation is
// observed promptly.
const pollTimeout = 50 * time.Millisecond

// Source is the subset of encoder.Encoder the pump reads from.
type Source interface {
	ReadOutput(timeout time.Duration) ([]byte, bool)
	HeaderReady() bool
	Header() []byte
}

// Sink is the subset of buffer.Buffer the pump writes to. It is the only
// writer of the sink.
type Sink interface {
	SetHeader(header []byte)
	Write(p []byte) (int, error)
}

// Stats counts pumped data.
type Stats struct {
	Chunks    int64 `json:"chunks"`
	Bytes     int64 `json:"bytes"`
	Failed    int64 `json:"failed"`
	HeaderSet bool  `json:"headerSet"`
	LastChunk int64 `json:"lastChunkMs,omitempty"`
}

// Pump bridges a single encoder and buffer.
type Pump struct {
	log *slog.Logger
	src Source
	dst Sink

	headerSet atomic.Bool
	chunks    atomic.Int64
	bytes     atomic.Int64
	failed    atomic.Int64
	lastChunk atomic.Int64
}

// New creates a Pump. If log is nil, slog.Default() is used.
func New(src Source, dst Sink, log *slog.Logger) *Pump {
	if log == nil {
		log = slog.Default()
	}
	return &Pump{
		log: log.With("component", "pump"),
		src: src,
		dst: dst,
	}
}

// Run moves data until ctx is cancelled. The header is handed to the sink
// exactly once, before the first chunk that follows it.
func (p *Pump) Run(ctx context.Context) error {
	p.log.Debug("pump started")
	defer p.log.Debug("pump stopped")

	for ctx.Err() == nil {
		data, ok := p.src.ReadOutput(pollTimeout)

		if !p.headerSet.Load() && p.src.HeaderReady() {
			header := p.src.Header()
			p.dst.SetHeader(header)
			p.headerSet.Store(true)
			p.log.Info("stream header set", "bytes", len(header))
		}

		if !ok || len(data) == 0 {
			continue
		}

		if _, err := p.dst.Write(data); err != nil {
			p.failed.Add(1)
			p.log.Warn("buffer write failed", "bytes", len(data), "error", err)
			continue
		}
		p.chunks.Add(1)
		p.bytes.Add(int64(len(data)))
		p.lastChunk.Store(time.Now().UnixMilli())
	}
	return nil
}

// Stats returns pump counters.
func (p *Pump) Stats() Stats {
	return Stats{
		Chunks:    p.chunks.Load(),
		Bytes:     p.bytes.Load(),
		Failed:    p.failed.Load(),
		HeaderSet: p.headerSet.Load(),
		LastChunk: p.lastChunk.Load(),
	}
}

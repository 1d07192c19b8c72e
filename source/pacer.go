package source

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// FrameWriter consumes paced frames. streamer.Streamer implements it.
type FrameWriter interface {
	WriteFrame(frame []byte) error
}

// PacerStats counts pacer activity.
type PacerStats struct {
	Offered  int64 `json:"offered"`
	Written  int64 `json:"written"`
	Repeated int64 `json:"repeated"`
	Replaced int64 `json:"replaced"`
	Failed   int64 `json:"failed"`
}

// Pacer writes frames at a fixed rate. Producers Offer frames whenever they
// have them; on each tick the newest offered frame is written, or the
// previous one again if nothing new arrived.
type Pacer struct {
	log      *slog.Logger
	interval time.Duration
	dst      FrameWriter

	mu     sync.Mutex
	latest []byte
	fresh  bool

	offered  atomic.Int64
	written  atomic.Int64
	repeated atomic.Int64
	replaced atomic.Int64
	failed   atomic.Int64
}

// NewPacer creates a pacer writing to dst at fps frames per second. If log
// is nil, slog.Default() is used.
func NewPacer(fps int, dst FrameWriter, log *slog.Logger) *Pacer {
	if log == nil {
		log = slog.Default()
	}
	if fps <= 0 {
		fps = 1
	}
	return &Pacer{
		log:      log.With("component", "pacer"),
		interval: time.Second / time.Duration(fps),
		dst:      dst,
	}
}

// Offer hands the pacer a new frame. A frame not yet written when the next
// one arrives is replaced.
func (p *Pacer) Offer(frame []byte) {
	p.offered.Add(1)
	p.mu.Lock()
	if p.fresh {
		p.replaced.Add(1)
	}
	p.latest = frame
	p.fresh = true
	p.mu.Unlock()
}

// Run writes frames on every tick until ctx is cancelled. Nothing is
// written before the first Offer.
func (p *Pacer) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		p.tick()
	}
}

func (p *Pacer) tick() {
	p.mu.Lock()
	frame, fresh := p.latest, p.fresh
	p.fresh = false
	p.mu.Unlock()

	if frame == nil {
		return
	}
	if !fresh {
		p.repeated.Add(1)
	}

	if err := p.dst.WriteFrame(frame); err != nil {
		if p.failed.Add(1) == 1 {
			p.log.Warn("frame write failed", "error", err)
		} else {
			p.log.Debug("frame write failed", "error", err)
		}
		return
	}
	p.written.Add(1)
}

// Stats returns pacer counters.
func (p *Pacer) Stats() PacerStats {
	return PacerStats{
		Offered:  p.offered.Load(),
		Written:  p.written.Load(),
		Repeated: p.repeated.Load(),
		Replaced: p.replaced.Load(),
		Failed:   p.failed.Load(),
	}
}

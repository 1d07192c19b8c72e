package distribution

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Transport names reported in viewer stats.
const (
	TransportHTTP      = "http"
	TransportHTTP3     = "http3"
	TransportWebSocket = "websocket"
	TransportSRT       = "srt"
)

// Viewer is one attached playback connection. Counters are updated by the
// delivery loop that owns the connection.
type Viewer struct {
	ID        string
	Transport string
	Remote    string
	StartedAt time.Time

	bytes   atomic.Int64
	chunks  atomic.Int64
	resyncs atomic.Int64
}

func (v *Viewer) record(n int, resyncs int64) {
	v.bytes.Add(int64(n))
	v.chunks.Add(1)
	v.resyncs.Store(resyncs)
}

// BytesSent returns the number of bytes delivered to the viewer.
func (v *Viewer) BytesSent() int64 { return v.bytes.Load() }

// ViewerStats is the JSON form of a Viewer.
type ViewerStats struct {
	ID        string `json:"id"`
	Transport string `json:"transport"`
	Remote    string `json:"remote"`
	StartedAt int64  `json:"startedAt"`
	UptimeMs  int64  `json:"uptimeMs"`
	BytesSent int64  `json:"bytesSent"`
	Chunks    int64  `json:"chunks"`
	Resyncs   int64  `json:"resyncs"`
}

// Stats returns a snapshot of the viewer's counters.
func (v *Viewer) Stats() ViewerStats {
	return ViewerStats{
		ID:        v.ID,
		Transport: v.Transport,
		Remote:    v.Remote,
		StartedAt: v.StartedAt.UnixMilli(),
		UptimeMs:  time.Since(v.StartedAt).Milliseconds(),
		BytesSent: v.bytes.Load(),
		Chunks:    v.chunks.Load(),
		Resyncs:   v.resyncs.Load(),
	}
}

// Viewers tracks the connections currently streaming. It is shared by every
// transport so Count reflects all of them.
type Viewers struct {
	log *slog.Logger

	mu      sync.RWMutex
	viewers map[string]*Viewer

	total atomic.Int64
}

// NewViewers creates an empty registry. If log is nil, slog.Default() is used.
func NewViewers(log *slog.Logger) *Viewers {
	if log == nil {
		log = slog.Default()
	}
	return &Viewers{
		log:     log.With("component", "viewers"),
		viewers: make(map[string]*Viewer),
	}
}

// Add registers a new viewer and returns it.
func (vs *Viewers) Add(transport, remote string) *Viewer {
	v := &Viewer{
		ID:        uuid.NewString(),
		Transport: transport,
		Remote:    remote,
		StartedAt: time.Now(),
	}

	vs.mu.Lock()
	vs.viewers[v.ID] = v
	n := len(vs.viewers)
	vs.mu.Unlock()

	vs.total.Add(1)
	vs.log.Info("viewer connected", "id", v.ID, "transport", transport, "remote", remote, "viewers", n)
	return v
}

// Remove unregisters a viewer. Unknown ids are ignored.
func (vs *Viewers) Remove(id string) {
	vs.mu.Lock()
	v, ok := vs.viewers[id]
	if ok {
		delete(vs.viewers, id)
	}
	n := len(vs.viewers)
	vs.mu.Unlock()

	if ok {
		vs.log.Info("viewer disconnected", "id", id, "transport", v.Transport,
			"bytes", v.bytes.Load(), "resyncs", v.resyncs.Load(), "viewers", n)
	}
}

// Count returns the number of active viewers.
func (vs *Viewers) Count() int {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return len(vs.viewers)
}

// Total returns the number of viewers ever registered.
func (vs *Viewers) Total() int64 {
	return vs.total.Load()
}

// List returns stats for all active viewers, oldest first.
func (vs *Viewers) List() []ViewerStats {
	vs.mu.RLock()
	list := make([]*Viewer, 0, len(vs.viewers))
	for _, v := range vs.viewers {
		list = append(list, v)
	}
	vs.mu.RUnlock()

	slices.SortFunc(list, func(a, b *Viewer) int {
		return a.StartedAt.Compare(b.StartedAt)
	})

	out := make([]ViewerStats, len(list))
	for i, v := range list {
		out[i] = v.Stats()
	}
	return out
}

// Package buffer holds the live stream window shared by every viewer: an
// append-only logical byte stream that retains a bounded tail and replays
// the container header to viewers that join mid-stream.
package buffer

import (
	"context"
	"sync"
)

// DefaultMaxSize is the retained window size used when New is given a
// non-positive size.
const DefaultMaxSize = 20 << 20

// Stats is a point-in-time snapshot of the buffer window.
type Stats struct {
	Size         int   `json:"size"`
	MaxSize      int   `json:"maxSize"`
	TotalWritten int64 `json:"totalWritten"`
	TrimStart    int64 `json:"trimStart"`
	HeaderSize   int   `json:"headerSize"`
	Trims        int64 `json:"trims"`
}

// Buffer is the retained window [trimStart, totalWritten) of the logical
// stream plus the latched container header. A single writer appends; any
// number of readers pull from their own offsets. All state is guarded by mu.
type Buffer struct {
	mu           sync.Mutex
	header       []byte
	headerSet    bool
	headerReady  chan struct{}
	data         []byte
	maxSize      int
	totalWritten int64
	trims        int64
	notify       chan struct{}
	closed       bool
}

// New creates an empty Buffer that retains at most maxSize bytes.
func New(maxSize int) *Buffer {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Buffer{
		maxSize:     maxSize,
		headerReady: make(chan struct{}),
		notify:      make(chan struct{}),
	}
}

// SetHeader latches the container header. Only the first call has any
// effect; the header is immutable afterwards.
func (b *Buffer) SetHeader(header []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.headerSet {
		return
	}
	b.header = append([]byte(nil), header...)
	b.headerSet = true
	close(b.headerReady)
	b.wakeLocked()
}

// HeaderReady reports whether SetHeader has been called.
func (b *Buffer) HeaderReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.headerSet
}

// Header returns the latched header, or nil if none has been set.
func (b *Buffer) Header() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.header
}

// WaitHeader blocks until the header is latched or ctx is done. Returns
// true if the header is ready.
func (b *Buffer) WaitHeader(ctx context.Context) bool {
	select {
	case <-b.headerReady:
		return true
	case <-ctx.Done():
		return false
	}
}

// Write appends p to the window. When the retained size exceeds maxSize the
// oldest bytes are dropped down to three quarters of maxSize, so trimming
// happens once per overflow instead of on every write.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, p...)
	b.totalWritten += int64(len(p))

	if len(b.data) > b.maxSize {
		keep := b.maxSize * 3 / 4
		n := copy(b.data, b.data[len(b.data)-keep:])
		b.data = b.data[:n]
		b.trims++
	}

	b.wakeLocked()
	return len(p), nil
}

// ReadFrom returns up to maxBytes of stream data starting at pos, along with
// the position just past the returned data. A non-positive maxBytes means no
// limit.
//
// With includeHeader set and pos == 0, the header is returned ahead of the
// stream data. A header longer than maxBytes is returned truncated on its
// own and the position advances by the number of header bytes returned.
// That position is in stream-offset space: a follow-up read never returns
// the rest of the header and skips as many stream bytes. Readers that may
// see such a header should use a Cursor, which splits it correctly.
//
// A pos that has fallen behind the window is moved up to the oldest retained
// byte; the bytes in between were evicted and are skipped silently.
func (b *Buffer) ReadFrom(pos int64, includeHeader bool, maxBytes int) ([]byte, int64) {
	data, next, _ := b.read(pos, includeHeader, maxBytes)
	return data, next
}

func (b *Buffer) read(pos int64, includeHeader bool, maxBytes int) ([]byte, int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []byte
	if includeHeader && pos == 0 && len(b.header) > 0 {
		if maxBytes > 0 && len(b.header) > maxBytes {
			out = append(out, b.header[:maxBytes]...)
			return out, pos + int64(len(out)), false
		}
		out = append(out, b.header...)
	}

	if pos < 0 {
		pos = 0
	}

	resynced := false
	start := b.trimStartLocked()
	if pos < start {
		pos = start
		resynced = true
	}

	off := pos - start
	avail := int64(len(b.data)) - off
	if avail > 0 {
		if maxBytes > 0 && avail > int64(maxBytes) {
			avail = int64(maxBytes)
		}
		out = append(out, b.data[off:off+avail]...)
		pos += avail
	}

	return out, pos, resynced
}

// HasNewData reports whether a reader at pos has anything to read, either
// because data was written past pos or because pos fell behind the window.
func (b *Buffer) HasNewData(pos int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pos < 0 {
		return true
	}
	if pos < b.trimStartLocked() {
		return true
	}
	return pos < b.totalWritten
}

// Notify returns a channel that is closed by the next Write, SetHeader or
// Close. Callers fetch a fresh channel each time they wait.
func (b *Buffer) Notify() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.notify
}

// Close marks the stream as finished and wakes all waiting readers.
// Retained data stays readable.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
}

// Closed reports whether Close has been called.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Size returns the number of retained bytes.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// TotalWritten returns the number of bytes written since creation.
func (b *Buffer) TotalWritten() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalWritten
}

// TrimStart returns the logical offset of the oldest retained byte.
func (b *Buffer) TrimStart() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trimStartLocked()
}

// Stats returns a snapshot of the window.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Size:         len(b.data),
		MaxSize:      b.maxSize,
		TotalWritten: b.totalWritten,
		TrimStart:    b.trimStartLocked(),
		HeaderSize:   len(b.header),
		Trims:        b.trims,
	}
}

func (b *Buffer) trimStartLocked() int64 {
	return b.totalWritten - int64(len(b.data))
}

// wakeLocked releases everyone blocked on the current notify channel.
// Once closed the channel stays closed.
func (b *Buffer) wakeLocked() {
	if b.closed {
		return
	}
	close(b.notify)
	b.notify = make(chan struct{})
}

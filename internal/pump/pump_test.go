package pump

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/livecast/internal/buffer"
)

// stubSource hands out queued chunks and a header once one has been set.
type stubSource struct {
	mu          sync.Mutex
	chunks      [][]byte
	header      []byte
	headerReady bool
}

func (s *stubSource) push(b []byte) {
	s.mu.Lock()
	s.chunks = append(s.chunks, b)
	s.mu.Unlock()
}

func (s *stubSource) setHeader(h []byte) {
	s.mu.Lock()
	s.header = h
	s.headerReady = true
	s.mu.Unlock()
}

func (s *stubSource) ReadOutput(timeout time.Duration) ([]byte, bool) {
	s.mu.Lock()
	if len(s.chunks) > 0 {
		b := s.chunks[0]
		s.chunks = s.chunks[1:]
		s.mu.Unlock()
		return b, true
	}
	s.mu.Unlock()
	time.Sleep(timeout / 10)
	return nil, false
}

func (s *stubSource) HeaderReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headerReady
}

func (s *stubSource) Header() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header
}

// countingSink records SetHeader calls.
type countingSink struct {
	*buffer.Buffer
	mu         sync.Mutex
	headerSets int
}

func (c *countingSink) SetHeader(h []byte) {
	c.mu.Lock()
	c.headerSets++
	c.mu.Unlock()
	c.Buffer.SetHeader(h)
}

func (c *countingSink) sets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headerSets
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPumpMovesChunksAndHeader(t *testing.T) {
	t.Parallel()

	src := &stubSource{}
	sink := &countingSink{Buffer: buffer.New(0)}
	p := New(src, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	src.setHeader([]byte("HEADER"))
	src.push([]byte("frag-1"))
	src.push([]byte("frag-2"))

	waitFor(t, func() bool { return sink.TotalWritten() == 12 })

	if got := string(sink.Header()); got != "HEADER" {
		t.Errorf("header: got %q, want %q", got, "HEADER")
	}

	data, _ := sink.ReadFrom(0, true, 0)
	if !bytes.Equal(data, []byte("HEADERfrag-1frag-2")) {
		t.Errorf("stream: got %q", data)
	}

	stats := p.Stats()
	if stats.Chunks != 2 || stats.Bytes != 12 || !stats.HeaderSet {
		t.Errorf("stats: got %+v", stats)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if sink.sets() != 1 {
		t.Errorf("SetHeader calls: got %d, want 1", sink.sets())
	}
}

func TestPumpSetsHeaderWithoutData(t *testing.T) {
	t.Parallel()

	src := &stubSource{}
	sink := &countingSink{Buffer: buffer.New(0)}
	p := New(src, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	src.setHeader([]byte("only-header"))
	waitFor(t, sink.HeaderReady)

	if sink.TotalWritten() != 0 {
		t.Errorf("TotalWritten: got %d, want 0", sink.TotalWritten())
	}
}

func TestPumpStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	p := New(&stubSource{}, buffer.New(0), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := p.Run(ctx); err != nil {
		t.Errorf("Run: %v", err)
	}
}

// failingSink rejects every write.
type failingSink struct {
	header []byte
}

func (f *failingSink) SetHeader(h []byte) { f.header = h }

func (f *failingSink) Write([]byte) (int, error) {
	return 0, errors.New("sink closed")
}

func TestPumpCountsWriteFailures(t *testing.T) {
	t.Parallel()

	src := &stubSource{}
	p := New(src, &failingSink{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	src.push([]byte("frag-1"))
	src.push([]byte("frag-2"))

	waitFor(t, func() bool { return p.Stats().Failed == 2 })

	stats := p.Stats()
	if stats.Chunks != 0 || stats.Bytes != 0 {
		t.Errorf("failed writes must not count as pumped: got %+v", stats)
	}
}

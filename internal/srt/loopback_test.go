package srt

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/livecast/internal/buffer"
	"github.com/zsiec/livecast/internal/distribution"
)

// collector gathers pulled bytes and calls done once it has want of them.
type collector struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	want int
	done func()
}

func (c *collector) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Write(p)
	if c.buf.Len() >= c.want {
		c.done()
	}
	return len(p), nil
}

func (c *collector) data() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}

func TestListenerServesPull(t *testing.T) {
	t.Parallel()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	addr := pc.LocalAddr().String()
	pc.Close()

	buf := buffer.New(0)
	header := []byte("HDR")
	body := bytes.Repeat([]byte("x"), 5000)
	buf.SetHeader(header)
	buf.Write(body)
	defer buf.Close()

	viewers := distribution.NewViewers(nil)
	srv := NewServer(addr, buf, viewers, nil)
	srv.opts.WriteDelay = -1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- srv.Start(ctx) }()

	want := append(append([]byte{}, header...), body...)

	var out *collector
	deadline := time.Now().Add(5 * time.Second)
	for {
		pullCtx, pullCancel := context.WithTimeout(ctx, 5*time.Second)
		out = &collector{want: len(want), done: pullCancel}
		_, err = Pull(pullCtx, PullRequest{
			Address:     addr,
			StreamID:    "live/stream.mp4",
			DialTimeout: 500 * time.Millisecond,
		}, out, nil)
		pullCancel()
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Pull: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	got := out.data()
	if len(got) < len(want) || !bytes.Equal(got[:len(want)], want) {
		t.Fatalf("pulled %d bytes, want header followed by the stream (%d bytes)", len(got), len(want))
	}
	if viewers.Total() != 1 {
		t.Fatalf("viewers registered = %d, want 1", viewers.Total())
	}

	_, err = Pull(ctx, PullRequest{
		Address:     addr,
		StreamID:    "other",
		DialTimeout: 3 * time.Second,
	}, &bytes.Buffer{}, nil)
	if err == nil {
		t.Fatal("Pull with an unknown stream id should be rejected")
	}
	if viewers.Total() != 1 {
		t.Fatalf("rejected caller was registered as a viewer")
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

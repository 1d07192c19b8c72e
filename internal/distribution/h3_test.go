package distribution

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/livecast/internal/certs"
)

// freeUDPAddr returns a loopback UDP address that was free a moment ago.
func freeUDPAddr(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	addr := pc.LocalAddr().String()
	pc.Close()
	return addr
}

func TestServeH3Stream(t *testing.T) {
	t.Parallel()

	buf := liveBuffer(t, 0)
	buf.Write([]byte("data"))
	srv := newTestServer(t, buf)

	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	addr := freeUDPAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ServeH3(ctx, addr, cert) }()

	tr := &http3.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	defer tr.Close()
	client := &http.Client{Transport: tr}
	url := fmt.Sprintf("https://%s/stream.mp4", addr)

	var resp *http.Response
	deadline := time.Now().Add(5 * time.Second)
	for {
		reqCtx, reqCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		resp, err = client.Do(req)
		if err == nil {
			defer reqCancel()
			break
		}
		reqCancel()
		if time.Now().After(deadline) {
			t.Fatalf("HTTP/3 GET: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if resp.ProtoMajor != 3 {
		t.Fatalf("proto = %q, want HTTP/3", resp.Proto)
	}

	want := append(append([]byte{}, testHeader...), "data"...)
	got := make([]byte, len(want))
	if _, err := io.ReadFull(resp.Body, got); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("body = %q, want %q", got, want)
	}

	waitUntil(t, func() bool { return srv.Viewers().Count() == 1 })
	if v := srv.Viewers().List()[0]; v.Transport != TransportHTTP3 {
		t.Fatalf("transport = %q, want %q", v.Transport, TransportHTTP3)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ServeH3: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ServeH3 did not return after cancel")
	}
}

func TestServeH3RequiresCert(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, liveBuffer(t, 0))
	if err := srv.ServeH3(context.Background(), "127.0.0.1:0", nil); err == nil {
		t.Fatal("expected error without a certificate")
	}
}

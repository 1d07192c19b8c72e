// srt-pull records a livecast SRT stream to a file, reconnecting when the
// listener goes away.
//
// Usage:
//
//	srt-pull --addr 127.0.0.1:9000 --out capture.mp4
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zsiec/livecast/internal/srt"
)

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:9000", "SRT listener address")
	idFlag := flag.String("streamid", "live/stream", "SRT stream id")
	outFlag := flag.String("out", "-", "Output file, - for stdout")
	onceFlag := flag.Bool("once", false, "Exit when the listener hangs up instead of reconnecting")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	out, closeOut, err := openOutput(*outFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot open output: %v\n", err)
		os.Exit(1)
	}
	defer closeOut()

	req := srt.PullRequest{Address: *addrFlag, StreamID: *idFlag}
	var total int64
	for ctx.Err() == nil {
		n, err := srt.Pull(ctx, req, out, nil)
		total += n
		if err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "[%s] pull failed: %v\n", *addrFlag, err)
		}
		if *onceFlag {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
			fmt.Fprintf(os.Stderr, "[%s] reconnecting (total %.1f MB)\n", *addrFlag, float64(total)/(1024*1024))
		}
	}
	fmt.Fprintf(os.Stderr, "Recorded %d bytes\n", total)
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

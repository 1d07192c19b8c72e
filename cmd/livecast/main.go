package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/livecast/encoder"
	"github.com/zsiec/livecast/source"
	"github.com/zsiec/livecast/streamer"
)

var version = "dev"

const statusInterval = 10 * time.Second

func main() {
	flag.Parse()
	if flagHelp {
		help()
		return
	}
	if flagVersion {
		banner()
		return
	}

	level := slog.LevelInfo
	if flagDebug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(); err != nil {
		slog.Error("livecast failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := streamer.DefaultConfig()
	cfg.Encoder.Width = flagWidth
	cfg.Encoder.Height = flagHeight
	cfg.Encoder.FPS = flagFPS
	cfg.Encoder.Bitrate = flagBitrate
	cfg.Encoder.Codec = flagCodec
	cfg.Encoder.Container = encoder.Container(flagContainer)
	cfg.Encoder.Preset = flagPreset
	cfg.Encoder.Path = flagFFmpeg
	cfg.Host = flagHost
	cfg.Port = flagPort
	cfg.BufferSize = flagBufferSize
	cfg.ChunkSize = flagChunkSize
	cfg.H3Addr = flagH3Addr
	cfg.SRTAddr = flagSRTAddr
	cfg.Log = slog.Default()

	s, err := streamer.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	url, err := s.Start(ctx)
	if err != nil {
		return err
	}
	defer s.Stop()
	announce(url)

	pacer := source.NewPacer(cfg.Encoder.FPS, s, slog.Default())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pacer.Run(ctx) })
	g.Go(func() error { return feed(ctx, flagSource, cfg, pacer) })
	g.Go(func() error {
		logStatus(ctx, s, pacer)
		return nil
	})

	err = g.Wait()
	slog.Info("shutting down", "frames", s.FramesWritten())
	if stopErr := s.Stop(); stopErr != nil {
		err = errors.Join(err, stopErr)
	}
	return err
}

// feed offers frames from src to the pacer until ctx ends. A finished
// input leaves the pacer repeating its last frame.
func feed(ctx context.Context, src string, cfg streamer.Config, pacer *source.Pacer) error {
	if src == "testsrc" {
		return feedPattern(ctx, cfg.Encoder.Width, cfg.Encoder.Height, cfg.Encoder.FPS, pacer)
	}

	var r io.Reader = os.Stdin
	if src != "-" {
		f, err := os.Open(src)
		if err != nil {
			return fmt.Errorf("open source: %w", err)
		}
		defer f.Close()
		r = f
	}
	stop := context.AfterFunc(ctx, func() {
		if c, ok := r.(io.Closer); ok {
			c.Close()
		}
	})
	defer stop()

	fr, err := source.NewFrameReader(r, cfg.FrameSize())
	if err != nil {
		return err
	}
	for {
		frame, err := fr.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				slog.Info("source finished, holding last frame", "frames", fr.Frames())
				return nil
			}
			if errors.Is(err, source.ErrShortFrame) {
				slog.Warn("source ended with a partial frame", "frames", fr.Frames(), "bytes", fr.Bytes())
				return nil
			}
			return fmt.Errorf("read source: %w", err)
		}
		pacer.Offer(frame)
	}
}

func feedPattern(ctx context.Context, width, height, fps int, pacer *source.Pacer) error {
	p := source.NewPattern(width, height)
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()
	for {
		pacer.Offer(p.Next())
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func logStatus(ctx context.Context, s *streamer.Streamer, pacer *source.Pacer) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		st := s.Status()
		ps := pacer.Stats()
		slog.Info("status",
			"viewers", st.ActiveConnections,
			"frames", st.FramesWritten,
			"repeated", ps.Repeated,
			"encoder_running", st.EncoderRunning,
			"buffered", st.Buffer.Size,
			"total_bytes", st.Buffer.TotalWritten,
		)
	}
}

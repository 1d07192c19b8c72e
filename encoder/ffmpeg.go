package encoder

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/livecast/internal/fmp4"
)

// readSize is the stdout read size.
const readSize = 32 * 1024

const (
	defaultStopTimeout = 2 * time.Second
	defaultKillTimeout = 1 * time.Second
)

// FFmpeg is an Encoder backed by a long-lived ffmpeg process. Frames are
// written to its stdin; a reader goroutine drains stdout, splits off the
// container header, and queues the remaining output for ReadOutput.
type FFmpeg struct {
	cfg     Config
	log     *slog.Logger
	command func(name string, arg ...string) *exec.Cmd

	stopTimeout time.Duration
	killTimeout time.Duration

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	exited  chan struct{}
	started bool

	running atomic.Bool
	queue   *chunkQueue

	// extractor is owned by the reader goroutine.
	extractor fmp4.Extractor

	headerMu    sync.Mutex
	header      []byte
	headerReady bool
	fallback    bool

	framesIn     atomic.Int64
	framesFailed atomic.Int64
	bytesOut     atomic.Int64
	chunksOut    atomic.Int64
}

var _ Encoder = (*FFmpeg)(nil)

// NewFFmpeg creates an ffmpeg-backed encoder. If log is nil, slog.Default()
// is used.
func NewFFmpeg(cfg Config, log *slog.Logger) *FFmpeg {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "ffmpeg"
	}
	return &FFmpeg{
		cfg:         cfg,
		log:         log.With("component", "encoder"),
		command:     exec.Command,
		stopTimeout: defaultStopTimeout,
		killTimeout: defaultKillTimeout,
		queue:       newChunkQueue(queueCapacity),
	}
}

// Start launches the ffmpeg process. An encoder can be started once.
func (f *FFmpeg) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.started {
		return ErrAlreadyStarted
	}

	cmd := f.command(f.cfg.Path, f.cfg.Args()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("encoder: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("encoder: stdout pipe: %w", err)
	}
	cmd.Stderr = &logWriter{log: f.log}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("encoder: start %s: %w", f.cfg.Path, err)
	}

	f.cmd = cmd
	f.stdin = stdin
	f.exited = make(chan struct{})
	f.started = true
	f.running.Store(true)

	go f.readLoop(cmd, stdout, f.exited)

	f.log.Info("encoder started",
		"pid", cmd.Process.Pid,
		"size", fmt.Sprintf("%dx%d", f.cfg.Width, f.cfg.Height),
		"fps", f.cfg.FPS,
		"codec", f.cfg.Codec,
		"container", f.cfg.Container)
	return nil
}

func (f *FFmpeg) readLoop(cmd *exec.Cmd, stdout io.Reader, exited chan struct{}) {
	defer close(exited)

	buf := make([]byte, readSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			f.bytesOut.Add(int64(n))
			f.handleOutput(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				f.log.Debug("stdout read error", "error", err)
			}
			break
		}
	}

	err := cmd.Wait()
	f.running.Store(false)
	if err != nil {
		f.log.Warn("encoder exited", "error", err)
	} else {
		f.log.Info("encoder exited")
	}
}

// handleOutput routes one stdout chunk: into the header scan until the
// header is found, then onto the queue.
func (f *FFmpeg) handleOutput(chunk []byte) {
	if !f.extractor.Done() {
		if !f.extractor.Feed(chunk) {
			return
		}

		header := f.extractor.Header()
		f.headerMu.Lock()
		f.header = header
		f.headerReady = true
		f.fallback = f.extractor.Fallback()
		f.headerMu.Unlock()

		if f.extractor.Fallback() {
			f.log.Warn("no fragment boundary found, using accumulated output as header",
				"bytes", len(header))
		} else {
			f.log.Info("header captured", "bytes", len(header))
		}

		chunk = f.extractor.Rest()
		if len(chunk) == 0 {
			return
		}
	}

	f.queue.push(chunk)
	f.chunksOut.Add(1)
}

// WriteFrame writes one raw frame to ffmpeg's stdin. If the process is gone
// the frame is dropped and the encoder marks itself not running.
func (f *FFmpeg) WriteFrame(frame []byte) {
	if !f.running.Load() {
		f.framesFailed.Add(1)
		return
	}

	f.mu.Lock()
	stdin := f.stdin
	f.mu.Unlock()
	if stdin == nil {
		f.framesFailed.Add(1)
		return
	}

	if _, err := stdin.Write(frame); err != nil {
		f.framesFailed.Add(1)
		if f.running.CompareAndSwap(true, false) {
			f.log.Warn("encoder input closed, dropping frames", "error", err)
		}
		return
	}
	f.framesIn.Add(1)
}

// ReadOutput pops the next encoded chunk, waiting at most timeout.
func (f *FFmpeg) ReadOutput(timeout time.Duration) ([]byte, bool) {
	return f.queue.pop(timeout)
}

// HeaderReady reports whether the container header has been captured.
func (f *FFmpeg) HeaderReady() bool {
	f.headerMu.Lock()
	defer f.headerMu.Unlock()
	return f.headerReady
}

// Header returns the captured container header, or nil.
func (f *FFmpeg) Header() []byte {
	f.headerMu.Lock()
	defer f.headerMu.Unlock()
	return f.header
}

// Running reports whether the process is alive and accepting frames.
func (f *FFmpeg) Running() bool {
	return f.running.Load()
}

// Stats returns encoder counters.
func (f *FFmpeg) Stats() Stats {
	f.headerMu.Lock()
	headerSize, fallback := len(f.header), f.fallback
	f.headerMu.Unlock()

	return Stats{
		FramesIn:       f.framesIn.Load(),
		FramesFailed:   f.framesFailed.Load(),
		BytesOut:       f.bytesOut.Load(),
		ChunksOut:      f.chunksOut.Load(),
		ChunksDropped:  f.queue.dropped.Load(),
		HeaderSize:     headerSize,
		HeaderFallback: fallback,
	}
}

// Stop closes ffmpeg's stdin and waits for it to finish; a process that
// does not exit in time is killed. Stop is safe to call more than once.
func (f *FFmpeg) Stop() error {
	f.mu.Lock()
	cmd, stdin, exited := f.cmd, f.stdin, f.exited
	f.cmd, f.stdin = nil, nil
	f.mu.Unlock()

	if cmd == nil {
		return nil
	}

	f.running.Store(false)
	if err := stdin.Close(); err != nil {
		f.log.Debug("closing stdin", "error", err)
	}

	timer := time.NewTimer(f.stopTimeout)
	defer timer.Stop()
	select {
	case <-exited:
		return nil
	case <-timer.C:
	}

	f.log.Warn("encoder did not exit, killing", "pid", cmd.Process.Pid)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("encoder: kill: %w", err)
	}

	killTimer := time.NewTimer(f.killTimeout)
	defer killTimer.Stop()
	select {
	case <-exited:
		return nil
	case <-killTimer.C:
		return fmt.Errorf("encoder: process %d still running after kill", cmd.Process.Pid)
	}
}

// logWriter forwards ffmpeg's stderr lines to the debug log.
type logWriter struct {
	log *slog.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			w.log.Debug("ffmpeg", "line", line)
		}
	}
	return len(p), nil
}

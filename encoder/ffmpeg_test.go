package encoder

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The fake encoder is this test binary re-executed. It writes an ftyp+moov
// header, then one moof+mdat fragment per frame read from stdin.
const (
	envFake      = "LIVECAST_FAKE_FFMPEG"
	envMode      = "LIVECAST_FAKE_MODE"
	envFrameSize = "LIVECAST_FAKE_FRAME_SIZE"
)

func TestHelperProcess(t *testing.T) {
	if os.Getenv(envFake) != "1" {
		return
	}
	os.Exit(runFakeEncoder())
}

func runFakeEncoder() int {
	mode := os.Getenv(envMode)
	size, _ := strconv.Atoi(os.Getenv(envFrameSize))

	dieAfter := -1
	if strings.HasPrefix(mode, "die:") {
		dieAfter, _ = strconv.Atoi(strings.TrimPrefix(mode, "die:"))
	}

	os.Stdout.Write(testHeader())

	frame := make([]byte, size)
	for i := 0; ; i++ {
		if i == dieAfter {
			return 1
		}
		if _, err := io.ReadFull(os.Stdin, frame); err != nil {
			break
		}
		os.Stdout.Write(testFragment(i))
	}

	if mode == "hang" {
		time.Sleep(time.Minute)
	}
	return 0
}

func testBox(typ string, payload []byte) []byte {
	b := make([]byte, 8, 8+len(payload))
	binary.BigEndian.PutUint32(b, uint32(8+len(payload)))
	copy(b[4:], typ)
	return append(b, payload...)
}

func testHeader() []byte {
	return append(testBox("ftyp", []byte("isomiso5")), testBox("moov", bytes.Repeat([]byte{1}, 64))...)
}

func testFragment(seq int) []byte {
	moof := testBox("moof", []byte{byte(seq), 0, 0, 0, 0, 0, 0, 0})
	return append(moof, testBox("mdat", bytes.Repeat([]byte{byte(seq)}, 32))...)
}

func fakeCommand(mode string, frameSize int) func(string, ...string) *exec.Cmd {
	return func(name string, args ...string) *exec.Cmd {
		cs := append([]string{"-test.run=^TestHelperProcess$", "--", name}, args...)
		cmd := exec.Command(os.Args[0], cs...)
		cmd.Env = append(os.Environ(),
			envFake+"=1",
			envMode+"="+mode,
			envFrameSize+"="+strconv.Itoa(frameSize),
		)
		return cmd
	}
}

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.Width = 4
	cfg.Height = 2
	return cfg
}

func newFake(t *testing.T, mode string) (*FFmpeg, []byte) {
	t.Helper()
	cfg := smallConfig()
	f := NewFFmpeg(cfg, nil)
	f.command = fakeCommand(mode, cfg.FrameSize())
	f.stopTimeout = 200 * time.Millisecond
	t.Cleanup(func() { f.Stop() })
	return f, make([]byte, cfg.FrameSize())
}

// collect reads output until want bytes have arrived or the deadline passes.
func collect(f *FFmpeg, want int, deadline time.Duration) []byte {
	var out []byte
	end := time.Now().Add(deadline)
	for len(out) < want && time.Now().Before(end) {
		if b, ok := f.ReadOutput(50 * time.Millisecond); ok {
			out = append(out, b...)
		}
	}
	return out
}

func TestFFmpegEncodesFrames(t *testing.T) {
	t.Parallel()

	f, frame := newFake(t, "echo")
	require.NoError(t, f.Start())
	assert.True(t, f.Running())

	for i := 0; i < 3; i++ {
		f.WriteFrame(frame)
	}

	fragLen := len(testFragment(0))
	out := collect(f, 3*fragLen, 5*time.Second)
	require.Len(t, out, 3*fragLen)

	assert.True(t, f.HeaderReady())
	assert.Equal(t, testHeader(), f.Header())
	assert.Equal(t, "moof", string(out[4:8]), "queued output should start at the first fragment")

	require.NoError(t, f.Stop())
	assert.False(t, f.Running())

	stats := f.Stats()
	assert.EqualValues(t, 3, stats.FramesIn)
	assert.Equal(t, len(testHeader()), stats.HeaderSize)
	assert.False(t, stats.HeaderFallback)
}

func TestFFmpegDiesAfterFrames(t *testing.T) {
	t.Parallel()

	f, frame := newFake(t, "die:5")
	require.NoError(t, f.Start())

	for i := 0; i < 5; i++ {
		f.WriteFrame(frame)
	}

	require.Eventually(t, func() bool { return !f.Running() }, 5*time.Second, 10*time.Millisecond)

	assert.NotPanics(t, func() {
		for i := 0; i < 10; i++ {
			f.WriteFrame(frame)
		}
	})

	// Output produced before the crash is still delivered.
	assert.True(t, f.HeaderReady())
	out := collect(f, 5*len(testFragment(0)), 2*time.Second)
	assert.Len(t, out, 5*len(testFragment(0)))

	stats := f.Stats()
	assert.EqualValues(t, 5, stats.FramesIn)
	assert.GreaterOrEqual(t, stats.FramesFailed, int64(10))
	assert.NoError(t, f.Stop())
}

func TestFFmpegStopKillsHungProcess(t *testing.T) {
	t.Parallel()

	f, _ := newFake(t, "hang")
	require.NoError(t, f.Start())

	start := time.Now()
	require.NoError(t, f.Stop())
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, f.Running())
}

func TestFFmpegStopIdempotent(t *testing.T) {
	t.Parallel()

	f, _ := newFake(t, "echo")
	assert.NoError(t, f.Stop(), "stop before start")

	require.NoError(t, f.Start())
	assert.NoError(t, f.Stop())
	assert.NoError(t, f.Stop())
}

func TestFFmpegStartTwice(t *testing.T) {
	t.Parallel()

	f, _ := newFake(t, "echo")
	require.NoError(t, f.Start())
	assert.ErrorIs(t, f.Start(), ErrAlreadyStarted)
}

func TestFFmpegStartMissingBinary(t *testing.T) {
	t.Parallel()

	cfg := smallConfig()
	cfg.Path = "/nonexistent/livecast-ffmpeg"
	f := NewFFmpeg(cfg, nil)

	require.Error(t, f.Start())
	assert.False(t, f.Running())
}

func TestFFmpegWriteBeforeStart(t *testing.T) {
	t.Parallel()

	f := NewFFmpeg(smallConfig(), nil)
	assert.NotPanics(t, func() { f.WriteFrame(make([]byte, 24)) })
	assert.EqualValues(t, 1, f.Stats().FramesFailed)

	_, ok := f.ReadOutput(10 * time.Millisecond)
	assert.False(t, ok)
}

func TestLogWriterLogsAtDebug(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	info := &logWriter{log: slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelInfo}))}
	n, err := info.Write([]byte("[libx264] frame dropped\n\n"))
	require.NoError(t, err)
	assert.Equal(t, 25, n)
	assert.Empty(t, out.String(), "stderr lines must stay out of the info log")

	debug := &logWriter{log: slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))}
	_, err = debug.Write([]byte("first\nsecond\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out.String(), "level=DEBUG"))
	assert.Contains(t, out.String(), "line=second")
}

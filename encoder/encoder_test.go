package encoder

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func argValue(args []string, flag string) (string, bool) {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1], true
		}
	}
	return "", false
}

func TestArgsFragmentedMP4(t *testing.T) {
	t.Parallel()

	args := DefaultConfig().Args()

	checks := map[string]string{
		"-s":        "1280x720",
		"-r":        "10",
		"-pix_fmt":  "rgb24",
		"-c:v":      "libx264",
		"-preset":   "ultrafast",
		"-tune":     "zerolatency",
		"-b:v":      "1M",
		"-maxrate":  "1M",
		"-g":        "20",
		"-f":        "rawvideo",
		"-movflags": "frag_keyframe+empty_moov+default_base_moof",
	}
	for flag, want := range checks {
		got, ok := argValue(args, flag)
		if assert.True(t, ok, "missing %s", flag) {
			assert.Equal(t, want, got, flag)
		}
	}

	assert.Contains(t, strings.Join(args, " "), "-f mp4")
	assert.Equal(t, "-", args[len(args)-1], "output goes to stdout")
}

func TestArgsWebM(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Container = ContainerWebM
	cfg.Codec = "libvpx"
	joined := strings.Join(cfg.Args(), " ")

	assert.Contains(t, joined, "-f webm")
	assert.NotContains(t, joined, "-movflags")
	assert.NotContains(t, joined, "zerolatency")
	assert.NotContains(t, joined, "-preset")
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "odd width", mutate: func(c *Config) { c.Width = 641 }, wantErr: true},
		{name: "zero height", mutate: func(c *Config) { c.Height = 0 }, wantErr: true},
		{name: "zero fps", mutate: func(c *Config) { c.FPS = 0 }, wantErr: true},
		{name: "webm", mutate: func(c *Config) { c.Container = ContainerWebM }},
		{name: "unknown container", mutate: func(c *Config) { c.Container = "avi" }, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestContainer(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "video/mp4", ContainerMP4.ContentType())
	assert.Equal(t, "video/webm", ContainerWebM.ContentType())
	assert.Equal(t, "mp4", ContainerMP4.Ext())
	assert.Equal(t, "webm", ContainerWebM.Ext())
	assert.Equal(t, 1280*720*3, DefaultConfig().FrameSize())
}

func TestChunkQueueDropsOldest(t *testing.T) {
	t.Parallel()

	q := newChunkQueue(3)
	for i := 0; i < 5; i++ {
		q.push([]byte{byte(i)})
	}

	assert.Equal(t, 3, q.depth())
	assert.EqualValues(t, 2, q.dropped.Load())

	for want := 2; want < 5; want++ {
		b, ok := q.pop(0)
		if assert.True(t, ok) {
			assert.Equal(t, byte(want), b[0])
		}
	}

	_, ok := q.pop(20 * time.Millisecond)
	assert.False(t, ok)
}

func TestChunkQueuePopWaits(t *testing.T) {
	t.Parallel()

	q := newChunkQueue(1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.push([]byte("late"))
	}()

	b, ok := q.pop(2 * time.Second)
	assert.True(t, ok)
	assert.Equal(t, "late", string(b))
}

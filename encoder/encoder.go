// Package encoder turns raw RGB frames into a live fragmented container
// stream. The Encoder interface is the boundary the rest of livecast talks
// to; FFmpeg implements it with a long-lived ffmpeg subprocess.
package encoder

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by encoder implementations.
var (
	ErrNotStarted     = errors.New("encoder: not started")
	ErrAlreadyStarted = errors.New("encoder: already started")
)

// Encoder accepts raw frames and produces encoded output asynchronously.
//
// WriteFrame never fails from the caller's point of view: when the
// underlying encoder dies the frame is discarded and Running turns false.
type Encoder interface {
	Start() error
	WriteFrame(frame []byte)
	// ReadOutput returns the next chunk of encoded output, or false if none
	// arrived within timeout. Chunks returned here never include the header.
	ReadOutput(timeout time.Duration) ([]byte, bool)
	HeaderReady() bool
	Header() []byte
	Running() bool
	Stats() Stats
	Stop() error
}

// Stats counts encoder activity since Start.
type Stats struct {
	FramesIn       int64 `json:"framesIn"`
	FramesFailed   int64 `json:"framesFailed"`
	BytesOut       int64 `json:"bytesOut"`
	ChunksOut      int64 `json:"chunksOut"`
	ChunksDropped  int64 `json:"chunksDropped"`
	HeaderSize     int   `json:"headerSize"`
	HeaderFallback bool  `json:"headerFallback,omitempty"`
}

// Container selects the output container flavor.
type Container string

// Supported containers.
const (
	ContainerMP4  Container = "mp4"
	ContainerWebM Container = "webm"
)

// ContentType returns the MIME type served for the container.
func (c Container) ContentType() string {
	if c == ContainerWebM {
		return "video/webm"
	}
	return "video/mp4"
}

// Ext returns the file extension used in stream URLs.
func (c Container) Ext() string {
	if c == ContainerWebM {
		return "webm"
	}
	return "mp4"
}

// Config describes the encoded output.
type Config struct {
	Width     int
	Height    int
	FPS       int
	Bitrate   string
	Codec     string
	Container Container
	Preset    string
	// Path is the ffmpeg binary; "ffmpeg" resolves through PATH.
	Path string
}

// DefaultConfig returns a 720p, 10 fps, low-latency H.264 configuration.
func DefaultConfig() Config {
	return Config{
		Width:     1280,
		Height:    720,
		FPS:       10,
		Bitrate:   "1M",
		Codec:     "libx264",
		Container: ContainerMP4,
		Preset:    "ultrafast",
		Path:      "ffmpeg",
	}
}

// FrameSize is the byte length of one RGB24 frame.
func (c Config) FrameSize() int {
	return c.Width * c.Height * 3
}

// Validate checks the configuration for values ffmpeg would reject.
func (c Config) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("encoder: invalid size %dx%d", c.Width, c.Height)
	}
	if c.Width%2 != 0 || c.Height%2 != 0 {
		return fmt.Errorf("encoder: size %dx%d must be even", c.Width, c.Height)
	}
	if c.FPS <= 0 {
		return fmt.Errorf("encoder: invalid frame rate %d", c.FPS)
	}
	switch c.Container {
	case ContainerMP4, ContainerWebM:
	default:
		return fmt.Errorf("encoder: unsupported container %q", c.Container)
	}
	return nil
}

// Args builds the ffmpeg argument list: raw RGB24 frames on stdin, the
// encoded live stream on stdout.
func (c Config) Args() []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%dx%d", c.Width, c.Height),
		"-r", fmt.Sprintf("%d", c.FPS),
		"-i", "-",
		"-c:v", c.Codec,
	}

	if c.Preset != "" && c.Container != ContainerWebM {
		args = append(args, "-preset", c.Preset)
	}
	if c.Codec == "libx264" {
		args = append(args, "-tune", "zerolatency")
	}
	if c.Bitrate != "" {
		args = append(args,
			"-b:v", c.Bitrate,
			"-maxrate", c.Bitrate,
			"-bufsize", "500k",
		)
	}

	args = append(args,
		"-pix_fmt", "yuv420p",
		// Keyframe every two seconds so late joiners resync quickly.
		"-g", fmt.Sprintf("%d", c.FPS*2),
		"-keyint_min", fmt.Sprintf("%d", c.FPS),
	)

	switch c.Container {
	case ContainerWebM:
		args = append(args,
			"-deadline", "realtime",
			"-cluster_time_limit", "1000",
			"-f", "webm",
		)
	default:
		args = append(args,
			"-f", "mp4",
			"-movflags", "frag_keyframe+empty_moov+default_base_moof",
			"-frag_duration", "1000000",
			"-frag_size", "100000",
		)
	}

	return append(args, "-")
}

package streamer

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/zsiec/livecast/encoder"
	"github.com/zsiec/livecast/internal/buffer"
	"github.com/zsiec/livecast/internal/distribution"
)

// Config configures a Streamer.
type Config struct {
	Encoder encoder.Config

	// Host is the HTTP bind address; empty binds all interfaces.
	Host string
	// Port is the HTTP port; 0 picks a free one.
	Port int

	BufferSize    int
	ChunkSize     int
	WriteDelay    time.Duration
	HeaderTimeout time.Duration
	WriteTimeout  time.Duration

	// H3Addr enables an HTTP/3 listener on this UDP address.
	H3Addr string
	// SRTAddr enables an SRT listener on this address.
	SRTAddr string

	Log *slog.Logger
}

// DefaultConfig returns the default encoder settings served on an ephemeral
// port on all interfaces.
func DefaultConfig() Config {
	return Config{
		Encoder:       encoder.DefaultConfig(),
		Host:          "0.0.0.0",
		BufferSize:    buffer.DefaultMaxSize,
		ChunkSize:     distribution.DefaultChunkSize,
		WriteDelay:    distribution.DefaultWriteDelay,
		HeaderTimeout: distribution.DefaultHeaderTimeout,
		WriteTimeout:  30 * time.Second,
	}
}

// FrameSize is the byte length WriteFrame expects.
func (c Config) FrameSize() int {
	return c.Encoder.FrameSize()
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if err := c.Encoder.Validate(); err != nil {
		return err
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("streamer: invalid port %d", c.Port)
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("streamer: invalid buffer size %d", c.BufferSize)
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("streamer: invalid chunk size %d", c.ChunkSize)
	}
	return nil
}

func (c Config) listenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) streamPath() string {
	return "/stream." + c.Encoder.Container.Ext()
}

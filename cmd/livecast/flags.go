package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

var (
	flagWidth      int
	flagHeight     int
	flagFPS        int
	flagBitrate    string
	flagCodec      string
	flagContainer  string
	flagPreset     string
	flagHost       string
	flagPort       int
	flagBufferSize int
	flagChunkSize  int
	flagH3Addr     string
	flagSRTAddr    string
	flagFFmpeg     string
	flagSource     string
	flagDebug      bool
	flagHelp       bool
	flagVersion    bool
)

func init() {
	flag.IntVarP(&flagWidth, "width", "x", envInt("LIVECAST_WIDTH", 1280), "Frame width")
	flag.IntVarP(&flagHeight, "height", "y", envInt("LIVECAST_HEIGHT", 720), "Frame height")
	flag.IntVarP(&flagFPS, "fps", "r", envInt("LIVECAST_FPS", 10), "Frame rate")
	flag.StringVarP(&flagBitrate, "bitrate", "b", envOr("LIVECAST_BITRATE", "1M"), "Video bitrate")
	flag.StringVarP(&flagCodec, "codec", "c", envOr("LIVECAST_CODEC", "libx264"), "ffmpeg video codec")
	flag.StringVar(&flagContainer, "container", envOr("LIVECAST_CONTAINER", "mp4"), "Output container (mp4 or webm)")
	flag.StringVar(&flagPreset, "preset", envOr("LIVECAST_PRESET", "ultrafast"), "Encoder preset")
	flag.StringVarP(&flagHost, "host", "H", envOr("LIVECAST_HOST", "0.0.0.0"), "HTTP bind host")
	flag.IntVarP(&flagPort, "port", "p", envInt("LIVECAST_PORT", 0), "HTTP port (0 picks a free port)")
	flag.IntVar(&flagBufferSize, "buffer-size", envInt("LIVECAST_BUFFER_SIZE", 20*1024*1024), "Live buffer size in bytes")
	flag.IntVar(&flagChunkSize, "chunk-size", envInt("LIVECAST_CHUNK_SIZE", 64*1024), "Per-write chunk size in bytes")
	flag.StringVar(&flagH3Addr, "h3-addr", envOr("H3_ADDR", ""), "Serve the stream over HTTP/3 on this UDP address")
	flag.StringVar(&flagSRTAddr, "srt-addr", envOr("SRT_ADDR", ""), "Serve the stream to SRT callers on this address")
	flag.StringVar(&flagFFmpeg, "ffmpeg", envOr("FFMPEG", "ffmpeg"), "ffmpeg binary")
	flag.StringVarP(&flagSource, "source", "i", envOr("LIVECAST_SOURCE", "testsrc"), "Raw RGB24 frames: - for stdin, a file path, or testsrc")
	flag.BoolVarP(&flagDebug, "debug", "d", os.Getenv("DEBUG") != "", "Debug logging")

	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
	flag.BoolVarP(&flagVersion, "version", "v", false, "Print version information and exit")
}

const helpString = `Serve raw video frames as a live fragmented MP4 stream

Usage: livecast [OPTION]...

Video:
  -x, --width=NUM        Frame width (default: 1280)
  -y, --height=NUM       Frame height (default: 720)
  -r, --fps=NUM          Frame rate (default: 10)
  -b, --bitrate=RATE     Video bitrate (default: 1M)
  -c, --codec=NAME       ffmpeg video codec (default: libx264)
      --container=NAME   mp4 or webm (default: mp4)
      --preset=NAME      Encoder preset (default: ultrafast)
      --ffmpeg=FILE      ffmpeg binary (default: ffmpeg)
  -i, --source=SRC       - for raw frames on stdin, a file of raw frames,
                         or testsrc for a generated pattern (default: testsrc)

Network:
  -H, --host=ADDR        HTTP bind host (default: 0.0.0.0)
  -p, --port=NUM         HTTP port, 0 picks a free port (default: 0)
      --h3-addr=ADDR     Also serve over HTTP/3 on this UDP address
      --srt-addr=ADDR    Also serve SRT callers on this address
      --buffer-size=NUM  Live buffer size in bytes (default: 20971520)
      --chunk-size=NUM   Per-write chunk size in bytes (default: 65536)

Miscellaneous:
  -d, --debug            Debug logging
  -h, --help             Prints this help message and exits
  -v, --version          Prints version information and exits`

func help() {
	banner()
	fmt.Println(helpString)
}

func banner() {
	c := color.New(color.FgCyan, color.Bold)
	y := color.New(color.FgYellow)
	c.Print("livecast")
	y.Printf(" %s\n", version)
}

// announce prints the stream URL where a human will see it.
func announce(url string) {
	g := color.New(color.FgGreen, color.Bold)
	banner()
	fmt.Fprint(color.Output, "  streaming at ")
	g.Fprintln(color.Output, url)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ignoring %s=%q: %v\n", key, v, err)
		return fallback
	}
	return n
}

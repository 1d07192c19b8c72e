package fmp4

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	mcfmp4 "github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
)

// ErrEmptyHeader is returned by Describe for a zero-length header.
var ErrEmptyHeader = errors.New("fmp4: empty header")

// TrackInfo summarizes one track declared in the header.
type TrackInfo struct {
	ID        int    `json:"id"`
	TimeScale uint32 `json:"timeScale"`
	Codec     string `json:"codec"`
}

// Info summarizes a parsed header.
type Info struct {
	Tracks []TrackInfo `json:"tracks"`
}

// Describe parses an ftyp+moov header and lists its tracks.
func Describe(header []byte) (Info, error) {
	if len(header) == 0 {
		return Info{}, ErrEmptyHeader
	}

	var init mcfmp4.Init
	if err := init.Unmarshal(bytes.NewReader(header)); err != nil {
		return Info{}, fmt.Errorf("fmp4: parse header: %w", err)
	}

	info := Info{Tracks: make([]TrackInfo, 0, len(init.Tracks))}
	for _, tr := range init.Tracks {
		info.Tracks = append(info.Tracks, TrackInfo{
			ID:        tr.ID,
			TimeScale: tr.TimeScale,
			Codec:     codecName(tr.Codec),
		})
	}
	return info, nil
}

// codecName turns a codec value such as *mp4.CodecH264 into "H264".
func codecName(codec any) string {
	if codec == nil {
		return ""
	}
	name := fmt.Sprintf("%T", codec)
	if i := strings.LastIndex(name, "Codec"); i >= 0 {
		return name[i+len("Codec"):]
	}
	return name
}

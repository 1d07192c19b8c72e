package streamer

import (
	"time"

	"github.com/zsiec/livecast/encoder"
	"github.com/zsiec/livecast/internal/buffer"
	"github.com/zsiec/livecast/internal/distribution"
	"github.com/zsiec/livecast/internal/fmp4"
	"github.com/zsiec/livecast/internal/pump"
)

// Status is a point-in-time snapshot of the stream, served at /api/status.
type Status struct {
	Running           bool   `json:"running"`
	URL               string `json:"url"`
	FramesWritten     int64  `json:"framesWritten"`
	FramesRejected    int64  `json:"framesRejected"`
	ActiveConnections int    `json:"activeConnections"`
	TotalConnections  int64  `json:"totalConnections"`
	// Streaming is true once frames are flowing to at least one viewer.
	Streaming bool  `json:"streaming"`
	UptimeMs  int64 `json:"uptimeMs"`

	EncoderRunning bool          `json:"encoderRunning"`
	Encoder        encoder.Stats `json:"encoder"`
	Pump           pump.Stats    `json:"pump"`
	Buffer         buffer.Stats  `json:"buffer"`
	HeaderReady    bool          `json:"headerReady"`
	Header         *fmp4.Info    `json:"header,omitempty"`
	HeaderError    string        `json:"headerError,omitempty"`

	Viewers []distribution.ViewerStats `json:"viewers"`
}

// Status returns a snapshot of the stream.
func (s *Streamer) Status() Status {
	s.mu.Lock()
	buf, srv, p, url, startedAt := s.buf, s.srv, s.pump, s.url, s.startedAt
	s.mu.Unlock()

	st := Status{
		Running:        s.running.Load(),
		URL:            url,
		FramesWritten:  s.frames.Load(),
		FramesRejected: s.rejected.Load(),
		EncoderRunning: s.enc.Running(),
		Encoder:        s.enc.Stats(),
		Viewers:        []distribution.ViewerStats{},
	}
	if !startedAt.IsZero() {
		st.UptimeMs = time.Since(startedAt).Milliseconds()
	}
	if srv != nil {
		st.ActiveConnections = srv.Viewers().Count()
		st.TotalConnections = srv.Viewers().Total()
		st.Viewers = srv.Viewers().List()
	}
	if p != nil {
		st.Pump = p.Stats()
	}
	if buf != nil {
		st.Buffer = buf.Stats()
		st.HeaderReady = buf.HeaderReady()
		if st.HeaderReady {
			st.Header, st.HeaderError = s.describeHeader(buf.Header())
		}
	}
	st.Streaming = st.Running && st.ActiveConnections > 0 && st.FramesWritten > 0
	return st
}

// describeHeader parses the stream header once and caches the result.
func (s *Streamer) describeHeader(header []byte) (*fmp4.Info, string) {
	s.describeOnce.Do(func() {
		info, err := fmp4.Describe(header)
		if err != nil {
			s.headerErr = err
			s.log.Debug("stream header not parseable", "error", err)
			return
		}
		s.headerInfo = &info
		s.log.Info("stream header parsed", "tracks", len(info.Tracks))
	})
	if s.headerErr != nil {
		return nil, s.headerErr.Error()
	}
	return s.headerInfo, ""
}

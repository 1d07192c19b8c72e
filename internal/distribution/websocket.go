package distribution

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// wsControlTimeout bounds ping and close control frames.
const wsControlTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: DefaultChunkSize,
	// SECURITY: CheckOrigin accepts all origins, matching the stream's
	// Access-Control-Allow-Origin: *.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebSocket streams the same bytes as the HTTP route, one binary
// message per chunk.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Control frames are only processed while reading; the first read error
	// means the client left.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	buf := s.config.Buffer
	waitCtx, waitCancel := context.WithTimeout(ctx, s.config.HeaderTimeout)
	ready := buf.WaitHeader(waitCtx)
	waitCancel()
	if !ready {
		if ctx.Err() == nil {
			s.log.Warn("stream header not ready", "remote", r.RemoteAddr, "transport", TransportWebSocket)
			closeWS(conn, websocket.CloseTryAgainLater, "stream not ready")
		}
		return
	}

	v := s.viewers.Add(TransportWebSocket, r.RemoteAddr)
	defer s.viewers.Remove(v.ID)

	err = Deliver(ctx, buf, &wsSink{conn: conn, timeout: s.config.WriteTimeout}, v, s.deliverOptions())
	s.logEnd(v, err)
	if err == nil {
		closeWS(conn, websocket.CloseNormalClosure, "")
	}
}

func closeWS(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsControlTimeout))
}

// wsSink sends each chunk as one binary message.
type wsSink struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func (s *wsSink) Write(p []byte) (int, error) {
	if s.timeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
			return 0, err
		}
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Flush is a no-op; every message is written through.
func (s *wsSink) Flush() error { return nil }

func (s *wsSink) Ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsControlTimeout))
}

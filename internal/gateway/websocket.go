package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 30 * time.Second
	wsIdleTimeout  = 120 * time.Second
)

type wsFrame struct {
	messageType int
	data        []byte
}

// handleWebSocket serves one request per text frame, in order. Replies are a
// binary WAVE frame or a JSON error text frame. A request in flight is
// cancelled as soon as the connection drops.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed: %v", err)

		return
	}

	defer func() {
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxRequestBytes)

	s.log.Info("WebSocket connection from %s", conn.RemoteAddr())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	frames := make(chan wsFrame)

	go s.readFrames(ctx, cancel, conn, frames)

	for {
		var (
			frame wsFrame
			ok    bool
		)

		select {
		case frame, ok = <-frames:
			if !ok {
				return
			}
		case <-time.After(wsIdleTimeout):
			s.log.Info("WebSocket connection from %s idle, closing", conn.RemoteAddr())

			return
		}

		if frame.messageType != websocket.TextMessage {
			err = s.writeFrameError(conn, "expected a JSON text frame")
			if err != nil {
				return
			}

			continue
		}

		result, err := s.synthesize(ctx, frame.data)
		if err != nil {
			if ctx.Err() != nil {
				s.log.Warn("WebSocket client left during request: %v", err)

				return
			}

			s.log.Warn("WebSocket request failed: %v", err)

			err = s.writeFrameError(conn, err.Error())
			if err != nil {
				return
			}

			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))

		err = conn.WriteMessage(websocket.BinaryMessage, result.Audio)
		if err != nil {
			s.log.Warn("WebSocket write failed: %v", err)

			return
		}
	}
}

// readFrames is the connection's only reader. It cancels the request
// context once the connection fails or closes.
func (s *Server) readFrames(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, frames chan<- wsFrame) {
	defer close(frames)
	defer cancel()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("WebSocket read failed: %v", err)
			}

			return
		}

		select {
		case frames <- wsFrame{messageType: messageType, data: data}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) writeFrameError(conn *websocket.Conn, message string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))

	err := conn.WriteJSON(ErrorResponse{Error: message})
	if err != nil {
		s.log.Warn("WebSocket write failed: %v", err)
	}

	return err
}

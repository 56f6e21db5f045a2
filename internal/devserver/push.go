package devserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	svcerrors "github.com/Watchdog088/Test-apps-sub002/internal/errors"
	"github.com/Watchdog088/Test-apps-sub002/internal/httputil"
	"github.com/Watchdog088/Test-apps-sub002/internal/logging"
	"github.com/Watchdog088/Test-apps-sub002/internal/realtime"
)

// clientConn is one accepted websocket. Writes are serialized per socket.
type clientConn struct {
	userID  string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *clientConn) write(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.handshakes++
	reject := s.rejectNext > 0
	if reject {
		s.rejectNext--
	}
	s.mu.Unlock()

	if reject {
		httputil.WriteError(w, svcerrors.Network(nil).WithDetails("reason", "handshake rejected"))
		return
	}

	claims, err := s.auth.ValidateToken(r.URL.Query().Get("token"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithContext(r.Context()).WithError(err).Warn("websocket upgrade failed")
		return
	}

	cc := &clientConn{userID: claims.UserID, conn: conn}
	s.mu.Lock()
	s.conns[cc] = struct{}{}
	s.mu.Unlock()

	s.log.WithContext(logging.WithUserID(r.Context(), cc.userID)).Info("realtime client connected")

	go s.readLoop(cc)
}

func (s *Server) readLoop(cc *clientConn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, cc)
		s.mu.Unlock()
		_ = cc.conn.Close()
		s.log.WithFields(map[string]interface{}{"user_id": cc.userID}).Info("realtime client disconnected")
	}()

	for {
		_, raw, err := cc.conn.ReadMessage()
		if err != nil {
			return
		}

		frame, err := realtime.DecodeFrame(raw)
		if err != nil {
			s.log.WithError(err).Warn("discarding malformed client frame")
			continue
		}

		switch frame.Type {
		case realtime.TypePing:
			pong, _ := realtime.NewFrame(realtime.TypePong, nil)
			data, _ := pong.Encode()
			if err := cc.write(data, s.cfg.WriteTimeout); err != nil {
				return
			}
		case realtime.TypePong:
		default:
			s.mu.Lock()
			s.received[cc.userID] = append(s.received[cc.userID], frame)
			s.mu.Unlock()
			s.log.WithFields(map[string]interface{}{
				"user_id": cc.userID,
				"type":    frame.Type,
			}).Debug("frame received")
		}
	}
}

// =============================================================================
// Control surface
// =============================================================================

// Push sends a frame to every socket of userID and returns how many got it.
func (s *Server) Push(userID, frameType string, data interface{}) (int, error) {
	frame, err := realtime.NewFrame(frameType, data)
	if err != nil {
		return 0, err
	}
	raw, err := frame.Encode()
	if err != nil {
		return 0, svcerrors.Protocol("encode frame", err)
	}
	return s.PushRaw(userID, raw), nil
}

// PushRaw writes raw bytes unmodified to every socket of userID.
func (s *Server) PushRaw(userID string, raw []byte) int {
	delivered := 0
	for _, cc := range s.connsFor(userID) {
		if err := cc.write(raw, s.cfg.WriteTimeout); err != nil {
			s.log.WithError(err).WithField("user_id", userID).Warn("push failed")
			continue
		}
		delivered++
	}
	return delivered
}

// DropConnections closes every socket abruptly, without a close frame.
func (s *Server) DropConnections() {
	for _, cc := range s.connsFor("") {
		_ = cc.conn.Close()
	}
}

// RejectHandshakes makes the next n websocket handshakes fail with 503.
func (s *Server) RejectHandshakes(n int) {
	s.mu.Lock()
	s.rejectNext = n
	s.mu.Unlock()
}

// Received returns the application frames received from userID, in order.
func (s *Server) Received(userID string) []realtime.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]realtime.Frame, len(s.received[userID]))
	copy(out, s.received[userID])
	return out
}

// Connections returns the number of open sockets for userID.
func (s *Server) Connections(userID string) int {
	return len(s.connsFor(userID))
}

// Handshakes returns the number of websocket handshakes attempted.
func (s *Server) Handshakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

// Close drops every socket.
func (s *Server) Close() {
	s.DropConnections()
}

// connsFor returns the sockets of userID, or all sockets when userID is empty.
func (s *Server) connsFor(userID string) []*clientConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*clientConn, 0, len(s.conns))
	for cc := range s.conns {
		if userID == "" || cc.userID == userID {
			out = append(out, cc)
		}
	}
	return out
}

package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeTimeout bounds a single socket write.
const writeTimeout = 10 * time.Second

// wsSocket wraps one websocket connection behind a write mutex. The owning
// session closes it; the registry holds it only as a send target.
type wsSocket struct {
	conn   *websocket.Conn
	id     string
	mu     sync.Mutex
	closed bool
}

func newSocket(conn *websocket.Conn, id string) *wsSocket {
	return &wsSocket{conn: conn, id: id}
}

// Send writes one serialized envelope.
func (s *wsSocket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("socket is closed")
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// ID returns the socket identifier for logging.
func (s *wsSocket) ID() string {
	return s.id
}

// close sends a close frame with the given status code and tears the
// connection down. Safe to call more than once.
func (s *wsSocket) close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	deadline := time.Now().Add(writeTimeout)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = s.conn.Close()
}

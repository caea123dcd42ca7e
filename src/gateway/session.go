package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Session is what survives a socket replacement across a resume.
type Session struct {
	rwlock sync.RWMutex

	sessionID        string
	resumeGatewayURL string
	userID           string
}

func (s *Session) set(sessionID, resumeGatewayURL, userID string) {
	s.rwlock.Lock()
	defer s.rwlock.Unlock()
	s.sessionID = sessionID
	s.resumeGatewayURL = resumeGatewayURL
	s.userID = userID
}

// resumable returns the cached session and the url to resume it on.
func (s *Session) resumable() (sessionID string, resumeURL string, ok bool) {
	s.rwlock.RLock()
	defer s.rwlock.RUnlock()
	return s.sessionID, s.resumeGatewayURL, s.sessionID != ""
}

// discard forgets the session so the next handshake is a fresh IDENTIFY.
func (s *Session) discard() {
	s.rwlock.Lock()
	defer s.rwlock.Unlock()
	s.sessionID = ""
	s.resumeGatewayURL = ""
}

func (s *Session) ID() string {
	s.rwlock.RLock()
	defer s.rwlock.RUnlock()
	return s.sessionID
}

func (s *Session) UserID() string {
	s.rwlock.RLock()
	defer s.rwlock.RUnlock()
	return s.userID
}

// socket is one websocket connection. It is never reused after close.
type socket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
	closeCode atomic.Int64
	done      chan struct{}
}

func newSocket(conn *websocket.Conn) *socket {
	return &socket{
		conn: conn,
		done: make(chan struct{}),
	}
}

func (s *socket) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// close sends a close frame with code and tears the connection down. Only the
// first call has any effect; its code is what the close handler sees.
func (s *socket) close(code int, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		s.closeCode.Store(int64(code))
		msg := websocket.FormatCloseMessage(code, reason)
		err = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

// code resolves the close code for a read error. A close we started wins over
// whatever the read loop observed.
func (s *socket) code(err error) int {
	if c := s.closeCode.Load(); c != 0 {
		return int(c)
	}
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

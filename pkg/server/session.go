package server

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/aeolun/relay/pkg/protocol"
)

// SessionState is where a connection is in its lifecycle
type SessionState int32

const (
	StateUnregistered SessionState = iota
	StateRegistered
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// sendQueueSize bounds the units waiting for one session's writer. A client
// that falls this far behind is disconnected.
const sendQueueSize = 256

var (
	ErrSendQueueFull = errors.New("send queue full")
	ErrSessionClosed = errors.New("session closed")
)

// Session represents an active client connection
type Session struct {
	ID          uint64
	Transport   string    // "tcp", "ssh" or "websocket"
	Conn        *SafeConn // Connection with automatic write synchronization
	ConnectedAt time.Time

	// Owned by the connection goroutine
	assembler *protocol.Assembler

	mu       sync.RWMutex // Protects nickname and state
	nickname string
	state    SessionState

	// Called from the writer goroutine when a queued write fails.
	// Must be set before the first Send and must not call Send.
	onWriteError func(error)

	outMu      sync.Mutex // Protects the outbound queue below
	outCond    *sync.Cond
	outQueue   [][]byte
	outPending int // queued plus in flight
	outErr     error
	closing    bool
	writing    bool
	writerDone chan struct{}
}

func newSession(id uint64, transport string, conn *SafeConn, limits protocol.Limits) *Session {
	sess := &Session{
		ID:          id,
		Transport:   transport,
		Conn:        conn,
		ConnectedAt: time.Now(),
		assembler:   protocol.NewAssembler(limits),
		writerDone:  make(chan struct{}),
	}
	sess.outCond = sync.NewCond(&sess.outMu)
	return sess
}

// Nickname returns the registered nickname, or "" before registration
func (s *Session) Nickname() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nickname
}

// State returns the current lifecycle state
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// markRegistered moves an unregistered session to registered.
// Returns false if the session is not unregistered.
func (s *Session) markRegistered(nickname string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUnregistered {
		return false
	}
	s.nickname = nickname
	s.state = StateRegistered
	return true
}

// markDisconnected moves the session to its terminal state and returns the
// state it was in
func (s *Session) markDisconnected() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state = StateDisconnected
	return prev
}

// Send queues one complete wire unit for the client and returns without
// waiting for the write. Units reach the wire in the order they were queued.
// It fails once the session is closing, a previous write failed, or the
// queue is full.
func (s *Session) Send(unit []byte) error {
	s.outMu.Lock()
	defer s.outMu.Unlock()

	switch {
	case s.outErr != nil:
		return s.outErr
	case s.closing:
		return ErrSessionClosed
	case len(s.outQueue) >= sendQueueSize:
		s.outErr = ErrSendQueueFull
		s.outCond.Broadcast()
		return ErrSendQueueFull
	}

	s.outQueue = append(s.outQueue, unit)
	s.outPending++
	if !s.writing {
		s.writing = true
		go s.writeLoop()
	}
	s.outCond.Broadcast()
	return nil
}

// writeLoop drains the outbound queue until the session closes or a write
// fails. Only this goroutine writes queued units to Conn.
func (s *Session) writeLoop() {
	defer close(s.writerDone)

	for {
		s.outMu.Lock()
		for len(s.outQueue) == 0 && !s.closing && s.outErr == nil {
			s.outCond.Wait()
		}
		if s.outErr != nil || len(s.outQueue) == 0 {
			s.outMu.Unlock()
			return
		}
		unit := s.outQueue[0]
		s.outQueue[0] = nil
		s.outQueue = s.outQueue[1:]
		s.outMu.Unlock()

		err := s.Conn.Write(unit)

		s.outMu.Lock()
		s.outPending--
		if err != nil && s.outErr == nil {
			// First failure; a refused Send has already been reported
			s.outErr = err
			if s.onWriteError != nil {
				s.onWriteError(err)
			} else {
				s.Conn.Close()
			}
		}
		failed := s.outErr != nil
		if failed {
			s.outQueue = nil
			s.outPending = 0
		}
		s.outCond.Broadcast()
		s.outMu.Unlock()

		if failed {
			return
		}
	}
}

// flush blocks until every unit queued so far has been written, or the
// queue has failed
func (s *Session) flush() {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	for s.outPending > 0 && s.outErr == nil {
		s.outCond.Wait()
	}
}

// Close stops accepting units, lets the writer finish what is queued and
// closes the connection. Each queued write is bounded by the write timeout.
func (s *Session) Close() error {
	s.outMu.Lock()
	s.closing = true
	writing := s.writing
	s.outCond.Broadcast()
	s.outMu.Unlock()

	if writing {
		<-s.writerDone
	}
	return s.Conn.Close()
}

// label identifies the session in logs
func (s *Session) label() string {
	if nick := s.Nickname(); nick != "" {
		return nick
	}
	return "-"
}

// SafeConn serializes writes so units from different goroutines are never
// interleaved on the wire
type SafeConn struct {
	conn         net.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
	closeOnce    sync.Once
}

// NewSafeConn wraps conn. A positive writeTimeout bounds every write.
func NewSafeConn(conn net.Conn, writeTimeout time.Duration) *SafeConn {
	return &SafeConn{conn: conn, writeTimeout: writeTimeout}
}

// Write sends p in full or returns an error
func (c *SafeConn) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	for len(p) > 0 {
		n, err := c.conn.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// Close closes the underlying connection once
func (c *SafeConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// RemoteAddr returns the peer address
func (c *SafeConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

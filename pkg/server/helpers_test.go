package server

import (
	"bytes"
	"errors"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/relay/pkg/database"
	"github.com/aeolun/relay/pkg/protocol"
)

func initTestLoggers(t *testing.T) {
	// Discard logs during tests to keep output clean
	errorLog = log.New(io.Discard, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
}

// mockConn records everything written to it. When sess is set, the
// inspection helpers first wait for that session's queued units.
type mockConn struct {
	mu         sync.Mutex
	readBuf    *bytes.Buffer
	writeBuf   *bytes.Buffer
	failWrites bool
	closed     bool

	sess *Session
}

func newMockConn() *mockConn {
	return &mockConn{
		readBuf:  &bytes.Buffer{},
		writeBuf: &bytes.Buffer{},
	}
}

func (m *mockConn) Read(b []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readBuf.Read(b)
}

func (m *mockConn) Write(b []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites || m.closed {
		return 0, errors.New("broken pipe")
	}
	return m.writeBuf.Write(b)
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *mockConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (m *mockConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (m *mockConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

func (m *mockConn) settle() {
	if m.sess != nil {
		m.sess.flush()
	}
}

func (m *mockConn) isClosed() bool {
	m.settle()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) setFailWrites(fail bool) {
	m.mu.Lock()
	m.failWrites = fail
	m.mu.Unlock()
}

// raw returns a copy of everything written so far
func (m *mockConn) raw() []byte {
	m.settle()
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.writeBuf.Bytes()...)
}

func (m *mockConn) reset() {
	m.settle()
	m.mu.Lock()
	m.writeBuf.Reset()
	m.mu.Unlock()
}

// units decodes everything written so far
func (m *mockConn) units(t *testing.T) []protocol.Unit {
	t.Helper()
	r := protocol.NewReader(bytes.NewReader(m.raw()))
	var units []protocol.Unit
	for {
		unit, err := r.Next()
		if err == io.EOF {
			return units
		}
		if err != nil {
			t.Fatalf("failed to decode server output: %v", err)
		}
		units = append(units, unit)
	}
}

// lines returns the text units written so far
func (m *mockConn) lines(t *testing.T) []string {
	t.Helper()
	var lines []string
	for _, unit := range m.units(t) {
		if unit.Kind == protocol.UnitLine {
			lines = append(lines, unit.Text)
		}
	}
	return lines
}

func (m *mockConn) lastLine(t *testing.T) string {
	t.Helper()
	lines := m.lines(t)
	if len(lines) == 0 {
		t.Fatal("nothing written to connection")
	}
	return lines[len(lines)-1]
}

func (m *mockConn) countPrefix(t *testing.T, prefix string) int {
	t.Helper()
	n := 0
	for _, line := range m.lines(t) {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

// testStore returns a write buffer over an in-memory Badger store
func testStore(t *testing.T) *database.WriteBuffer {
	t.Helper()
	backend, err := database.OpenBadger("")
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	return database.NewWriteBuffer(backend, 2*time.Millisecond)
}

func testConfig() ServerConfig {
	cfg := DefaultConfig()
	cfg.TCPPort = -1
	cfg.SSHPort = -1
	cfg.HTTPPort = -1
	return cfg
}

// testServer creates a server that is not listening, for driving handleUnit directly
func testServer(t *testing.T, store HistoryStore) *Server {
	t.Helper()
	initTestLoggers(t)
	srv := NewServerWithStore(store, testConfig())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

// testSession creates a session on a mock connection
func testSession(srv *Server) (*Session, *mockConn) {
	conn := newMockConn()
	sess := srv.newSession(NewSafeConn(conn, 0), "tcp")
	conn.sess = sess
	return sess, conn
}

// waitUntil polls cond until it holds or a second has passed
func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// stalledConn is a client that never reads: writes block until the
// connection is closed, and write deadlines are ignored
type stalledConn struct {
	*mockConn
	blocked   chan struct{} // closed once a write is stuck
	blockOnce sync.Once
	release   chan struct{}
	closeOnce sync.Once
}

func newStalledConn() *stalledConn {
	return &stalledConn{
		mockConn: newMockConn(),
		blocked:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (c *stalledConn) Write(b []byte) (int, error) {
	c.blockOnce.Do(func() { close(c.blocked) })
	<-c.release
	return 0, net.ErrClosed
}

func (c *stalledConn) Close() error {
	c.closeOnce.Do(func() { close(c.release) })
	return c.mockConn.Close()
}

func (c *stalledConn) waitBlocked(t *testing.T) {
	t.Helper()
	select {
	case <-c.blocked:
	case <-time.After(time.Second):
		t.Fatal("no write reached the stalled connection")
	}
}

func line(text string) protocol.Unit {
	return protocol.Unit{Kind: protocol.UnitLine, Text: text}
}

func fileUnit(target, filename string, data []byte) protocol.Unit {
	return protocol.Unit{Kind: protocol.UnitFile, Target: target, Filename: filename, Data: data}
}

// registered creates a session and registers nickname on it
func registered(t *testing.T, srv *Server, nickname string) (*Session, *mockConn) {
	t.Helper()
	sess, conn := testSession(srv)
	if !srv.handleUnit(sess, line(nickname)) {
		t.Fatalf("registration of %q asked for disconnect: %q", nickname, conn.lines(t))
	}
	if sess.State() != StateRegistered {
		t.Fatalf("%q not registered: %q", nickname, conn.lines(t))
	}
	return sess, conn
}

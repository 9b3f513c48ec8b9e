package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aeolun/relay/pkg/database"
	"github.com/aeolun/relay/pkg/protocol"
)

const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"

	MinReplayLimit = 50
	MaxReplayLimit = 100

	readBufferSize = 32 * 1024
)

// Server represents the relay server
type Server struct {
	store    HistoryStore
	registry *Registry
	metrics  *Metrics
	promReg  *prometheus.Registry

	config     ServerConfig
	configPath string

	listener     net.Listener
	sshListener  net.Listener
	httpListener net.Listener
	httpServer   *http.Server

	startTime     time.Time
	nextSessionID atomic.Uint64

	connsMu sync.Mutex
	conns   map[*Session]struct{}

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// ServerConfig holds server configuration.
// A negative port disables that listener; zero picks a free port.
type ServerConfig struct {
	TCPPort        int
	SSHPort        int
	HTTPPort       int
	SSHHostKeyPath string

	Backend       string
	DatabasePath  string
	BadgerPath    string
	ReplayLimit   int
	FlushInterval time.Duration

	MaxLineLength   int
	MaxFileSize     int64
	TransferTimeout time.Duration
	ChunkWait       time.Duration
	WriteTimeout    time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:         5555,
		SSHPort:         5556,
		HTTPPort:        5580,
		SSHHostKeyPath:  "~/.relay/ssh_host_key",
		Backend:         BackendSQLite,
		DatabasePath:    "~/.relay/relay.db",
		BadgerPath:      "~/.relay/history.badger",
		ReplayLimit:     MaxReplayLimit,
		FlushInterval:   20 * time.Millisecond,
		MaxLineLength:   protocol.DefaultMaxLineLength,
		MaxFileSize:     protocol.DefaultMaxFileSize,
		TransferTimeout: protocol.DefaultTransferTimeout,
		ChunkWait:       protocol.DefaultChunkWait,
		WriteTimeout:    5 * time.Second,
	}
}

// NewServer opens the configured history backend and creates a server
func NewServer(config ServerConfig, configPath string) (*Server, error) {
	backend, err := openBackend(config)
	if err != nil {
		return nil, err
	}

	store := database.NewWriteBuffer(backend, config.FlushInterval)
	srv := NewServerWithStore(store, config)
	srv.configPath = configPath
	return srv, nil
}

// NewServerWithStore creates a server on top of an already open history store
func NewServerWithStore(store HistoryStore, config ServerConfig) *Server {
	if config.ReplayLimit == 0 {
		config.ReplayLimit = MaxReplayLimit
	}
	config.ReplayLimit = clampReplayLimit(config.ReplayLimit)
	if config.MaxLineLength <= 0 {
		config.MaxLineLength = protocol.DefaultMaxLineLength
	}

	promReg := prometheus.NewRegistry()
	metrics := NewMetrics(promReg)

	registry := NewRegistry()
	registry.SetMetrics(metrics)

	return &Server{
		store:     store,
		registry:  registry,
		metrics:   metrics,
		promReg:   promReg,
		config:    config,
		startTime: time.Now(),
		conns:     make(map[*Session]struct{}),
		shutdown:  make(chan struct{}),
	}
}

func openBackend(config ServerConfig) (database.Backend, error) {
	switch config.Backend {
	case BackendSQLite, "":
		path, err := ExpandPath(config.DatabasePath)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		db, err := database.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		log.Printf("History store: sqlite at %s", path)
		return db, nil

	case BackendBadger:
		path, err := ExpandPath(config.BadgerPath)
		if err != nil {
			return nil, err
		}
		store, err := database.OpenBadger(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		log.Printf("History store: badger at %s", path)
		return store, nil

	default:
		return nil, fmt.Errorf("unknown history backend %q (want %q or %q)", config.Backend, BackendSQLite, BackendBadger)
	}
}

// PrometheusRegistry returns the registry the server's metrics live on
func (s *Server) PrometheusRegistry() *prometheus.Registry {
	return s.promReg
}

// Registry returns the nickname registry
func (s *Server) Registry() *Registry {
	return s.registry
}

// Start starts the TCP, SSH and HTTP listeners
func (s *Server) Start() error {
	s.startTime = time.Now()

	if s.config.TCPPort >= 0 {
		addr := fmt.Sprintf(":%d", s.config.TCPPort)
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		s.listener = listener
		logListenBacklog(listener.Addr().String())

		s.wg.Add(1)
		go s.acceptLoop()
	} else {
		log.Printf("TCP server disabled (tcp_port=%d)", s.config.TCPPort)
	}

	if err := s.startSSHServer(); err != nil {
		s.Stop()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	if err := s.startHTTPServer(); err != nil {
		s.Stop()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorListenOverflows()
	}()

	return nil
}

// Addr returns the TCP listener address, or nil when TCP is disabled
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SSHAddr returns the SSH listener address, or nil when SSH is disabled
func (s *Server) SSHAddr() net.Addr {
	if s.sshListener == nil {
		return nil
	}
	return s.sshListener.Addr()
}

// HTTPAddr returns the HTTP listener address, or nil when HTTP is disabled
func (s *Server) HTTPAddr() net.Addr {
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

// Stop closes every listener and connection, waits for the connection
// goroutines and closes the history store
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.shutdown)

		for _, l := range []net.Listener{s.listener, s.sshListener} {
			if l != nil {
				l.Close()
			}
		}
		if s.httpServer != nil {
			s.httpServer.Close()
		}

		s.closeAllSessions()
		s.wg.Wait()

		err = s.store.Close()
	})
	return err
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				errorLog.Printf("Accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection handles a single TCP client connection
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	s.serveConn(conn, "tcp")
}

// serveConn runs one client connection until it closes. Every transport ends
// up here with a net.Conn whose SetReadDeadline works.
func (s *Server) serveConn(conn net.Conn, transport string) {
	sess := s.newSession(NewSafeConn(conn, s.config.WriteTimeout), transport)
	defer sess.Close()

	if !s.trackSession(sess) {
		return
	}
	defer s.untrackSession(sess)

	s.metrics.RecordSessionCreated()
	log.Printf("New %s connection from %s (session %d)", transport, conn.RemoteAddr(), sess.ID)

	defer s.disconnect(sess)

	buf := make([]byte, readBufferSize)
	for {
		deadline := sess.assembler.ReadDeadline(time.Now(), s.config.ChunkWait)
		if err := conn.SetReadDeadline(deadline); err != nil {
			debugLog.Printf("Session %d: set read deadline: %v", sess.ID, err)
		}

		n, err := conn.Read(buf)
		if n > 0 && !s.feed(sess, buf[:n]) {
			return
		}
		if err != nil {
			if isTimeout(err) {
				s.expireTransfer(sess)
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				debugLog.Printf("Session %d: connection closed", sess.ID)
			} else {
				log.Printf("Session %d read error: %v", sess.ID, err)
			}
			return
		}
	}
}

// feed runs one read through the session's assembler and routes the units.
// Returns false when the session must be disconnected.
func (s *Server) feed(sess *Session, chunk []byte) bool {
	units, err := sess.assembler.Feed(chunk, time.Now())

	for _, unit := range units {
		s.metrics.RecordUnitReceived(unit.Kind.String())
		if !s.handleUnit(sess, unit) {
			return false
		}
	}

	switch {
	case err == nil:
	case errors.Is(err, protocol.ErrTransferTimeout):
		log.Printf("Session %d (%s): %v", sess.ID, sess.label(), err)
		s.metrics.RecordTransfer("timeout")
	case errors.Is(err, protocol.ErrMalformedFrame):
		log.Printf("Session %d (%s): dropped input: %v", sess.ID, sess.label(), err)
		s.metrics.RecordMalformedFrame()
	default:
		errorLog.Printf("Session %d: assembler error: %v", sess.ID, err)
	}
	return true
}

// expireTransfer discards the pending transfer if its deadline has passed
func (s *Server) expireTransfer(sess *Session) {
	expired, ok := sess.assembler.Expire(time.Now())
	if !ok {
		return
	}
	log.Printf("Session %d (%s): transfer %s of %s to %s timed out after %d/%d bytes",
		sess.ID, sess.label(), expired.ID, expired.Filename, expired.Target, expired.Received, expired.Declared)
	s.metrics.RecordTransfer("timeout")
}

// disconnect moves the session to its terminal state and releases its nickname
func (s *Server) disconnect(sess *Session) {
	sess.markDisconnected()

	if s.registry.Unregister(sess) {
		nickname := sess.Nickname()
		s.registry.Broadcast("leave", protocol.FormatNotice(nickname+" left the chat"), nil)
		s.metrics.RecordRegisteredSessions(s.registry.Count())
		log.Printf("Session %d (%s) left", sess.ID, nickname)
	}

	s.metrics.RecordSessionDisconnected()
	log.Printf("Session %d disconnected (connected %s)", sess.ID, time.Since(sess.ConnectedAt).Round(time.Millisecond))
}

// newSession creates a session whose failed writes are logged, counted and
// end the connection
func (s *Server) newSession(conn *SafeConn, transport string) *Session {
	sess := newSession(s.nextSessionID.Add(1), transport, conn, protocol.Limits{
		MaxFileSize:     s.config.MaxFileSize,
		TransferTimeout: s.config.TransferTimeout,
	})
	sess.onWriteError = func(err error) {
		s.writeFailed(sess, err)
	}
	return sess
}

// trackSession records an open session so Stop can close it.
// Returns false once shutdown has begun.
func (s *Server) trackSession(sess *Session) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	select {
	case <-s.shutdown:
		return false
	default:
	}

	s.conns[sess] = struct{}{}
	s.metrics.RecordActiveSessions(len(s.conns))
	return true
}

func (s *Server) untrackSession(sess *Session) {
	s.connsMu.Lock()
	delete(s.conns, sess)
	s.metrics.RecordActiveSessions(len(s.conns))
	s.connsMu.Unlock()
}

// closeAllSessions closes every open connection; their goroutines clean up
func (s *Server) closeAllSessions() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	for sess := range s.conns {
		sess.Conn.Close()
	}
}

// isTimeout reports whether err is a read deadline expiring
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

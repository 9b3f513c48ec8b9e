package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const sshServerVersion = "SSH-2.0-Relay"

// startSSHServer starts the SSH server on the configured port
func (s *Server) startSSHServer() error {
	if s.config.SSHPort < 0 {
		log.Printf("SSH server disabled (ssh_port=%d)", s.config.SSHPort)
		return nil
	}

	config, err := s.sshServerConfig()
	if err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", s.config.SSHPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.sshListener = listener

	log.Printf("SSH server listening on %s", listener.Addr())

	s.wg.Add(1)
	go s.acceptSSHLoop(listener, config)

	return nil
}

func (s *Server) sshServerConfig() (*ssh.ServerConfig, error) {
	hostKey, err := s.loadOrGenerateHostKey()
	if err != nil {
		return nil, fmt.Errorf("failed to load host key: %w", err)
	}

	// Identity is the nickname sent in-band, not the SSH user
	config := &ssh.ServerConfig{
		NoClientAuth: true,
	}
	config.ServerVersion = sshServerVersion
	config.AddHostKey(hostKey)
	return config, nil
}

// acceptSSHLoop accepts incoming SSH connections
func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer listener.Close()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				errorLog.Printf("SSH accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleSSHConnection(conn, config)
	}
}

// handleSSHConnection handles a single SSH connection. Every session channel
// becomes its own relay session.
func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer conn.Close()

	// Handshake must not hang forever
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		log.Printf("SSH handshake failed from %s: %v", conn.RemoteAddr(), err)
		return
	}
	defer sshConn.Close()
	conn.SetDeadline(time.Time{})

	// chans only closes with the connection, so shutdown has to close it
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-s.shutdown:
			sshConn.Close()
		case <-connDone:
		}
	}()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			errorLog.Printf("Could not accept channel: %v", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			go s.handleSSHChannelRequests(requests)
			s.serveConn(newSSHChannelConn(channel, sshConn.LocalAddr(), sshConn.RemoteAddr()), "ssh")
		}()
	}
}

func (s *Server) handleSSHChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// sshChannelConn wraps ssh.Channel to implement net.Conn
type sshChannelConn struct {
	*pumpReader
	channel ssh.Channel
	local   net.Addr
	remote  net.Addr

	writeMu       sync.Mutex // protects writeDeadline
	writeDeadline time.Time
}

func newSSHChannelConn(channel ssh.Channel, local, remote net.Addr) *sshChannelConn {
	return &sshChannelConn{
		pumpReader: newPumpReader(func() ([]byte, error) {
			buf := make([]byte, readBufferSize)
			n, err := channel.Read(buf)
			return buf[:n], err
		}),
		channel: channel,
		local:   local,
		remote:  remote,
	}
}

// Write sends b on the channel. A write still blocked when the write deadline
// passes closes the channel, since ssh.Channel cannot abandon one otherwise.
func (c *sshChannelConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	deadline := c.writeDeadline
	c.writeMu.Unlock()

	if deadline.IsZero() {
		return c.channel.Write(b)
	}
	wait := time.Until(deadline)
	if wait <= 0 {
		return 0, os.ErrDeadlineExceeded
	}

	timer := time.AfterFunc(wait, func() {
		c.Close()
	})
	n, err := c.channel.Write(b)
	if !timer.Stop() {
		return n, os.ErrDeadlineExceeded
	}
	return n, err
}

func (c *sshChannelConn) Close() error {
	c.stop()
	return c.channel.Close()
}

func (c *sshChannelConn) LocalAddr() net.Addr  { return c.local }
func (c *sshChannelConn) RemoteAddr() net.Addr { return c.remote }

func (c *sshChannelConn) SetDeadline(t time.Time) error {
	c.SetWriteDeadline(t)
	return c.SetReadDeadline(t)
}

func (c *sshChannelConn) SetWriteDeadline(t time.Time) error {
	c.writeMu.Lock()
	c.writeDeadline = t
	c.writeMu.Unlock()
	return nil
}

// loadOrGenerateHostKey loads the SSH host key or generates one if it doesn't exist
func (s *Server) loadOrGenerateHostKey() (ssh.Signer, error) {
	if strings.TrimSpace(s.config.SSHHostKeyPath) == "" {
		configTarget := "server config file"
		if strings.TrimSpace(s.configPath) != "" {
			configTarget = s.configPath
		}
		return nil, fmt.Errorf("ssh host key path is empty; update [server].ssh_host_key in %s or remove it to use the default (%s)", configTarget, DefaultConfig().SSHHostKeyPath)
	}

	keyPath, err := ExpandPath(s.config.SSHHostKeyPath)
	if err != nil {
		return nil, err
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		log.Printf("Loaded SSH host key from %s", keyPath)
		return key, nil
	}

	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	log.Printf("Generating new SSH host key at %s...", keyPath)

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	privateKeyPEM := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(keyPath, pem.EncodeToMemory(privateKeyPEM), 0600); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	key, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	log.Printf("Generated and saved new SSH host key")
	return key, nil
}

// Package remote serves the guest serial console over SSH so viewers can
// attach without sharing the host terminal.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/javanstorm/rvhost/internal/terminal"
)

const handshakeTimeout = 10 * time.Second

// Config configures the console server.
type Config struct {
	Addr           string
	HostKey        string // path, created on first use
	AuthorizedKeys string // OpenSSH authorized_keys path
	Escape         byte   // 0 disables the detach sequence
	Banner         string
}

// Server accepts SSH sessions and joins each shell to the console.
type Server struct {
	config *ssh.ServerConfig
	ln     net.Listener
	input  io.Writer
	hub    *terminal.Hub
	escape byte
	banner string
	log    *zap.Logger

	wg     sync.WaitGroup
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// Listen loads keys, binds cfg.Addr and returns a server feeding keystrokes
// to input and streaming output from hub.
func Listen(cfg Config, input io.Writer, hub *terminal.Hub, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	signer, err := LoadOrCreateHostKey(cfg.HostKey)
	if err != nil {
		return nil, err
	}
	authorized, err := LoadAuthorizedKeys(cfg.AuthorizedKeys)
	if err != nil {
		return nil, err
	}

	sshCfg := &ssh.ServerConfig{
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if !authorized.Allows(key) {
				log.Warn("rejected console key",
					zap.String("user", meta.User()),
					zap.String("remote", meta.RemoteAddr().String()),
					zap.String("fingerprint", ssh.FingerprintSHA256(key)))
				return nil, fmt.Errorf("unknown public key for %q", meta.User())
			}
			return &ssh.Permissions{
				Extensions: map[string]string{"pubkey-fp": ssh.FingerprintSHA256(key)},
			}, nil
		},
	}
	sshCfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	return &Server{
		config: sshCfg,
		ln:     ln,
		input:  input,
		hub:    hub,
		escape: cfg.Escape,
		banner: cfg.Banner,
		log:    log,
		conns:  make(map[net.Conn]struct{}),
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve accepts connections until ctx is done. It closes every session
// before returning.
func (s *Server) Serve(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.shutdown()
		case <-stop:
		}
	}()

	s.log.Info("console ssh server listening", zap.String("addr", s.Addr()))
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.shutdown()
			s.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.track(conn) {
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
	conn.Close()
}

// Close stops accepting and drops every session.
func (s *Server) Close() error {
	s.shutdown()
	return nil
}

func (s *Server) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.ln.Close()
	for c := range s.conns {
		c.Close()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	sconn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		s.log.Debug("ssh handshake failed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		return
	}
	conn.SetDeadline(time.Time{})
	defer sconn.Close()

	log := s.log.With(
		zap.String("user", sconn.User()),
		zap.String("remote", sconn.RemoteAddr().String()),
		zap.String("fingerprint", sconn.Permissions.Extensions["pubkey-fp"]))
	log.Info("console viewer connected")
	defer log.Info("console viewer disconnected")

	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleSession(ctx, newCh, log)
		}()
	}
	wg.Wait()
}

type exitStatus struct {
	Status uint32
}

func (s *Server) handleSession(ctx context.Context, newCh ssh.NewChannel, log *zap.Logger) {
	ch, reqs, err := newCh.Accept()
	if err != nil {
		log.Debug("accept session", zap.Error(err))
		return
	}
	defer ch.Close()

	shell := make(chan struct{})
	reqsDone := make(chan struct{})
	go func() {
		defer close(reqsDone)
		var once sync.Once
		for req := range reqs {
			ok := false
			switch req.Type {
			case "pty-req", "window-change", "env":
				ok = true
			case "shell":
				ok = true
				once.Do(func() { close(shell) })
			}
			if req.WantReply {
				req.Reply(ok, nil)
			}
		}
	}()

	select {
	case <-shell:
	case <-reqsDone:
		return
	case <-ctx.Done():
		return
	}

	if s.banner != "" {
		fmt.Fprintf(ch, "%s\r\n", s.banner)
	}
	if s.escape != 0 {
		name := terminal.EscapeName(s.escape)
		fmt.Fprintf(ch, "Escape sequence: %s %s\r\n", name, name)
	}
	detach := s.hub.Subscribe(ch, true)

	_, err = io.Copy(s.input, terminal.NewEscapeReaderWith(ch, s.escape))
	if err != nil {
		log.Debug("console input stopped", zap.Error(err))
	}

	ch.SendRequest("exit-status", false, ssh.Marshal(&exitStatus{}))
	ch.Close()
	detach()
}

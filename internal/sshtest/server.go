// Package sshtest provides an in-process SSH server for tests. It supports
// password authentication, exec requests run through /bin/sh, direct-tcpip
// forwarding and the sftp subsystem, which is enough to stand in for both a
// bastion and a target.
package sshtest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Server is a running SSH server.
type Server struct {
	// Addr is the host:port the server listens on.
	Addr string

	listener net.Listener
	config   *ssh.ServerConfig
	signer   ssh.Signer
	forward  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	active  atomic.Int32
	logins  atomic.Int32
	execs   atomic.Int32
	tunnels atomic.Int32
}

// Option configures the server.
type Option func(*options)

type options struct {
	users   map[string]string
	forward bool
}

// WithUser adds a user accepted with password.
func WithUser(user, password string) Option {
	return func(o *options) {
		o.users[user] = password
	}
}

// WithForwarding enables direct-tcpip channels, making the server usable
// as a bastion.
func WithForwarding() Option {
	return func(o *options) {
		o.forward = true
	}
}

// Start listens on a random loopback port and serves until Close.
func Start(opts ...Option) (*Server, error) {
	o := &options{users: make(map[string]string)}
	for _, opt := range opts {
		opt(o)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate host key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	s := &Server{
		signer:  signer,
		forward: o.forward,
		conns:   make(map[net.Conn]struct{}),
	}

	s.config = &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if want, ok := o.users[meta.User()]; ok && want == string(password) {
				s.logins.Add(1)
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %s", meta.User())
		},
	}
	s.config.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = ln
	s.Addr = ln.Addr().String()
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.serve()

	return s, nil
}

// Host returns the listen host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr)
	return host
}

// Port returns the listen port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr)
	n, _ := strconv.Atoi(port)
	return n
}

// PublicKey returns the server host key.
func (s *Server) PublicKey() ssh.PublicKey {
	return s.signer.PublicKey()
}

// Active returns the number of open client connections.
func (s *Server) Active() int { return int(s.active.Load()) }

// Logins returns the number of successful authentications.
func (s *Server) Logins() int { return int(s.logins.Load()) }

// Execs returns the number of exec requests served.
func (s *Server) Execs() int { return int(s.execs.Load()) }

// Tunnels returns the number of direct-tcpip channels opened.
func (s *Server) Tunnels() int { return int(s.tunnels.Load()) }

// Close stops the listener, drops every connection and waits for handlers.
func (s *Server) Close() error {
	s.cancel()
	err := s.listener.Close()

	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)

			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

func (s *Server) handleConn(raw net.Conn) {
	defer raw.Close()

	sc, chans, reqs, err := ssh.NewServerConn(raw, s.config)
	if err != nil {
		return
	}
	defer sc.Close()

	s.active.Add(1)
	defer s.active.Add(-1)

	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	defer wg.Wait()

	for nc := range chans {
		nc := nc
		switch nc.ChannelType() {
		case "session":
			ch, reqs, err := nc.Accept()
			if err != nil {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.handleSession(ch, reqs)
			}()
		case "direct-tcpip":
			if !s.forward {
				_ = nc.Reject(ssh.Prohibited, "forwarding disabled")
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.handleTunnel(nc)
			}()
		default:
			_ = nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
}

func (s *Server) handleSession(ch ssh.Channel, in <-chan *ssh.Request) {
	defer ch.Close()

	for req := range in {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			s.execs.Add(1)
			s.runCommand(ch, payload.Command)
			return
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			server, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			_ = server.Serve()
			server.Close()
			return
		case "env", "pty-req":
			_ = req.Reply(true, nil)
		default:
			_ = req.Reply(false, nil)
		}
	}
}

func (s *Server) runCommand(ch ssh.Channel, command string) {
	cmd := exec.CommandContext(s.ctx, "/bin/sh", "-c", command)
	cmd.Stdout = ch
	cmd.Stderr = ch.Stderr()
	cmd.WaitDelay = 100 * time.Millisecond

	status := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			status = exitErr.ExitCode()
		} else {
			status = 127
		}
	}

	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
}

func (s *Server) handleTunnel(nc ssh.NewChannel) {
	var payload struct {
		Host       string
		Port       uint32
		OriginHost string
		OriginPort uint32
	}
	if err := ssh.Unmarshal(nc.ExtraData(), &payload); err != nil {
		_ = nc.Reject(ssh.ConnectionFailed, "malformed forward request")
		return
	}

	addr := net.JoinHostPort(payload.Host, strconv.Itoa(int(payload.Port)))
	var d net.Dialer
	upstream, err := d.DialContext(s.ctx, "tcp", addr)
	if err != nil {
		_ = nc.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	defer upstream.Close()

	ch, reqs, err := nc.Accept()
	if err != nil {
		return
	}
	defer ch.Close()
	go ssh.DiscardRequests(reqs)
	s.tunnels.Add(1)

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(ch, upstream)
		_ = ch.CloseWrite()
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(upstream, ch)
		if tc, ok := upstream.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}()

	<-done
	select {
	case <-done:
	case <-s.ctx.Done():
	}
}

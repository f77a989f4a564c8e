// Package bastion provides a connector that reaches each target through an
// SSH jump host. The target session runs over a direct-tcpip channel opened
// on the bastion session, and file transfers use SFTP on the target session.
package bastion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/eugenetaranov/jumpexec/internal/connector"
	"github.com/eugenetaranov/jumpexec/internal/inventory"
)

// Connector holds the bastion and target sessions for one target.
type Connector struct {
	bastion  inventory.Bastion
	target   inventory.Target
	timeout  time.Duration
	hostKeys HostKeyPolicy
	logger   *zap.Logger

	mu            sync.Mutex
	bastionClient *ssh.Client
	client        *ssh.Client
	sftp          *sftp.Client
}

// Option configures the bastion connector.
type Option func(*Connector)

// WithTimeout bounds every blocking step: dial, handshake, channel open,
// command execution and each file operation.
func WithTimeout(d time.Duration) Option {
	return func(c *Connector) {
		c.timeout = d
	}
}

// WithHostKeyPolicy sets the host key policy for both hops.
func WithHostKeyPolicy(p HostKeyPolicy) Option {
	return func(c *Connector) {
		c.hostKeys = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Connector) {
		c.logger = l
	}
}

// New creates a connector for target relayed through b.
func New(b inventory.Bastion, target inventory.Target, opts ...Option) *Connector {
	c := &Connector{
		bastion:  b,
		target:   target,
		timeout:  time.Duration(inventory.DefaultTimeout) * time.Second,
		hostKeys: AcceptAndRecord(),
		logger:   zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// NewDialer returns a Dialer building one Connector per target, all relayed
// through b with the same options.
func NewDialer(b inventory.Bastion, opts ...Option) connector.Dialer {
	return connector.DialerFunc(func(target inventory.Target) connector.Connector {
		return New(b, target, opts...)
	})
}

// Connect opens the bastion session, a channel to the target and the target
// session on top of it. On failure everything opened so far is closed.
func (c *Connector) Connect(ctx context.Context) error {
	log := c.logger.With(zap.String("target", c.target.Label()))
	check := c.hostKeys.Callback(log)

	bastionAddr := c.bastion.Addr()
	log.Info("connecting to bastion", zap.String("bastion", bastionAddr))

	bastionClient, err := c.dialBastion(ctx, bastionAddr, check)
	if err != nil {
		return err
	}

	targetAddr := c.target.Addr()
	log.Info("opening channel to target", zap.String("addr", targetAddr))

	tunnel, err := c.openChannel(ctx, bastionClient, targetAddr)
	if err != nil {
		bastionClient.Close()
		return &connector.ConnectionError{Host: targetAddr, Op: "open channel", Err: err}
	}

	cfg := clientConfig(c.target.User, c.target.Password, check, c.timeout)

	var client *ssh.Client
	err = connector.Bounded(ctx, c.timeout, "target handshake", func() error {
		conn, chans, reqs, err := ssh.NewClientConn(tunnel, targetAddr, cfg)
		if err != nil {
			return err
		}
		client = ssh.NewClient(conn, chans, reqs)
		return nil
	}, func() {
		// Channel conns have no deadlines; closing it unblocks the handshake.
		tunnel.Close()
	})
	if err != nil {
		tunnel.Close()
		bastionClient.Close()
		return &connector.ConnectionError{Host: targetAddr, Op: "authenticate target", Err: err}
	}

	c.mu.Lock()
	c.bastionClient = bastionClient
	c.client = client
	c.mu.Unlock()

	log.Info("connected to target", zap.String("addr", targetAddr))
	return nil
}

func (c *Connector) dialBastion(ctx context.Context, addr string, check ssh.HostKeyCallback) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &connector.ConnectionError{Host: addr, Op: "dial bastion", Err: err}
	}

	if c.timeout > 0 {
		_ = raw.SetDeadline(time.Now().Add(c.timeout))
	}

	cfg := clientConfig(c.bastion.User, c.bastion.Password, check, c.timeout)
	conn, chans, reqs, err := ssh.NewClientConn(raw, addr, cfg)
	if err != nil {
		raw.Close()
		return nil, &connector.ConnectionError{Host: addr, Op: "authenticate bastion", Err: err}
	}

	// The deadline only guards the handshake; the session lives on.
	_ = raw.SetDeadline(time.Time{})

	return ssh.NewClient(conn, chans, reqs), nil
}

func (c *Connector) openChannel(ctx context.Context, client *ssh.Client, addr string) (net.Conn, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return client.DialContext(ctx, "tcp", addr)
}

// clientConfig authenticates with the password, offering it for
// keyboard-interactive prompts too.
func clientConfig(user, password string, check ssh.HostKeyCallback, timeout time.Duration) *ssh.ClientConfig {
	answer := func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range answers {
			answers[i] = password
		}
		return answers, nil
	}

	return &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(answer),
		},
		HostKeyCallback: check,
		Timeout:         timeout,
	}
}

// Execute runs cmd in a new session on the target.
func (c *Connector) Execute(ctx context.Context, cmd string) (*connector.Result, error) {
	client, err := c.targetClient()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	err = connector.Bounded(ctx, c.timeout, "exec", func() error {
		return session.Run(cmd)
	}, func() {
		session.Close()
	})

	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return nil, err
		}
		return &connector.Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: exitErr.ExitStatus(),
		}, nil
	}

	return &connector.Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}, nil
}

// OpenTransfer starts the SFTP subsystem on the target session.
func (c *Connector) OpenTransfer(ctx context.Context) (connector.Transfer, error) {
	client, err := c.targetClient()
	if err != nil {
		return nil, err
	}

	var sc *sftp.Client
	err = connector.Bounded(ctx, c.timeout, "open sftp", func() error {
		var err error
		sc, err = sftp.NewClient(client)
		return err
	}, nil)
	if err != nil {
		return nil, &connector.ConnectionError{Host: c.target.Addr(), Op: "open sftp", Err: err}
	}

	c.mu.Lock()
	c.sftp = sc
	c.mu.Unlock()

	return &transfer{conn: c, client: sc, timeout: c.timeout}, nil
}

// Close releases the SFTP channel, the target session and the bastion
// session, in that order.
func (c *Connector) Close() error {
	var err error
	err = multierr.Append(err, c.closeSFTP())

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		err = multierr.Append(err, ignoreClosed(c.client.Close()))
		c.client = nil
	}
	if c.bastionClient != nil {
		err = multierr.Append(err, ignoreClosed(c.bastionClient.Close()))
		c.bastionClient = nil
	}
	return err
}

func (c *Connector) closeSFTP() error {
	c.mu.Lock()
	sc := c.sftp
	c.sftp = nil
	c.mu.Unlock()

	if sc == nil {
		return nil
	}
	return ignoreClosed(sc.Close())
}

// String returns a description of the connection.
func (c *Connector) String() string {
	return fmt.Sprintf("ssh://%s@%s via %s@%s",
		c.target.User, c.target.Addr(), c.bastion.User, c.bastion.Addr())
}

func (c *Connector) targetClient() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, fmt.Errorf("not connected to %s", c.target.Addr())
	}
	return c.client, nil
}

// ignoreClosed drops the error of closing something already torn down by
// the peer or by an earlier close.
func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Ensure Connector implements the connector.Connector interface.
var _ connector.Connector = (*Connector)(nil)

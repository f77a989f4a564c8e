// Package local provides a connector that operates on the controller itself.
// It stands in for a remote target in smoke tests and --local runs.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/eugenetaranov/jumpexec/internal/connector"
)

// Connector executes commands on the local machine.
type Connector struct {
	shell     string
	shellArgs []string
	root      string
	timeout   time.Duration
}

// Option configures the local connector.
type Option func(*Connector)

// WithShell sets a custom shell for command execution.
func WithShell(shell string, args ...string) Option {
	return func(c *Connector) {
		c.shell = shell
		c.shellArgs = args
	}
}

// WithRoot places every transfer path under dir, so a remote path such as
// /srv/app lands in dir/srv/app.
func WithRoot(dir string) Option {
	return func(c *Connector) {
		c.root = dir
	}
}

// WithTimeout bounds each command.
func WithTimeout(d time.Duration) Option {
	return func(c *Connector) {
		c.timeout = d
	}
}

// New creates a new local connector.
func New(opts ...Option) *Connector {
	c := &Connector{
		shell:     "/bin/sh",
		shellArgs: []string{"-c"},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Connect verifies the platform is supported.
func (c *Connector) Connect(ctx context.Context) error {
	switch runtime.GOOS {
	case "darwin", "linux":
		return nil
	default:
		return &connector.ConnectionError{
			Host: "localhost",
			Op:   "connect",
			Err:  fmt.Errorf("unsupported platform: %s", runtime.GOOS),
		}
	}
}

// Execute runs a command locally and returns the result.
func (c *Connector) Execute(ctx context.Context, cmd string) (*connector.Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	args := append(append([]string(nil), c.shellArgs...), cmd)
	execCmd := exec.CommandContext(ctx, c.shell, args...)

	var stdout, stderr strings.Builder
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr
	// Children of the shell may hold the output pipes after it is killed.
	execCmd.WaitDelay = time.Second

	err := execCmd.Run()

	result := &connector.Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, &connector.TimeoutError{Op: "exec", After: c.timeout}
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
	}

	return result, nil
}

// OpenTransfer returns a transfer that writes to the local filesystem.
func (c *Connector) OpenTransfer(ctx context.Context) (connector.Transfer, error) {
	return &transfer{root: c.root}, nil
}

// Close is a no-op for local connections.
func (c *Connector) Close() error {
	return nil
}

// String returns a description of the connection.
func (c *Connector) String() string {
	u, err := user.Current()
	if err != nil {
		return "local"
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	return fmt.Sprintf("local://%s@%s", u.Username, hostname)
}

type transfer struct {
	root string
}

func (t *transfer) path(p string) string {
	if t.root == "" {
		return filepath.FromSlash(p)
	}
	return filepath.Join(t.root, filepath.FromSlash(p))
}

// Stat returns file info for a local path.
func (t *transfer) Stat(ctx context.Context, p string) (fs.FileInfo, error) {
	return os.Stat(t.path(p))
}

// Mkdir creates a single directory.
func (t *transfer) Mkdir(ctx context.Context, p string) error {
	return os.Mkdir(t.path(p), 0o755)
}

// Upload writes content from src to a local file at dst.
func (t *transfer) Upload(ctx context.Context, src io.Reader, dst string, mode uint32) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	f, err := os.OpenFile(t.path(dst), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(mode))
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", dst, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, src); err != nil {
		return fmt.Errorf("failed to write to %s: %w", dst, err)
	}

	return f.Chmod(os.FileMode(mode))
}

// Close is a no-op.
func (t *transfer) Close() error {
	return nil
}

// Ensure Connector implements the connector.Connector interface.
var _ connector.Connector = (*Connector)(nil)

// Package connector defines the interface for executing commands and
// transferring files on target systems.
package connector

import (
	"context"
	"fmt"
	"io"
	"io/fs"

	"github.com/eugenetaranov/jumpexec/internal/inventory"
)

// Result holds the output from command execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Connector is the interface for connecting to and operating on one target.
type Connector interface {
	// Connect establishes a connection to the target.
	Connect(ctx context.Context) error

	// Execute runs a command on the target and returns the result.
	// A non-zero exit status is reported in the Result, not as an error.
	Execute(ctx context.Context, cmd string) (*Result, error)

	// OpenTransfer opens a file-transfer channel on the connection.
	OpenTransfer(ctx context.Context) (Transfer, error)

	// Close terminates the connection.
	Close() error

	// String returns a human-readable description of the connection.
	String() string
}

// Transfer is a file-transfer channel opened on a Connector.
type Transfer interface {
	// Stat returns file info for a remote path. A missing path yields an
	// error matching fs.ErrNotExist.
	Stat(ctx context.Context, path string) (fs.FileInfo, error)

	// Mkdir creates a single remote directory.
	Mkdir(ctx context.Context, path string) error

	// Upload copies content from src to the remote file dst.
	Upload(ctx context.Context, src io.Reader, dst string, mode uint32) error

	// Close releases the channel.
	Close() error
}

// Dialer builds an unconnected Connector for a target.
type Dialer interface {
	Dial(target inventory.Target) Connector
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(target inventory.Target) Connector

// Dial calls f(target).
func (f DialerFunc) Dial(target inventory.Target) Connector {
	return f(target)
}

// ConnectionError reports a failure to reach or authenticate to a host.
type ConnectionError struct {
	// Host is the address that failed.
	Host string

	// Op is the step that failed, e.g. "dial bastion".
	Op string

	// Err is the underlying cause.
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Kind returns the error class used in result records. A connection step
// that ran out of time is a timeout.
func (e *ConnectionError) Kind() string {
	if IsTimeout(e.Err) {
		return "TimeoutError"
	}
	return "ConnectionError"
}

// Package operation defines the per-target work units run by the dispatcher.
package operation

import (
	"context"
	"errors"
	"fmt"

	"github.com/eugenetaranov/jumpexec/internal/connector"
	"github.com/eugenetaranov/jumpexec/internal/inventory"
	"github.com/eugenetaranov/jumpexec/internal/report"
)

// Operation is the interface every mode runner implements.
type Operation interface {
	// Name returns the mode identifier used in logs.
	Name() string

	// Run performs the operation on one target over conn and returns its
	// record. Run owns conn: it connects it and closes it on every path.
	// Failures are reported in the record, never as a panic or error.
	Run(ctx context.Context, conn connector.Connector, target inventory.Target) report.Record

	// NewRecord returns the empty record of this mode for target.
	NewRecord(target inventory.Target) report.Record
}

// CommandError reports a command that could not be run to completion.
// A non-zero exit status is not a CommandError.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Kind returns the error class used in result records.
func (e *CommandError) Kind() string {
	return kindOf(e.Err, "CommandError")
}

// TransferError reports a file that could not be uploaded.
type TransferError struct {
	Local  string
	Remote string
	Err    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("upload %s to %s: %v", e.Local, e.Remote, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Kind returns the error class used in result records.
func (e *TransferError) Kind() string {
	return kindOf(e.Err, "TransferError")
}

// DirectoryError reports a remote directory that could not be ensured.
type DirectoryError struct {
	Path string
	// Root is set for the destination directory itself.
	Root bool
	Err  error
}

func (e *DirectoryError) Error() string {
	if e.Root {
		return fmt.Sprintf("failed to create remote directory: %v", e.Err)
	}
	return fmt.Sprintf("failed to create directory %s: %v", e.Path, e.Err)
}

func (e *DirectoryError) Unwrap() error { return e.Err }

// Kind returns the error class used in result records.
func (e *DirectoryError) Kind() string {
	return kindOf(e.Err, "TransferError")
}

// PartialError summarises per-file failures of an upload. Errs holds the
// individual errors combined with multierr.
type PartialError struct {
	Failed int
	Errs   error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%d file(s) failed to upload", e.Failed)
}

func (e *PartialError) Unwrap() error { return e.Errs }

// Kind returns the error class used in result records.
func (e *PartialError) Kind() string { return "TransferError" }

// kindOf lets timeouts and connection losses keep their own class when
// wrapped by an operation error.
func kindOf(err error, fallback string) string {
	if connector.IsTimeout(err) {
		return "TimeoutError"
	}
	var cerr *connector.ConnectionError
	if errors.As(err, &cerr) {
		return cerr.Kind()
	}
	return fallback
}

// Package report defines per-target result records and writes the result set.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/eugenetaranov/jumpexec/internal/inventory"
)

// Record is the result of one operation on one target.
type Record interface {
	// Label returns the target name, or host when unnamed.
	Label() string

	// Succeeded reports whether the target completed without failure.
	Succeeded() bool

	// Summary returns the error text, empty on success.
	Summary() string

	// Cause returns the error that failed the target, if any.
	Cause() error

	// Fail marks the record failed with err.
	Fail(err error)
}

// Outcome holds the fields shared by every result record.
type Outcome struct {
	Name    string `json:"name"`
	Host    string `json:"host"`
	Success bool   `json:"success"`
	Error   string `json:"error"`

	cause  error
	target inventory.Target
}

// NewOutcome starts a successful outcome for the target.
func NewOutcome(t inventory.Target) Outcome {
	return Outcome{
		Name:    t.Name,
		Host:    t.Host,
		Success: true,
		target:  t,
	}
}

// Fail marks the outcome failed and records err as its cause.
func (o *Outcome) Fail(err error) {
	o.Success = false
	if err == nil {
		return
	}
	o.cause = err
	o.Error = Describe(err)
}

// Label returns the target name, or host when unnamed.
func (o *Outcome) Label() string { return o.target.Label() }

// Succeeded reports the success flag.
func (o *Outcome) Succeeded() bool { return o.Success }

// Summary returns the error text.
func (o *Outcome) Summary() string { return o.Error }

// Cause returns the underlying error.
func (o *Outcome) Cause() error { return o.cause }

// CommandResult is the record produced in exec mode.
type CommandResult struct {
	Outcome
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// NewCommandResult creates an empty successful record for the target.
func NewCommandResult(t inventory.Target) *CommandResult {
	return &CommandResult{Outcome: NewOutcome(t)}
}

// FileEntry is one file handled during an upload.
type FileEntry struct {
	Local  string `json:"local"`
	Remote string `json:"remote"`
	Error  string `json:"error,omitempty"`
}

// UploadResult is the record produced in upload mode.
type UploadResult struct {
	Outcome
	Uploaded []FileEntry `json:"uploaded_files"`
	Failed   []FileEntry `json:"failed_files"`
}

// NewUploadResult creates an empty successful record for the target.
func NewUploadResult(t inventory.Target) *UploadResult {
	return &UploadResult{
		Outcome:  NewOutcome(t),
		Uploaded: []FileEntry{},
		Failed:   []FileEntry{},
	}
}

// AddUploaded records a transferred file.
func (r *UploadResult) AddUploaded(local, remote string) {
	r.Uploaded = append(r.Uploaded, FileEntry{Local: local, Remote: remote})
}

// AddFailed records a file that could not be transferred.
func (r *UploadResult) AddFailed(local, remote string, err error) {
	r.Failed = append(r.Failed, FileEntry{Local: local, Remote: remote, Error: err.Error()})
	r.Success = false
}

// Describe formats err as "<kind>: <message>".
func Describe(err error) string {
	return fmt.Sprintf("%s: %v", Kind(err), err)
}

// Kind classifies err by the first error in its chain that names its kind.
func Kind(err error) string {
	var k interface{ Kind() string }
	if errors.As(err, &k) {
		return k.Kind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "TimeoutError"
	}
	return "Error"
}

// WriteJSON writes records as a single JSON array.
func WriteJSON(w io.Writer, records []Record) error {
	if records == nil {
		records = []Record{}
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	return nil
}

// Ensure both results implement Record.
var (
	_ Record = (*CommandResult)(nil)
	_ Record = (*UploadResult)(nil)
)

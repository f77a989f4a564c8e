// Package output provides human-readable progress for a dispatch run.
// It writes to stderr-style streams; the JSON result set is written elsewhere.
package output

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/eugenetaranov/jumpexec/internal/inventory"
	"github.com/eugenetaranov/jumpexec/internal/report"
)

// Colors for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// Stats holds run statistics for output.
type Stats interface {
	GetTargets() int
	GetSucceeded() int
	GetFailed() int
	GetDuration() time.Duration
}

// Output handles formatted output. It is safe for concurrent use.
type Output struct {
	mu       sync.Mutex
	w        io.Writer
	useColor bool
	debug    bool
}

// New creates a new output handler.
func New(w io.Writer) *Output {
	return &Output{
		w:        w,
		useColor: true,
	}
}

// SetColor enables or disables color output.
func (o *Output) SetColor(enabled bool) {
	o.useColor = enabled
}

// SetDebug enables or disables debug output.
func (o *Output) SetDebug(enabled bool) {
	o.debug = enabled
}

// color returns the string wrapped in color codes if enabled.
func (o *Output) color(c, s string) string {
	if !o.useColor {
		return s
	}
	return c + s + colorReset
}

// RunStart prints the run banner.
func (o *Output) RunStart(mode string, targets, workers int) {
	o.printf("\n%s %s %s\n",
		o.color(colorBold, strings.ToUpper(mode)),
		fmt.Sprintf("%d target(s)", targets),
		o.color(colorGray, fmt.Sprintf("(%d worker(s))", workers)))
}

// TargetStarted prints a line when a worker claims a target (debug only).
func (o *Output) TargetStarted(t inventory.Target) {
	if !o.debug {
		return
	}
	o.printf("  %s %s %s\n", o.color(colorCyan, "○"), t.Label(), o.color(colorGray, "("+t.Addr()+")"))
}

// TargetFinished prints the outcome of one target in a single line.
// Format: [indicator] label (host) status (elapsed)
func (o *Output) TargetFinished(rec report.Record, elapsed time.Duration) {
	indicator, statusColor, statusText := "✓", colorGreen, "ok"
	if !rec.Succeeded() {
		indicator, statusColor, statusText = "✗", colorRed, "FAILED"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "  %s %s %s %s %s\n",
		o.color(statusColor, indicator),
		rec.Label(),
		o.color(colorGray, "("+host(rec)+")"),
		o.color(statusColor, statusText),
		o.color(colorGray, fmt.Sprintf("(%.2fs)", elapsed.Seconds())))

	if msg := rec.Summary(); msg != "" {
		fmt.Fprintf(&b, "      %s %s\n", o.color(colorGray, "msg:"), msg)
	}

	switch r := rec.(type) {
	case *report.CommandResult:
		if r.ExitCode != 0 {
			fmt.Fprintf(&b, "      %s %d\n", o.color(colorGray, "exit code:"), r.ExitCode)
		}
		if o.debug {
			o.block(&b, "stdout", r.Stdout)
			o.block(&b, "stderr", r.Stderr)
		}
	case *report.UploadResult:
		fmt.Fprintf(&b, "      %s %s %s\n",
			o.color(colorGray, "files:"),
			o.color(colorGreen, fmt.Sprintf("uploaded=%d", len(r.Uploaded))),
			o.color(colorRed, fmt.Sprintf("failed=%d", len(r.Failed))))
		for _, f := range r.Failed {
			fmt.Fprintf(&b, "        %s %s %s\n", o.color(colorRed, "✗"), f.Remote, o.color(colorGray, f.Error))
		}
	}

	o.write(b.String())
}

// block appends a labelled multi-line section.
func (o *Output) block(b *strings.Builder, label, s string) {
	if strings.TrimSpace(s) == "" {
		return
	}
	fmt.Fprintf(b, "      %s\n", o.color(colorGray, label+":"))
	for _, line := range strings.Split(strings.TrimSpace(s), "\n") {
		fmt.Fprintf(b, "        %s\n", line)
	}
}

// Recap prints the run summary.
func (o *Output) Recap(stats Stats) {
	ok := o.color(colorGreen, fmt.Sprintf("ok=%d", stats.GetSucceeded()))
	failed := o.color(colorRed, fmt.Sprintf("failed=%d", stats.GetFailed()))
	total := o.color(colorCyan, fmt.Sprintf("targets=%d", stats.GetTargets()))

	o.printf("\n%s %s %s %s %s\n",
		o.color(colorBold, "RECAP"),
		ok, failed, total,
		o.color(colorGray, fmt.Sprintf("(%.2fs)", stats.GetDuration().Seconds())))
}

// Info prints an informational message.
func (o *Output) Info(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorBlue, "INFO"), fmt.Sprintf(format, args...))
}

// Warn prints a warning message.
func (o *Output) Warn(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorYellow, "WARN"), fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (o *Output) Error(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorRed, "ERROR"), fmt.Sprintf(format, args...))
}

// Debug prints a debug message (only in debug mode).
func (o *Output) Debug(format string, args ...any) {
	if o.debug {
		o.printf("%s %s\n", o.color(colorGray, "DEBUG"), fmt.Sprintf(format, args...))
	}
}

func (o *Output) printf(format string, args ...any) {
	o.write(fmt.Sprintf(format, args...))
}

func (o *Output) write(s string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	io.WriteString(o.w, s)
}

func host(rec report.Record) string {
	switch r := rec.(type) {
	case *report.CommandResult:
		return r.Host
	case *report.UploadResult:
		return r.Host
	case *report.Outcome:
		return r.Host
	}
	return "unknown"
}

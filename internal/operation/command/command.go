// Package command provides the runner for exec mode: an ordered list of
// shell commands run on every target.
package command

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/eugenetaranov/jumpexec/internal/connector"
	"github.com/eugenetaranov/jumpexec/internal/inventory"
	"github.com/eugenetaranov/jumpexec/internal/operation"
	"github.com/eugenetaranov/jumpexec/internal/report"
)

// Runner executes commands sequentially on one target per call.
type Runner struct {
	commands inventory.Commands
	logger   *zap.Logger
}

// Option configures the runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// New creates a runner for the given commands.
func New(commands inventory.Commands, opts ...Option) *Runner {
	r := &Runner{
		commands: commands,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the mode identifier.
func (r *Runner) Name() string {
	return "exec"
}

// NewRecord returns an empty command result for target.
func (r *Runner) NewRecord(target inventory.Target) report.Record {
	return report.NewCommandResult(target)
}

// Run connects, executes the commands in order and stops at the first
// non-zero exit status. Output of every executed command is concatenated.
func (r *Runner) Run(ctx context.Context, conn connector.Connector, target inventory.Target) report.Record {
	res := report.NewCommandResult(target)
	log := r.logger.With(zap.String("target", target.Label()), zap.String("host", target.Host))

	log.Info("starting command execution")
	defer func() {
		if err := conn.Close(); err != nil {
			log.Debug("close failed", zap.Error(err))
		}
		log.Debug("closed connections")
	}()

	if err := conn.Connect(ctx); err != nil {
		res.Fail(err)
		log.Error("error executing commands", zap.String("error", res.Error))
		return res
	}

	total := len(r.commands)
	for i, cmd := range r.commands {
		log.Info("executing command",
			zap.Int("index", i+1),
			zap.Int("total", total),
			zap.String("command", cmd))

		out, err := conn.Execute(ctx, cmd)
		if err != nil {
			res.Fail(&operation.CommandError{Command: cmd, Err: err})
			log.Error("error executing commands", zap.String("error", res.Error))
			return res
		}

		res.Stdout += strings.ToValidUTF8(out.Stdout, "")
		res.Stderr += strings.ToValidUTF8(out.Stderr, "")
		res.ExitCode = out.ExitCode
		log.Debug("command completed", zap.Int("index", i+1), zap.Int("exit_code", out.ExitCode))

		if out.ExitCode != 0 {
			res.Fail(nil)
			log.Warn("command failed", zap.Int("index", i+1), zap.Int("exit_code", out.ExitCode))
			break
		}
	}

	log.Info("command execution completed", zap.Bool("success", res.Success))
	return res
}

// Ensure Runner implements the operation.Operation interface.
var _ operation.Operation = (*Runner)(nil)

package main

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eugenetaranov/jumpexec/internal/connector"
	"github.com/eugenetaranov/jumpexec/internal/connector/bastion"
	"github.com/eugenetaranov/jumpexec/internal/connector/local"
	"github.com/eugenetaranov/jumpexec/internal/dispatcher"
	"github.com/eugenetaranov/jumpexec/internal/inventory"
	"github.com/eugenetaranov/jumpexec/internal/logging"
	"github.com/eugenetaranov/jumpexec/internal/metrics"
	"github.com/eugenetaranov/jumpexec/internal/operation"
	"github.com/eugenetaranov/jumpexec/internal/operation/command"
	"github.com/eugenetaranov/jumpexec/internal/operation/upload"
	"github.com/eugenetaranov/jumpexec/internal/output"
	"github.com/eugenetaranov/jumpexec/internal/report"
)

const (
	modeExec   = "exec"
	modeUpload = "upload"
)

// plan is the validated input of a run.
type plan struct {
	mode     string
	bastion  inventory.Bastion
	targets  []inventory.Target
	commands inventory.Commands
	transfer inventory.Transfer
	timeout  time.Duration
}

// resolve merges the inventory file with the flag values and validates the
// result. Flag values win over the file.
func resolve(mode string, o options) (*plan, error) {
	inv := &inventory.Inventory{}
	if o.inventory != "" {
		var err error
		if inv, err = inventory.LoadFile(o.inventory); err != nil {
			return nil, err
		}
	}

	p := &plan{
		mode:     mode,
		bastion:  inv.Bastion,
		targets:  inv.Targets,
		commands: inv.Commands,
		transfer: inventory.Transfer{LocalPath: o.localPath, RemotePath: o.remotePath},
		timeout:  time.Duration(inventory.NormalizeTimeout(o.timeout)) * time.Second,
	}

	var err error
	if o.bastion != "" {
		if p.bastion, err = inventory.ParseBastion(o.bastion); err != nil {
			return nil, err
		}
	}
	if o.targets != "" {
		if p.targets, err = inventory.ParseTargets(o.targets); err != nil {
			return nil, err
		}
	}
	if mode == modeExec && o.commands != "" {
		if p.commands, err = inventory.ParseCommands(o.commands); err != nil {
			return nil, err
		}
	}

	// --local never dials, so the bastion is not needed.
	if !o.local {
		if err := p.bastion.Validate(); err != nil {
			return nil, err
		}
	}
	if err := inventory.ValidateTargets(p.targets); err != nil {
		return nil, err
	}

	switch mode {
	case modeExec:
		err = p.commands.Validate()
	case modeUpload:
		err = p.transfer.Validate()
	}
	if err != nil {
		return nil, err
	}

	return p, nil
}

// run validates the inputs, dispatches the operation and writes the result
// set. It returns an error only when the run could not start or the results
// could not be written; failed targets are reported in the result set.
func run(ctx context.Context, mode string, o options, stdout, stderr io.Writer) error {
	// The logger and the progress output share stderr and one lock.
	errw := zapcore.Lock(zapcore.AddSync(stderr))

	logger, err := logging.New(logging.Config{
		Level:    o.logLevel,
		Encoding: o.logFormat,
		File:     o.logFile,
	}, errw)
	if err != nil {
		return err
	}
	defer logger.Close()

	log := logger.With(zap.String("mode", mode))

	p, err := resolve(mode, o)
	if err != nil {
		log.Error("invalid input", zap.Error(err))
		return err
	}

	dialer, err := newDialer(p, o, log)
	if err != nil {
		log.Error("invalid input", zap.Error(err))
		return err
	}

	var op operation.Operation
	switch mode {
	case modeExec:
		op = command.New(p.commands, command.WithLogger(log))
	case modeUpload:
		op = upload.New(p.transfer, upload.WithLogger(log))
	}

	opts := []dispatcher.Option{
		dispatcher.WithConcurrency(o.concurrency),
		dispatcher.WithLogger(log),
	}

	var progress *output.Output
	if o.progress {
		progress = output.New(errw)
		progress.SetColor(!o.noColor)
		progress.SetDebug(o.logLevel == "debug")
		opts = append(opts, dispatcher.WithObserver(progress))
	}

	var recorder *metrics.Recorder
	if o.metricsFile != "" {
		recorder = metrics.New(mode)
		opts = append(opts, dispatcher.WithObserver(recorder))
	}

	d := dispatcher.New(dialer, op, opts...)

	if progress != nil {
		progress.RunStart(mode, len(p.targets), d.Workers(len(p.targets)))
	}

	res := d.Run(ctx, p.targets)

	if progress != nil {
		progress.Recap(res.Stats)
	}

	if recorder != nil {
		if err := recorder.WriteFile(o.metricsFile); err != nil {
			log.Warn("metrics not written", zap.Error(err))
		}
	}

	return report.WriteJSON(stdout, res.Records)
}

// newDialer returns the connector factory for the run.
func newDialer(p *plan, o options, log *zap.Logger) (connector.Dialer, error) {
	if o.local {
		return connector.DialerFunc(func(inventory.Target) connector.Connector {
			return local.New(local.WithTimeout(p.timeout))
		}), nil
	}

	policy := bastion.AcceptAndRecord()
	if o.knownHosts != "" {
		var err error
		if policy, err = bastion.KnownHosts(o.knownHosts); err != nil {
			return nil, err
		}
	}

	return bastion.NewDialer(p.bastion,
		bastion.WithTimeout(p.timeout),
		bastion.WithHostKeyPolicy(policy),
		bastion.WithLogger(log),
	), nil
}

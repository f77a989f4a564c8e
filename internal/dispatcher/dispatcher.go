// Package dispatcher fans an operation out over a fleet of targets with a
// bounded pool of workers.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eugenetaranov/jumpexec/internal/connector"
	"github.com/eugenetaranov/jumpexec/internal/inventory"
	"github.com/eugenetaranov/jumpexec/internal/operation"
	"github.com/eugenetaranov/jumpexec/internal/report"
)

// Observer is notified as targets start and finish. Calls for different
// targets may arrive concurrently.
type Observer interface {
	TargetStarted(target inventory.Target)
	TargetFinished(rec report.Record, elapsed time.Duration)
}

// Dispatcher runs one operation on every target.
type Dispatcher struct {
	dialer      connector.Dialer
	op          operation.Operation
	concurrency int
	logger      *zap.Logger
	observers   []Observer
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithConcurrency sets the number of workers. Values below 1 mean 1.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		d.concurrency = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithObserver adds an observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		d.observers = append(d.observers, o)
	}
}

// New creates a dispatcher that builds a connector per target with dialer
// and runs op on it.
func New(dialer connector.Dialer, op operation.Operation, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		dialer:      dialer,
		op:          op,
		concurrency: 1,
		logger:      zap.NewNop(),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// RunResult holds the result of a dispatch.
type RunResult struct {
	// Records holds one record per target, in completion order.
	Records []report.Record

	// Stats holds run statistics.
	Stats *Stats
}

// Stats holds run statistics.
type Stats struct {
	Targets   int
	Workers   int
	Succeeded int
	Failed    int
	StartTime time.Time
	EndTime   time.Time
}

// Duration returns the total run time.
func (s *Stats) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// GetTargets returns the target count (implements output.Stats).
func (s *Stats) GetTargets() int { return s.Targets }

// GetSucceeded returns the success count (implements output.Stats).
func (s *Stats) GetSucceeded() int { return s.Succeeded }

// GetFailed returns the failure count (implements output.Stats).
func (s *Stats) GetFailed() int { return s.Failed }

// GetDuration returns the duration (implements output.Stats).
func (s *Stats) GetDuration() time.Duration { return s.Duration() }

// Workers returns the pool size used for n targets: the configured
// concurrency, at least 1 and at most n.
func (d *Dispatcher) Workers(n int) int {
	workers := d.concurrency
	if workers < 1 {
		workers = 1
	}
	if n > 0 && workers > n {
		workers = n
	}
	return workers
}

// Run processes every target and returns once all workers have exited.
// Exactly one record is produced per target; failures are carried in the
// records and never abort the run.
func (d *Dispatcher) Run(ctx context.Context, targets []inventory.Target) *RunResult {
	stats := &Stats{
		Targets:   len(targets),
		Workers:   d.Workers(len(targets)),
		StartTime: time.Now(),
	}
	result := &RunResult{
		Records: make([]report.Record, 0, len(targets)),
		Stats:   stats,
	}

	d.logger.Info("dispatch started",
		zap.String("mode", d.op.Name()),
		zap.Int("targets", stats.Targets),
		zap.Int("workers", stats.Workers))

	queue := make(chan inventory.Target, len(targets))
	for _, t := range targets {
		queue <- t
	}
	close(queue)

	results := make(chan report.Record)

	var g errgroup.Group
	for i := 0; i < stats.Workers; i++ {
		id := i + 1
		g.Go(func() error {
			d.work(ctx, id, queue, results)
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		close(results)
	}()

	for rec := range results {
		result.Records = append(result.Records, rec)
		if rec.Succeeded() {
			stats.Succeeded++
		} else {
			stats.Failed++
		}
	}

	stats.EndTime = time.Now()
	d.logger.Info(fmt.Sprintf("%d/%d targets succeeded", stats.Succeeded, stats.Targets),
		zap.Int("failed", stats.Failed),
		zap.Duration("duration", stats.Duration()))

	return result
}

// work claims targets until the queue is drained.
func (d *Dispatcher) work(ctx context.Context, id int, queue <-chan inventory.Target, results chan<- report.Record) {
	for t := range queue {
		log := d.logger.With(zap.Int("worker", id), zap.String("target", t.Label()))
		log.Debug("target claimed")

		for _, o := range d.observers {
			o.TargetStarted(t)
		}

		start := time.Now()
		rec := d.runOne(ctx, t)
		elapsed := time.Since(start)

		log.Info("target finished",
			zap.Bool("success", rec.Succeeded()),
			zap.Duration("elapsed", elapsed))

		for _, o := range d.observers {
			o.TargetFinished(rec, elapsed)
		}

		results <- rec
	}
}

// runOne runs the operation on a fresh connector. A panic inside the
// operation is turned into a failed record of the operation's mode.
func (d *Dispatcher) runOne(ctx context.Context, t inventory.Target) (rec report.Record) {
	conn := d.dialer.Dial(t)

	defer func() {
		if r := recover(); r != nil {
			_ = conn.Close()
			rec = d.op.NewRecord(t)
			rec.Fail(fmt.Errorf("%s panicked: %v", d.op.Name(), r))
		}
	}()

	return d.op.Run(ctx, conn, t)
}

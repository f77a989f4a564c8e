package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eugenetaranov/jumpexec/internal/connector"
	"github.com/eugenetaranov/jumpexec/internal/connector/fake"
	"github.com/eugenetaranov/jumpexec/internal/inventory"
	"github.com/eugenetaranov/jumpexec/internal/operation/command"
	"github.com/eugenetaranov/jumpexec/internal/report"
)

func makeTargets(n int) []inventory.Target {
	targets := make([]inventory.Target, n)
	for i := range targets {
		targets[i] = inventory.Target{
			Name:     fmt.Sprintf("t%d", i+1),
			Host:     fmt.Sprintf("10.0.0.%d", i+1),
			User:     "root",
			Password: "x",
		}
	}
	return targets
}

// scriptedDialer returns a fake connector per target, failing the ones
// listed in down.
func scriptedDialer(down map[string]bool) connector.Dialer {
	return connector.DialerFunc(func(t inventory.Target) connector.Connector {
		c := &fake.Connector{
			Name:  t.Name,
			Delay: time.Duration(len(t.Name)) * time.Millisecond,
			Results: map[string]*connector.Result{
				"echo ok":  {Stdout: "ok from " + t.Name + "\n"},
				"hostname": {Stdout: t.Host + "\n"},
				"false":    {ExitCode: 1},
			},
		}
		if down[t.Name] {
			c.ConnectErr = &connector.ConnectionError{Host: t.Addr(), Op: "open channel", Err: fmt.Errorf("connection refused")}
		}
		return c
	})
}

func TestWorkers(t *testing.T) {
	tests := []struct {
		concurrency int
		targets     int
		want        int
	}{
		{1, 5, 1},
		{3, 5, 3},
		{10, 5, 5},
		{0, 5, 1},
		{-2, 5, 1},
		{4, 0, 4},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("c%d_t%d", tt.concurrency, tt.targets), func(t *testing.T) {
			d := New(nil, command.New(nil), WithConcurrency(tt.concurrency))
			if got := d.Workers(tt.targets); got != tt.want {
				t.Errorf("Workers(%d) = %d, want %d", tt.targets, got, tt.want)
			}
		})
	}
}

func TestOneRecordPerTarget(t *testing.T) {
	targets := makeTargets(7)
	down := map[string]bool{"t2": true, "t5": true}

	d := New(scriptedDialer(down), command.New(inventory.Commands{"echo ok", "hostname"}), WithConcurrency(3))
	res := d.Run(context.Background(), targets)

	require.Len(t, res.Records, len(targets))
	assert.Equal(t, 7, res.Stats.Targets)
	assert.Equal(t, 3, res.Stats.Workers)
	assert.Equal(t, 5, res.Stats.Succeeded)
	assert.Equal(t, 2, res.Stats.Failed)
	assert.False(t, res.Stats.EndTime.Before(res.Stats.StartTime))

	seen := make(map[string]int)
	for _, rec := range res.Records {
		cr := rec.(*report.CommandResult)
		seen[cr.Name]++
		if down[cr.Name] {
			assert.False(t, cr.Success)
			assert.Contains(t, cr.Error, "ConnectionError: ")
			assert.Empty(t, cr.Stdout)
		} else {
			assert.True(t, cr.Success)
			assert.Equal(t, "ok from "+cr.Name+"\n"+cr.Host+"\n", cr.Stdout)
		}
	}
	for _, tgt := range targets {
		assert.Equal(t, 1, seen[tgt.Name], "target %s", tgt.Name)
	}
}

func TestConcurrencyDoesNotChangeContent(t *testing.T) {
	const k = 3
	targets := makeTargets(k + 3)
	down := map[string]bool{"t4": true}
	cmds := inventory.Commands{"echo ok", "false", "hostname"}

	summarize := func(concurrency int) []string {
		d := New(scriptedDialer(down), command.New(cmds), WithConcurrency(concurrency))
		res := d.Run(context.Background(), targets)

		var out []string
		for _, rec := range res.Records {
			cr := rec.(*report.CommandResult)
			out = append(out, fmt.Sprintf("%s|%v|%d|%q|%q|%q", cr.Name, cr.Success, cr.ExitCode, cr.Stdout, cr.Stderr, cr.Error))
		}
		sort.Strings(out)
		return out
	}

	assert.Equal(t, summarize(1), summarize(k))
}

// gateOp holds every call until n calls are in flight at once.
type gateOp struct {
	n        int32
	inflight atomic.Int32
	max      atomic.Int32
	ready    chan struct{}
	once     sync.Once
}

func (g *gateOp) Name() string { return "gate" }

func (g *gateOp) NewRecord(t inventory.Target) report.Record { return report.NewCommandResult(t) }

func (g *gateOp) Run(ctx context.Context, conn connector.Connector, t inventory.Target) report.Record {
	defer conn.Close()

	cur := g.inflight.Add(1)
	for {
		m := g.max.Load()
		if cur <= m || g.max.CompareAndSwap(m, cur) {
			break
		}
	}
	if cur >= g.n {
		g.once.Do(func() { close(g.ready) })
	}

	select {
	case <-g.ready:
	case <-time.After(2 * time.Second):
	}
	g.inflight.Add(-1)

	rec := report.NewCommandResult(t)
	return rec
}

func TestWorkersRunInParallel(t *testing.T) {
	op := &gateOp{n: 3, ready: make(chan struct{})}
	d := New(scriptedDialer(nil), op, WithConcurrency(3))

	res := d.Run(context.Background(), makeTargets(9))

	assert.Len(t, res.Records, 9)
	assert.Equal(t, int32(3), op.max.Load())
}

func TestSingleWorkerIsSequential(t *testing.T) {
	op := &gateOp{n: 2, ready: make(chan struct{})}
	close(op.ready)
	d := New(scriptedDialer(nil), op, WithConcurrency(1))

	res := d.Run(context.Background(), makeTargets(4))

	assert.Len(t, res.Records, 4)
	assert.Equal(t, int32(1), op.max.Load())
}

type mockOp struct {
	mock.Mock
}

func (m *mockOp) Name() string {
	return m.Called().String(0)
}

func (m *mockOp) NewRecord(t inventory.Target) report.Record {
	return report.NewCommandResult(t)
}

func (m *mockOp) Run(ctx context.Context, conn connector.Connector, t inventory.Target) report.Record {
	args := m.Called(ctx, conn, t)
	return args.Get(0).(report.Record)
}

func TestEachTargetRunOnce(t *testing.T) {
	targets := makeTargets(4)
	op := &mockOp{}
	op.On("Name").Return("exec")
	for _, tgt := range targets {
		op.On("Run", mock.Anything, mock.Anything, tgt).Return(report.NewCommandResult(tgt)).Once()
	}

	res := New(scriptedDialer(nil), op, WithConcurrency(2)).Run(context.Background(), targets)

	assert.Len(t, res.Records, 4)
	op.AssertExpectations(t)
}

// panicOp panics on t2. It produces upload records when upload is set.
type panicOp struct {
	upload bool
}

func (panicOp) Name() string { return "boom" }

func (p panicOp) NewRecord(t inventory.Target) report.Record {
	if p.upload {
		return report.NewUploadResult(t)
	}
	return report.NewCommandResult(t)
}

func (p panicOp) Run(ctx context.Context, conn connector.Connector, t inventory.Target) report.Record {
	if t.Name == "t2" {
		panic("unexpected state")
	}
	conn.Close()
	return p.NewRecord(t)
}

func TestPanicBecomesFailedRecord(t *testing.T) {
	res := New(scriptedDialer(nil), panicOp{}, WithConcurrency(2)).Run(context.Background(), makeTargets(3))

	require.Len(t, res.Records, 3)
	assert.Equal(t, 1, res.Stats.Failed)
	for _, rec := range res.Records {
		if rec.Label() == "t2" {
			assert.False(t, rec.Succeeded())
			assert.Equal(t, "Error: boom panicked: unexpected state", rec.Summary())
			assert.IsType(t, &report.CommandResult{}, rec)
		}
	}
}

func TestPanicRecordKeepsModeFields(t *testing.T) {
	tests := []struct {
		name   string
		upload bool
		keys   []string
	}{
		{"exec", false, []string{"name", "host", "success", "error", "stdout", "stderr", "exit_code"}},
		{"upload", true, []string{"name", "host", "success", "error", "uploaded_files", "failed_files"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := New(scriptedDialer(nil), panicOp{upload: tt.upload}, WithConcurrency(2)).
				Run(context.Background(), makeTargets(3))

			var buf bytes.Buffer
			require.NoError(t, report.WriteJSON(&buf, res.Records))

			var records []map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &records))
			require.Len(t, records, 3)
			for _, rec := range records {
				keys := make([]string, 0, len(rec))
				for k := range rec {
					keys = append(keys, k)
				}
				assert.ElementsMatch(t, tt.keys, keys, "record %v", rec["name"])
			}
		})
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	started  []string
	finished []string
}

func (o *recordingObserver) TargetStarted(t inventory.Target) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, t.Label())
}

func (o *recordingObserver) TargetFinished(rec report.Record, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, rec.Label())
}

func TestObserver(t *testing.T) {
	obs := &recordingObserver{}
	d := New(scriptedDialer(nil), command.New(inventory.Commands{"echo ok"}), WithConcurrency(2), WithObserver(obs))

	d.Run(context.Background(), makeTargets(5))

	assert.ElementsMatch(t, []string{"t1", "t2", "t3", "t4", "t5"}, obs.started)
	assert.ElementsMatch(t, obs.started, obs.finished)
}

func TestNoTargets(t *testing.T) {
	res := New(scriptedDialer(nil), command.New(inventory.Commands{"echo ok"})).Run(context.Background(), nil)

	assert.NotNil(t, res.Records)
	assert.Empty(t, res.Records)
	assert.Equal(t, 0, res.Stats.Targets)
}

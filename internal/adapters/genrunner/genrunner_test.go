package genrunner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keepsake-labs/keepsake/internal/domain/model"
)

type fakeJobSource struct {
	mu         sync.Mutex
	queue      []*model.Job
	reserveErr error
	heartbeat  bool
	notify     chan struct{}
}

func newFakeJobSource(jobs ...*model.Job) *fakeJobSource {
	return &fakeJobSource{queue: jobs, heartbeat: true, notify: make(chan struct{}, 1)}
}

func (f *fakeJobSource) ReserveNext(_ context.Context, _ model.JobKind, _ time.Duration) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reserveErr != nil {
		return nil, f.reserveErr
	}
	if len(f.queue) == 0 {
		return nil, model.ErrNoJobsAvailable
	}
	job := f.queue[0]
	f.queue = f.queue[1:]
	return job, nil
}

func (f *fakeJobSource) Subscribe(_ model.JobKind) (func(), <-chan struct{}) {
	return func() {}, f.notify
}

func (f *fakeJobSource) Heartbeat(_ context.Context, _ string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeat, nil
}

type fakeProcessor struct {
	processed atomic.Int64
	block     chan struct{} // when set, ProcessJob waits on it or ctx
	lastCtx   atomic.Value
	err       error
}

func (p *fakeProcessor) ProcessJob(ctx context.Context, _ *model.Job) error {
	p.processed.Add(1)
	p.lastCtx.Store(ctx)
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
		}
	}
	return p.err
}

func testJob(id string) *model.Job {
	return &model.Job{ID: id, Kind: model.JobKindGeneration, Status: model.JobStatusProcessing}
}

func TestNewRunner_Validation(t *testing.T) {
	_, err := NewRunner(RunnerOptions{Processor: &fakeProcessor{}})
	require.Error(t, err)

	_, err = NewRunner(RunnerOptions{Jobs: newFakeJobSource()})
	require.Error(t, err)
}

func TestRun_ProcessesQueuedJobs(t *testing.T) {
	source := newFakeJobSource(testJob("a"), testJob("b"))
	processor := &fakeProcessor{}
	runner := MustNewRunner(RunnerOptions{Jobs: source, Processor: processor, Concurrency: 2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		return processor.processed.Load() == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRun_WakesOnNotification(t *testing.T) {
	source := newFakeJobSource()
	processor := &fakeProcessor{}
	runner := MustNewRunner(RunnerOptions{Jobs: source, Processor: processor})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	// The runner is parked on the empty queue; enqueue and wake it.
	source.mu.Lock()
	source.queue = append(source.queue, testJob("late"))
	source.mu.Unlock()
	source.notify <- struct{}{}

	require.Eventually(t, func() bool {
		return processor.processed.Load() == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRun_ReserveErrorStopsRunner(t *testing.T) {
	source := newFakeJobSource()
	source.reserveErr = errors.New("database gone")
	runner := MustNewRunner(RunnerOptions{Jobs: source, Processor: &fakeProcessor{}, Concurrency: 3})

	err := runner.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserve next")
}

func TestHeartbeat_LostLeaseCancelsJob(t *testing.T) {
	source := newFakeJobSource(testJob("a"))
	source.heartbeat = false

	processor := &fakeProcessor{block: make(chan struct{})}
	runner := MustNewRunner(RunnerOptions{
		Jobs:      source,
		Processor: processor,
		Lease:     2 * time.Second, // heartbeat cadence clamps to 1s
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	// The failed renewal must cancel the in-flight job's context.
	require.Eventually(t, func() bool {
		v := processor.lastCtx.Load()
		if v == nil {
			return false
		}
		jobCtx, ok := v.(context.Context)
		return ok && jobCtx.Err() != nil
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRun_ProcessorErrorDoesNotStopRunner(t *testing.T) {
	source := newFakeJobSource(testJob("a"), testJob("b"))
	processor := &fakeProcessor{err: errors.New("terminal write failed")}
	runner := MustNewRunner(RunnerOptions{Jobs: source, Processor: processor})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		return processor.processed.Load() == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

package scheduler

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []TaskExecution
	pruned  []time.Time
}

func (r *fakeRecorder) RecordExecution(e TaskExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, e)
	return nil
}

func (r *fakeRecorder) PruneExecutions(before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruned = append(r.pruned, before)
	return 0, nil
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestScheduler(t *testing.T, defs []TaskDefinition, run TaskFunc, clock *fakeClock, rec *fakeRecorder) *Scheduler {
	t.Helper()
	opts := Options{
		Logger: quietLogger(),
		Now:    clock.Now,
		Jitter: func() float64 { return 0 },
	}
	if rec != nil {
		opts.Recorder = rec
	}
	s, err := New(defs, run, opts)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func task(id, schedule string, deps ...string) TaskDefinition {
	return TaskDefinition{ID: id, Schedule: schedule, Enabled: true, Dependencies: deps}
}

func TestRetriesNeverExceedRetryCount(t *testing.T) {
	clock := newClock()
	rec := &fakeRecorder{}
	def := task("flaky", "@every 1h")
	def.RetryCount = 2
	def.RetryDelaySeconds = 10
	def.Backoff = BackoffFixed

	var calls atomic.Int32
	s := newTestScheduler(t, []TaskDefinition{def}, func(ctx context.Context, d TaskDefinition) error {
		calls.Add(1)
		return errors.New("always fails")
	}, clock, rec)

	for i := 0; i < 6; i++ {
		s.Tick()
		s.Wait()
		clock.Advance(10 * time.Second)
	}

	execs := s.Executions("flaky", 0)
	require.Len(t, execs, 3)
	assert.Equal(t, int32(3), calls.Load())
	for i, e := range execs {
		assert.Equal(t, StatusFailed, e.Status)
		assert.Equal(t, 2-i, e.Attempt, "newest first")
		assert.Equal(t, "always fails", e.Error)
	}
	assert.Equal(t, execs[1].EndedAt.Add(10*time.Second), execs[0].StartedAt)

	latest, ok := s.Latest("flaky")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, latest.Status)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.NotEmpty(t, rec.records)
	assert.NotEmpty(t, rec.pruned)
}

func TestDependencyGating(t *testing.T) {
	clock := newClock()
	var mu sync.Mutex
	var ran []string
	fail := map[string]bool{"a": true}

	defs := []TaskDefinition{task("b", "@every 1h", "a"), task("a", "@every 1h")}
	s := newTestScheduler(t, defs, func(ctx context.Context, d TaskDefinition) error {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, d.ID)
		if fail[d.ID] {
			return errors.New("boom")
		}
		return nil
	}, clock, nil)

	s.Tick()
	s.Wait()
	s.Tick()
	s.Wait()
	mu.Lock()
	assert.Equal(t, []string{"a"}, ran, "b never starts while a's latest run failed")
	fail["a"] = false
	mu.Unlock()

	clock.Advance(time.Hour)
	s.Tick()
	s.Wait()
	s.Tick()
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "a", "b"}, ran)
}

func TestRetryWaitsForDependencies(t *testing.T) {
	clock := newClock()
	var mu sync.Mutex
	var ran []string
	fail := map[string]bool{"b": true}

	b := task("b", "@every 1h", "a")
	b.RetryCount = 1
	b.RetryDelaySeconds = 300
	b.Backoff = BackoffFixed
	s := newTestScheduler(t, []TaskDefinition{task("a", "@every 3m"), b}, func(ctx context.Context, d TaskDefinition) error {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, d.ID)
		if fail[d.ID] {
			return errors.New("boom")
		}
		return nil
	}, clock, nil)

	s.Tick()
	s.Wait()
	s.Tick()
	s.Wait()
	mu.Lock()
	require.Equal(t, []string{"a", "b"}, ran)
	fail["a"], fail["b"] = true, false
	mu.Unlock()

	// a fails while b's retry is still backing off.
	clock.Advance(3 * time.Minute)
	s.Tick()
	s.Wait()

	// The retry is due, but its dependency's latest run failed.
	clock.Advance(2 * time.Minute)
	s.Tick()
	s.Wait()
	mu.Lock()
	assert.Equal(t, []string{"a", "b", "a"}, ran)
	fail["a"] = false
	mu.Unlock()
	latest, ok := s.Latest("b")
	require.True(t, ok)
	assert.Equal(t, StatusPending, latest.Status)
	assert.Equal(t, 1, latest.Attempt)

	clock.Advance(time.Minute)
	s.Tick()
	s.Wait()
	s.Tick()
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "a", "a", "b"}, ran)
	latest, ok = s.Latest("b")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, latest.Status)
	assert.Equal(t, 1, latest.Attempt)
}

func TestSingleInFlightPerTask(t *testing.T) {
	clock := newClock()
	release := make(chan struct{})
	var running, peak atomic.Int32

	s := newTestScheduler(t, []TaskDefinition{task("slow", "@every 1m")}, func(ctx context.Context, d TaskDefinition) error {
		n := running.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		defer running.Add(-1)
		<-release
		return nil
	}, clock, nil)

	s.Tick()
	assert.True(t, s.Running("slow"))

	clock.Advance(5 * time.Minute)
	s.Tick()
	_, err := s.RunNow(context.Background(), "slow")
	assert.True(t, errors.Is(err, ErrTaskBusy))

	close(release)
	s.Wait()
	assert.Equal(t, int32(1), peak.Load())
	assert.Len(t, s.Executions("slow", 0), 1)
	assert.False(t, s.Running("slow"))
}

func TestTimeoutFailsExecution(t *testing.T) {
	clock := newClock()
	def := task("stuck", "@every 1h")
	def.TimeoutSeconds = 1

	s := newTestScheduler(t, []TaskDefinition{def}, func(ctx context.Context, d TaskDefinition) error {
		<-ctx.Done()
		return ctx.Err()
	}, clock, nil)

	s.Tick()
	s.Wait()

	e, ok := s.Latest("stuck")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, e.Status)
	assert.Contains(t, e.Error, "timed out")
}

func TestTimedOutBodyStaysBusyUntilReturn(t *testing.T) {
	clock := newClock()
	def := task("stubborn", "@every 1s")
	def.TimeoutSeconds = 1
	def.RetryCount = 1
	release := make(chan struct{})

	var calls atomic.Int32
	s := newTestScheduler(t, []TaskDefinition{def}, func(ctx context.Context, d TaskDefinition) error {
		calls.Add(1)
		if calls.Load() == 1 {
			<-release // ignores ctx
		}
		return nil
	}, clock, nil)

	s.Tick()
	time.Sleep(1500 * time.Millisecond)
	clock.Advance(time.Minute)
	s.Tick()
	assert.True(t, s.Running("stubborn"))
	assert.Equal(t, int32(1), calls.Load())

	close(release)
	s.Wait()
	e, _ := s.Latest("stubborn")
	assert.Equal(t, StatusPending, e.Status, "a completed-after-timeout body is a failure and schedules a retry")

	s.Tick()
	s.Wait()
	e, _ = s.Latest("stubborn")
	assert.Equal(t, StatusCompleted, e.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPanicIsRecovered(t *testing.T) {
	clock := newClock()
	s := newTestScheduler(t, []TaskDefinition{task("p", "@every 1h")}, func(ctx context.Context, d TaskDefinition) error {
		panic("kaboom")
	}, clock, nil)

	s.Tick()
	s.Wait()
	e, _ := s.Latest("p")
	assert.Equal(t, StatusFailed, e.Status)
	assert.Equal(t, "panic: kaboom", e.Error)
}

func TestStartupDelayAndSchedule(t *testing.T) {
	clock := newClock()
	var calls atomic.Int32
	s, err := New([]TaskDefinition{task("t", "@every 10m")}, func(ctx context.Context, d TaskDefinition) error {
		calls.Add(1)
		return nil
	}, Options{Logger: quietLogger(), Now: clock.Now, StartupDelay: 5 * time.Minute})
	require.NoError(t, err)
	t.Cleanup(s.Stop)

	s.Tick()
	s.Wait()
	assert.Equal(t, int32(0), calls.Load())

	clock.Advance(5 * time.Minute)
	s.Tick()
	s.Wait()
	assert.Equal(t, int32(1), calls.Load())

	clock.Advance(9 * time.Minute)
	s.Tick()
	s.Wait()
	assert.Equal(t, int32(1), calls.Load())

	clock.Advance(time.Minute)
	s.Tick()
	s.Wait()
	assert.Equal(t, int32(2), calls.Load())
}

func TestDisabledTaskNotScheduled(t *testing.T) {
	clock := newClock()
	def := task("off", "@every 1m")
	def.Enabled = false
	var calls atomic.Int32
	s := newTestScheduler(t, []TaskDefinition{def}, func(ctx context.Context, d TaskDefinition) error {
		calls.Add(1)
		return nil
	}, clock, nil)

	s.Tick()
	s.Wait()
	assert.Equal(t, int32(0), calls.Load())

	e, err := s.RunNow(context.Background(), "off")
	require.NoError(t, err)
	assert.True(t, e.AdHoc)
	s.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestPruneOldExecutions(t *testing.T) {
	clock := newClock()
	rec := &fakeRecorder{}
	s := newTestScheduler(t, []TaskDefinition{task("daily", "@every 48h")}, func(ctx context.Context, d TaskDefinition) error {
		return nil
	}, clock, rec)

	s.Tick()
	s.Wait()
	require.Len(t, s.Executions("", 0), 1)

	// Past retention, but still the task's latest execution.
	clock.Advance(25 * time.Hour)
	s.Tick()
	require.Len(t, s.Executions("", 0), 1)

	clock.Advance(23 * time.Hour)
	s.Tick()
	s.Wait()
	require.Len(t, s.Executions("", 0), 2)

	clock.Advance(time.Minute)
	s.Tick()
	execs := s.Executions("", 0)
	require.Len(t, execs, 1)
	assert.Equal(t, clock.Now().Add(-time.Minute), execs[0].CreatedAt)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	last := rec.pruned[len(rec.pruned)-1]
	assert.Equal(t, clock.Now().Add(-DefaultRetention), last)
}

func TestPruneKeepsDependencyCompletion(t *testing.T) {
	clock := newClock()
	var mu sync.Mutex
	var ran []string
	defs := []TaskDefinition{task("weekly", "@every 168h"), task("hourly", "@every 1h", "weekly")}
	s := newTestScheduler(t, defs, func(ctx context.Context, d TaskDefinition) error {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, d.ID)
		return nil
	}, clock, nil)

	s.Tick()
	s.Wait()
	s.Tick()
	s.Wait()

	clock.Advance(25 * time.Hour)
	s.Tick()
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"weekly", "hourly", "hourly"}, ran)
	latest, ok := s.Latest("weekly")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, latest.Status)
}

func TestRunNowErrors(t *testing.T) {
	clock := newClock()
	s := newTestScheduler(t, []TaskDefinition{task("a", "@every 1h"), task("b", "@every 1h", "a")},
		func(ctx context.Context, d TaskDefinition) error { return nil }, clock, nil)

	_, err := s.RunNow(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrUnknownTask))

	_, err = s.RunNow(context.Background(), "b")
	assert.True(t, errors.Is(err, ErrDependenciesPending))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.RunNow(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStopCancelsRunning(t *testing.T) {
	clock := newClock()
	started := make(chan struct{})
	s, err := New([]TaskDefinition{task("long", "@every 1h")}, func(ctx context.Context, d TaskDefinition) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, Options{Logger: quietLogger(), Now: clock.Now})
	require.NoError(t, err)

	s.Tick()
	<-started
	s.Stop()

	e, _ := s.Latest("long")
	assert.Equal(t, StatusCancelled, e.Status)

	_, err = s.RunNow(context.Background(), "long")
	assert.Error(t, err)
}

func TestRestoreSeedsHistory(t *testing.T) {
	clock := newClock()
	s := newTestScheduler(t, []TaskDefinition{task("a", "@every 1h"), task("b", "@every 1h", "a")},
		func(ctx context.Context, d TaskDefinition) error { return nil }, clock, nil)

	s.Restore([]TaskExecution{
		{ID: "1", TaskID: "a", Status: StatusCompleted, CreatedAt: clock.Now().Add(-10 * time.Minute), StartedAt: clock.Now().Add(-10 * time.Minute)},
		{ID: "2", TaskID: "a", Status: StatusRunning, CreatedAt: clock.Now()},
		{ID: "3", TaskID: "gone", Status: StatusCompleted, CreatedAt: clock.Now()},
	})

	s.Tick()
	s.Wait()
	assert.Len(t, s.Executions("a", 0), 1, "a ran 10m ago and is not due")
	b := s.Executions("b", 0)
	require.Len(t, b, 1)
	assert.Equal(t, StatusCompleted, b[0].Status)
}

func TestValidate(t *testing.T) {
	order, err := Validate([]TaskDefinition{task("link", "@every 1h", "correlate"), task("correlate", "5m", "index"), task("index", "*/5 * * * *")})
	require.NoError(t, err)
	assert.Equal(t, []string{"index", "correlate", "link"}, order)

	_, err = Validate([]TaskDefinition{task("a", "1h"), task("a", "1h")})
	assert.True(t, errors.Is(err, ErrInvalidTaskGraph))

	_, err = Validate([]TaskDefinition{task("a", "1h", "ghost")})
	assert.True(t, errors.Is(err, ErrInvalidTaskGraph))

	_, err = Validate([]TaskDefinition{task("a", "whenever")})
	assert.True(t, errors.Is(err, ErrInvalidTaskGraph))

	_, err = Validate([]TaskDefinition{task("a", "1h", "a")})
	assert.True(t, errors.Is(err, ErrCycleFound))

	_, err = Validate([]TaskDefinition{task("a", "1h", "c"), task("b", "1h", "a"), task("c", "1h", "b")})
	require.True(t, errors.Is(err, ErrCycleFound))
	var ge *GraphError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "cycle: a -> b -> c -> a", ge.Msg)
}

func TestParseSchedule(t *testing.T) {
	base := time.Date(2024, 5, 1, 9, 2, 0, 0, time.UTC)
	cases := map[string]time.Time{
		"@every 5m":   base.Add(5 * time.Minute),
		"90s":         base.Add(90 * time.Second),
		"@hourly":     base.Add(time.Hour),
		"@daily":      base.Add(24 * time.Hour),
		"@weekly":     base.Add(7 * 24 * time.Hour),
		"*/5 * * * *": time.Date(2024, 5, 1, 9, 5, 0, 0, time.UTC),
	}
	for spec, want := range cases {
		sched, err := ParseSchedule(spec)
		require.NoError(t, err, spec)
		assert.Equal(t, want, sched.Next(base), spec)
	}

	for _, bad := range []string{"", "0s", "-1m", "@every nope", "whenever", "* * *"} {
		_, err := ParseSchedule(bad)
		assert.Error(t, err, bad)
	}
}

func TestRetryDelay(t *testing.T) {
	def := TaskDefinition{RetryDelaySeconds: 30}
	zero := func() float64 { return 0 }
	assert.Equal(t, 30*time.Second, RetryDelay(def, 1, zero))
	assert.Equal(t, 60*time.Second, RetryDelay(def, 2, zero))
	assert.Equal(t, 120*time.Second, RetryDelay(def, 3, zero))
	assert.Equal(t, time.Hour, RetryDelay(def, 20, zero))

	high := func() float64 { return 0.5 }
	assert.Equal(t, 33*time.Second, RetryDelay(def, 1, high))
	assert.Equal(t, time.Hour, RetryDelay(def, 20, high), "jitter never exceeds the cap")

	def.Backoff = BackoffFixed
	assert.Equal(t, 30*time.Second, RetryDelay(def, 5, high))
	assert.Equal(t, time.Duration(0), RetryDelay(TaskDefinition{}, 1, zero))

	for i := 1; i < 10; i++ {
		d := RetryDelay(TaskDefinition{RetryDelaySeconds: 10}, i, nil)
		assert.LessOrEqual(t, d, time.Hour)
		assert.GreaterOrEqual(t, d, 10*time.Second)
	}
}

func TestTransition(t *testing.T) {
	e := &TaskExecution{ID: "x", Status: StatusPending}
	require.NoError(t, Transition(e, StatusPending, StatusRunning))
	assert.Error(t, Transition(e, StatusPending, StatusRunning), "stale from")
	require.NoError(t, Transition(e, StatusRunning, StatusCompleted))
	assert.Error(t, Transition(e, StatusCompleted, StatusRunning), "terminal is final")
	assert.True(t, IsTerminal(e.Status))
}

func TestParseDefinitions(t *testing.T) {
	defs, err := ParseDefinitions([]byte(`
tasks:
  - id: index
    schedule: "@every 15m"
    timeout_seconds: 600
    max_runtime_minutes: 5
    parameters: {kind: index}
  - id: link
    schedule: "@hourly"
    dependencies: [index]
    retry_count: 2
    retry_delay_seconds: 60
    enabled: false
    parameters: {kind: link, dry_run: true}
`))
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.True(t, defs[0].Enabled, "enabled defaults to true")
	assert.Equal(t, 5*time.Minute, defs[0].Timeout())
	assert.Equal(t, "index", defs[0].Kind())
	assert.False(t, defs[1].Enabled)
	assert.Equal(t, "true", defs[1].Param("dry_run"))

	_, err = ParseDefinitions([]byte("tasks:\n  - id: a\n    schedule: 1h\n    dependencies: [b]\n"))
	assert.True(t, errors.Is(err, ErrInvalidTaskGraph))
	assert.True(t, strings.Contains(err.Error(), "unknown task"))
}

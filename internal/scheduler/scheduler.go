package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultTickInterval = 30 * time.Second
	DefaultStartupDelay = 5 * time.Minute
	DefaultRetention    = 24 * time.Hour
)

var errStopped = errors.New("scheduler stopped")

// TaskFunc is the body of a task. It must return when ctx is done.
type TaskFunc func(ctx context.Context, def TaskDefinition) error

// Recorder persists executions.
type Recorder interface {
	RecordExecution(exec TaskExecution) error
	PruneExecutions(before time.Time) (int64, error)
}

// Observer is told about every execution state change.
type Observer interface {
	ExecutionChanged(exec TaskExecution)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(exec TaskExecution)

func (f ObserverFunc) ExecutionChanged(exec TaskExecution) { f(exec) }

// Options configure a Scheduler. Zero values select defaults, except
// StartupDelay where zero lets tasks start on the first tick.
type Options struct {
	TickInterval time.Duration
	StartupDelay time.Duration
	Retention    time.Duration
	Recorder     Recorder
	Observers    []Observer
	Logger       *log.Logger

	// Now and Jitter are injectable for tests.
	Now    func() time.Time
	Jitter func() float64
}

// Scheduler decides which tasks to start on each tick and tracks their
// executions.
type Scheduler struct {
	defs      map[string]TaskDefinition
	order     []string
	schedules map[string]Schedule
	run       TaskFunc

	tick         time.Duration
	startupDelay time.Duration
	retention    time.Duration
	recorder     Recorder
	observers    []Observer
	logger       *log.Logger
	now          func() time.Time
	jitter       func() float64

	mu        sync.Mutex
	history   []*TaskExecution
	lastStart map[string]time.Time
	running   map[string]bool
	started   time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	bodies   sync.WaitGroup
	loopDone chan struct{}
	stopOnce sync.Once
}

// New validates the definitions and returns a scheduler that has not
// started ticking.
func New(defs []TaskDefinition, run TaskFunc, opts Options) (*Scheduler, error) {
	if run == nil {
		return nil, fmt.Errorf("task function is required")
	}
	order, err := Validate(defs)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		defs:         make(map[string]TaskDefinition, len(defs)),
		order:        order,
		schedules:    make(map[string]Schedule, len(defs)),
		run:          run,
		tick:         opts.TickInterval,
		startupDelay: opts.StartupDelay,
		retention:    opts.Retention,
		recorder:     opts.Recorder,
		observers:    opts.Observers,
		logger:       opts.Logger,
		now:          opts.Now,
		jitter:       opts.Jitter,
		lastStart:    make(map[string]time.Time),
		running:      make(map[string]bool),
	}
	if s.tick <= 0 {
		s.tick = DefaultTickInterval
	}
	if s.startupDelay < 0 {
		s.startupDelay = 0
	}
	if s.retention <= 0 {
		s.retention = DefaultRetention
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}

	for _, d := range defs {
		sched, err := ParseSchedule(d.Schedule)
		if err != nil {
			return nil, invalidf("task %q: %v", d.ID, err)
		}
		s.defs[d.ID] = d
		s.schedules[d.ID] = sched
	}
	s.started = s.now()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Start runs the tick loop until ctx is done or Stop is called. The first
// tick happens immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.started = s.now()
	s.loopDone = make(chan struct{})
	s.mu.Unlock()

	s.logger.Printf("scheduler: started with %d tasks, tick %s, startup delay %s", len(s.order), s.tick, s.startupDelay)
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.Tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Stop cancels running executions, waits for their bodies to return, and
// drops pending retries. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.mu.Lock()
		done := s.loopDone
		s.mu.Unlock()
		if done != nil {
			<-done
		}
		s.bodies.Wait()

		var changed []TaskExecution
		s.mu.Lock()
		for _, e := range s.history {
			if e.Status == StatusPending && Transition(e, StatusPending, StatusCancelled) == nil {
				e.EndedAt = s.now()
				e.Error = errStopped.Error()
				changed = append(changed, *e)
			}
		}
		s.mu.Unlock()
		s.emit(changed...)
		s.logger.Printf("scheduler: stopped")
	})
}

// Wait blocks until every running task body has returned.
func (s *Scheduler) Wait() {
	s.bodies.Wait()
}

// Tick runs one scheduling pass: prune old history, launch due retries,
// then start every enabled task that is due, idle, and whose dependencies
// completed.
func (s *Scheduler) Tick() {
	if s.ctx.Err() != nil {
		return
	}
	now := s.now()
	cutoff := now.Add(-s.retention)

	var changed []TaskExecution
	s.mu.Lock()
	pruned := s.prune(cutoff)
	for _, e := range s.history {
		if e.Status != StatusPending || now.Before(e.NotBefore) || s.running[e.TaskID] {
			continue
		}
		def, ok := s.defs[e.TaskID]
		if !ok {
			continue
		}
		if dep, reason := s.pendingDependency(def); dep != "" {
			s.logger.Printf("scheduler: retry of %s waiting on %s (%s)", e.TaskID, dep, reason)
			continue
		}
		changed = append(changed, s.launch(e, now))
	}
	for _, id := range s.order {
		if exec, ok := s.maybeStart(id, now); ok {
			changed = append(changed, exec)
		}
	}
	s.mu.Unlock()

	if pruned > 0 {
		s.logger.Printf("scheduler: pruned %d executions older than %s", pruned, s.retention)
	}
	if s.recorder != nil {
		if _, err := s.recorder.PruneExecutions(cutoff); err != nil {
			s.logger.Printf("scheduler: prune recorded executions: %v", err)
		}
	}
	s.emit(changed...)
}

// prune drops finished executions created before cutoff. The latest
// execution of each task always survives so dependents can still see it.
// Caller holds mu.
func (s *Scheduler) prune(cutoff time.Time) int {
	latest := make(map[string]*TaskExecution, len(s.defs))
	for _, e := range s.history {
		latest[e.TaskID] = e
	}
	kept := s.history[:0]
	n := 0
	for _, e := range s.history {
		if IsTerminal(e.Status) && e.CreatedAt.Before(cutoff) && latest[e.TaskID] != e {
			n++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(s.history); i++ {
		s.history[i] = nil
	}
	s.history = kept
	return n
}

// maybeStart starts task id if it is due. Caller holds mu.
func (s *Scheduler) maybeStart(id string, now time.Time) (TaskExecution, bool) {
	def := s.defs[id]
	if !def.Enabled || s.busy(id) || !s.due(id, now) {
		return TaskExecution{}, false
	}
	if dep, reason := s.pendingDependency(def); dep != "" {
		s.logger.Printf("scheduler: task %s waiting on %s (%s)", id, dep, reason)
		return TaskExecution{}, false
	}
	exec := s.newExecution(id, 0, now)
	return s.launch(exec, now), true
}

// due reports whether the task's schedule has elapsed since its last
// start. A task that never ran waits out the startup delay.
func (s *Scheduler) due(id string, now time.Time) bool {
	last, ok := s.lastStart[id]
	if !ok {
		return !now.Before(s.started.Add(s.startupDelay))
	}
	next := s.schedules[id].Next(last)
	return !next.IsZero() && !now.Before(next)
}

// busy reports whether the task is running or has a retry queued.
func (s *Scheduler) busy(id string) bool {
	if s.running[id] {
		return true
	}
	for _, e := range s.history {
		if e.TaskID == id && e.Status == StatusPending {
			return true
		}
	}
	return false
}

// pendingDependency returns the first dependency whose latest execution
// did not complete, with a reason.
func (s *Scheduler) pendingDependency(def TaskDefinition) (string, string) {
	for _, dep := range def.Dependencies {
		latest := s.latest(dep)
		switch {
		case latest == nil:
			return dep, "never ran"
		case latest.Status != StatusCompleted:
			return dep, string(latest.Status)
		}
	}
	return "", ""
}

func (s *Scheduler) latest(id string) *TaskExecution {
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].TaskID == id {
			return s.history[i]
		}
	}
	return nil
}

func (s *Scheduler) newExecution(id string, attempt int, now time.Time) *TaskExecution {
	exec := &TaskExecution{
		ID:        uuid.NewString(),
		TaskID:    id,
		Status:    StatusPending,
		Attempt:   attempt,
		CreatedAt: now,
	}
	s.history = append(s.history, exec)
	return exec
}

// launch moves a pending execution to running and starts its body.
// Caller holds mu.
func (s *Scheduler) launch(exec *TaskExecution, now time.Time) TaskExecution {
	if err := Transition(exec, StatusPending, StatusRunning); err != nil {
		s.logger.Printf("scheduler: %v", err)
		return *exec
	}
	def := s.defs[exec.TaskID]
	exec.StartedAt = now
	s.running[exec.TaskID] = true
	s.lastStart[exec.TaskID] = now

	s.logger.Printf("scheduler: starting task %s (execution %s, attempt %d)", exec.TaskID, exec.ID, exec.Attempt)
	s.bodies.Add(1)
	go s.execute(exec, def)
	return *exec
}

func (s *Scheduler) execute(exec *TaskExecution, def TaskDefinition) {
	defer s.bodies.Done()

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout := def.Timeout(); timeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(s.ctx)
	}
	defer cancel()

	err := s.safeRun(ctx, def)
	if ctxErr := ctx.Err(); ctxErr != nil {
		switch {
		case s.ctx.Err() != nil:
			err = errStopped
		case errors.Is(ctxErr, context.DeadlineExceeded):
			err = fmt.Errorf("timed out after %s", def.Timeout())
		}
	}
	s.finish(exec, def, err)
}

// safeRun runs the body, converting a panic into an error.
func (s *Scheduler) safeRun(ctx context.Context, def TaskDefinition) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.run(ctx, def)
}

func (s *Scheduler) finish(exec *TaskExecution, def TaskDefinition, runErr error) {
	now := s.now()
	changed := make([]TaskExecution, 0, 2)

	s.mu.Lock()
	to := StatusCompleted
	switch {
	case errors.Is(runErr, errStopped):
		to = StatusCancelled
	case runErr != nil:
		to = StatusFailed
	}
	if err := Transition(exec, StatusRunning, to); err != nil {
		s.logger.Printf("scheduler: %v", err)
	}
	exec.EndedAt = now
	if runErr != nil {
		exec.Error = runErr.Error()
	}
	delete(s.running, exec.TaskID)
	changed = append(changed, *exec)

	switch to {
	case StatusCompleted:
		s.logger.Printf("scheduler: task %s completed in %s", exec.TaskID, exec.Duration().Round(time.Millisecond))
	case StatusCancelled:
		s.logger.Printf("scheduler: task %s cancelled", exec.TaskID)
	case StatusFailed:
		s.logger.Printf("scheduler: task %s failed (attempt %d): %v", exec.TaskID, exec.Attempt, runErr)
		if exec.Attempt < def.RetryCount {
			retry := s.newExecution(exec.TaskID, exec.Attempt+1, now)
			delay := RetryDelay(def, retry.Attempt, s.jitter)
			retry.NotBefore = now.Add(delay)
			s.logger.Printf("scheduler: task %s retry %d/%d in %s", exec.TaskID, retry.Attempt, def.RetryCount, delay.Round(time.Second))
			changed = append(changed, *retry)
		}
	}
	s.mu.Unlock()

	s.emit(changed...)
}

func (s *Scheduler) emit(execs ...TaskExecution) {
	for _, e := range execs {
		if s.recorder != nil {
			if err := s.recorder.RecordExecution(e); err != nil {
				s.logger.Printf("scheduler: record execution %s: %v", e.ID, err)
			}
		}
		for _, o := range s.observers {
			o.ExecutionChanged(e)
		}
	}
}

// RunNow starts an ad-hoc execution of task id, subject to the same busy
// and dependency checks as scheduled runs.
func (s *Scheduler) RunNow(ctx context.Context, id string) (TaskExecution, error) {
	if err := ctx.Err(); err != nil {
		return TaskExecution{}, err
	}
	if s.ctx.Err() != nil {
		return TaskExecution{}, errStopped
	}

	s.mu.Lock()
	def, ok := s.defs[id]
	if !ok {
		s.mu.Unlock()
		return TaskExecution{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if s.busy(id) {
		s.mu.Unlock()
		return TaskExecution{}, fmt.Errorf("%w: %s", ErrTaskBusy, id)
	}
	if dep, reason := s.pendingDependency(def); dep != "" {
		s.mu.Unlock()
		return TaskExecution{}, fmt.Errorf("%w: %s waits on %s (%s)", ErrDependenciesPending, id, dep, reason)
	}
	now := s.now()
	exec := s.newExecution(id, 0, now)
	exec.AdHoc = true
	started := s.launch(exec, now)
	s.mu.Unlock()

	s.emit(started)
	return started, nil
}

// Restore seeds history from previously recorded executions so schedules
// and dependencies survive a restart. Unfinished executions are ignored.
func (s *Scheduler) Restore(execs []TaskExecution) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sort.SliceStable(execs, func(i, j int) bool { return execs[i].CreatedAt.Before(execs[j].CreatedAt) })
	for _, e := range execs {
		if _, ok := s.defs[e.TaskID]; !ok || !IsTerminal(e.Status) {
			continue
		}
		cp := e
		s.history = append(s.history, &cp)
		if e.StartedAt.After(s.lastStart[e.TaskID]) {
			s.lastStart[e.TaskID] = e.StartedAt
		}
	}
}

// Definitions returns the task definitions in dependency order.
func (s *Scheduler) Definitions() []TaskDefinition {
	out := make([]TaskDefinition, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.defs[id])
	}
	return out
}

// Definition returns the named task definition.
func (s *Scheduler) Definition(id string) (TaskDefinition, bool) {
	d, ok := s.defs[id]
	return d, ok
}

// Executions returns executions for taskID (all tasks when empty), newest
// first. limit <= 0 means no limit.
func (s *Scheduler) Executions(taskID string, limit int) []TaskExecution {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []TaskExecution
	for i := len(s.history) - 1; i >= 0; i-- {
		e := s.history[i]
		if taskID != "" && e.TaskID != taskID {
			continue
		}
		out = append(out, *e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Latest returns the most recent execution of taskID.
func (s *Scheduler) Latest(taskID string) (TaskExecution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.latest(taskID); e != nil {
		return *e, true
	}
	return TaskExecution{}, false
}

// Running reports whether taskID has a body in flight.
func (s *Scheduler) Running(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[taskID]
}

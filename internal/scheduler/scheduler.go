// Package scheduler runs periodic maintenance tasks. Due tasks are computed
// from an injected clock so a test can drive RunDue directly.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rsclarke/warden/internal/clock"
	"github.com/rsclarke/warden/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultTick is how often Run checks for due tasks.
const DefaultTick = time.Second

// ErrUnknownTask is returned by Trigger for a name that was never added.
var ErrUnknownTask = errors.New("unknown task")

// Task is a named unit of periodic work. A task with a non-positive
// Interval only runs when triggered elsewhere and is never due.
type Task struct {
	Name       string
	Interval   time.Duration
	RunAtStart bool
	Run        func(ctx context.Context) error
}

// TaskState is a point-in-time view of one task.
type TaskState struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	LastRun   *time.Time    `json:"last_run,omitempty"`
	NextRun   *time.Time    `json:"next_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Running   bool          `json:"running"`
	Runs      int           `json:"runs"`
}

// ErrorHandler is called after a task returns an error.
type ErrorHandler func(ctx context.Context, task string, err error)

type entry struct {
	task    Task
	lastRun time.Time
	nextRun time.Time
	lastErr error
	running bool
	runs    int
}

// Scheduler owns a set of tasks. A task never overlaps itself.
type Scheduler struct {
	clock   clock.Clock
	logger  *zap.Logger
	onError ErrorHandler
	tick    time.Duration

	mu    sync.Mutex
	tasks map[string]*entry
	wg    sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithErrorHandler sets the callback for failed task runs.
func WithErrorHandler(h ErrorHandler) Option {
	return func(s *Scheduler) { s.onError = h }
}

// New returns an empty Scheduler.
func New(c clock.Clock, logger *zap.Logger, opts ...Option) *Scheduler {
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		clock:  c,
		logger: logger,
		tick:   DefaultTick,
		tasks:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers t. The first run is due immediately when RunAtStart is set,
// otherwise one Interval from now.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" || t.Run == nil {
		return fmt.Errorf("scheduler: task needs a name and a run func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.Name]; ok {
		return fmt.Errorf("scheduler: duplicate task %q", t.Name)
	}
	e := &entry{task: t}
	if t.Interval > 0 {
		now := s.clock.Now()
		if t.RunAtStart {
			e.nextRun = now
		} else {
			e.nextRun = now.Add(t.Interval)
		}
	}
	s.tasks[t.Name] = e
	return nil
}

// due marks every due, idle task as running and advances its next run.
func (s *Scheduler) due(now time.Time) []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entry
	for _, e := range s.tasks {
		if e.task.Interval <= 0 || e.running || now.Before(e.nextRun) {
			continue
		}
		e.running = true
		e.nextRun = now.Add(e.task.Interval)
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].task.Name < out[j].task.Name })
	return out
}

// RunDue runs every task due at now concurrently and waits for them. It
// returns the first task error; every failure is also logged and passed to
// the error handler.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) error {
	var g errgroup.Group
	for _, e := range s.due(now) {
		g.Go(func() error { return s.execute(ctx, e) })
	}
	return g.Wait()
}

func (s *Scheduler) execute(ctx context.Context, e *entry) error {
	name := e.task.Name
	logger := s.logger.With(logging.Task(name))
	start := s.clock.Now()
	logger.Debug("task started")

	err := e.task.Run(ctx)

	s.mu.Lock()
	e.running = false
	e.lastRun = start
	e.lastErr = err
	e.runs++
	s.mu.Unlock()

	if err != nil {
		logger.Error("task failed", zap.Error(err))
		if s.onError != nil {
			s.onError(ctx, name, err)
		}
		return fmt.Errorf("task %s: %w", name, err)
	}
	logger.Debug("task finished", zap.Duration("elapsed", s.clock.Now().Sub(start)))
	return nil
}

// Trigger runs the named task now unless it is already running. It reports
// whether the task was started.
func (s *Scheduler) Trigger(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	e, ok := s.tasks[name]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	if e.running {
		s.mu.Unlock()
		return false, nil
	}
	e.running = true
	s.mu.Unlock()
	return true, s.execute(ctx, e)
}

// Run checks for due tasks every tick until ctx is cancelled, then waits
// for in-flight tasks to return.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.dispatch(ctx)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context) {
	for _, e := range s.due(s.clock.Now()) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = s.execute(ctx, e)
		}()
	}
}

// States returns every task's state ordered by name.
func (s *Scheduler) States() []TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskState, 0, len(s.tasks))
	for _, e := range s.tasks {
		st := TaskState{
			Name:     e.task.Name,
			Interval: e.task.Interval,
			Running:  e.running,
			Runs:     e.runs,
		}
		if !e.lastRun.IsZero() {
			t := e.lastRun
			st.LastRun = &t
		}
		if e.task.Interval > 0 {
			t := e.nextRun
			st.NextRun = &t
		}
		if e.lastErr != nil {
			st.LastError = e.lastErr.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

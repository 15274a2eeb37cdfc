// Package maintenance runs periodic housekeeping for the runtime's
// in-memory stores: expired cache entries, idle rate-limit counters, stale
// approval requests and old conversation history.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/agentrt/internal/sessions"
)

// DefaultSchedule runs maintenance once a minute.
const DefaultSchedule = "@every 1m"

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ValidateSchedule reports whether spec is a usable cron expression.
func ValidateSchedule(spec string) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", spec, err)
	}
	return nil
}

// Pruner is a store that can drop expired entries. cache.Store,
// ratelimit.WindowLimiter and hooks.ApprovalGate satisfy it.
type Pruner interface {
	Prune() int
}

// TaskFunc runs one housekeeping task and reports how many items it removed.
type TaskFunc func(ctx context.Context) (int64, error)

// FromPruner adapts a Pruner to a TaskFunc.
func FromPruner(p Pruner) TaskFunc {
	return func(context.Context) (int64, error) {
		return int64(p.Prune()), nil
	}
}

// SessionRetention prunes conversation messages older than retention.
func SessionRetention(store sessions.Store, retention time.Duration) TaskFunc {
	return func(ctx context.Context) (int64, error) {
		return store.Prune(ctx, time.Now().Add(-retention))
	}
}

type task struct {
	name string
	fn   TaskFunc
}

// Result is the outcome of one task in a maintenance pass.
type Result struct {
	Task    string
	Removed int64
	Err     error
}

// Scheduler runs registered tasks on a cron schedule. A pass that is
// still running when the next one is due is skipped.
type Scheduler struct {
	schedule string
	logger   *slog.Logger
	timeout  time.Duration

	mu      sync.Mutex
	tasks   []task
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

// NewScheduler creates a scheduler. An empty schedule uses DefaultSchedule.
func NewScheduler(schedule string, logger *slog.Logger) (*Scheduler, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		schedule: schedule,
		logger:   logger.With("component", "maintenance"),
		timeout:  30 * time.Second,
	}, nil
}

// Add registers a task. Tasks run in registration order.
func (s *Scheduler) Add(name string, fn TaskFunc) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task{name: name, fn: fn})
}

// RunOnce runs every task immediately. A failing or panicking task does
// not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) []Result {
	s.mu.Lock()
	tasks := append([]task(nil), s.tasks...)
	s.mu.Unlock()

	results := make([]Result, 0, len(tasks))
	for _, t := range tasks {
		if ctx.Err() != nil {
			results = append(results, Result{Task: t.name, Err: ctx.Err()})
			continue
		}
		removed, err := runTask(ctx, t)
		if err != nil {
			s.logger.Warn("maintenance task failed", "task", t.name, "error", err)
		} else if removed > 0 {
			s.logger.Debug("maintenance task pruned entries", "task", t.name, "removed", removed)
		}
		results = append(results, Result{Task: t.name, Removed: removed, Err: err})
	}
	return results
}

func runTask(ctx context.Context, t task) (removed int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.fn(ctx)
}

// Start schedules maintenance passes until Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.logger})),
	)
	_, err := c.AddFunc(s.schedule, func() {
		passCtx, passCancel := context.WithTimeout(ctx, s.timeout)
		defer passCancel()
		s.RunOnce(passCtx)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("schedule maintenance: %w", err)
	}

	s.cron = c
	s.cancel = cancel
	s.running = true
	c.Start()
	s.logger.Info("maintenance scheduler started", "schedule", s.schedule)

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()
	return nil
}

// Stop halts the schedule and waits for a running pass to finish or ctx
// to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	c, cancel := s.cron, s.cancel
	s.mu.Unlock()

	cancel()
	stopped := c.Stop()

	select {
	case <-stopped.Done():
		s.logger.Info("maintenance scheduler stopped")
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("maintenance pass still running"), ctx.Err())
	}
}

// IsRunning reports whether the schedule is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

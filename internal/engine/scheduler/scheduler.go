package scheduler

// The scheduler runs named tasks on independent cadences. There is no
// single engine loop: execution, order sync, exit detection and
// resolution each tick on their own timer against shared storage, and
// the storage layer's conditional updates keep overlapping ticks safe.

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Task is one periodic unit of work. Tick must respect ctx and return
// promptly on cancellation.
type Task struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration // per-tick bound, 0 means Interval
	Tick     func(ctx context.Context) error
}

// Scheduler owns a set of tasks.
type Scheduler struct {
	tasks []Task
	wg    sync.WaitGroup
}

// New creates an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// Register adds a task. Must be called before Run.
func (s *Scheduler) Register(t Task) error {
	if t.Name == "" || t.Tick == nil || t.Interval <= 0 {
		return fmt.Errorf("scheduler.Register: task needs name, interval and tick func")
	}
	if t.Timeout <= 0 {
		t.Timeout = t.Interval
	}
	s.tasks = append(s.tasks, t)
	return nil
}

// Run starts every task and blocks until ctx is cancelled and all
// tasks have drained.
func (s *Scheduler) Run(ctx context.Context) {
	for _, t := range s.tasks {
		t := t
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runTask(ctx, t)
		}()
	}
	slog.Info("scheduler: started", "tasks", len(s.tasks))
	s.wg.Wait()
	slog.Info("scheduler: stopped")
}

func (s *Scheduler) runTask(ctx context.Context, t Task) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	// First tick immediately rather than one interval in.
	s.tickOnce(ctx, t)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickOnce(ctx, t)
		}
	}
}

// tickOnce runs one bounded tick. A panicking task is contained and
// logged; the next tick still fires.
func (s *Scheduler) tickOnce(ctx context.Context, t Task) {
	if ctx.Err() != nil {
		return
	}
	tctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler: task panicked",
				"task", t.Name,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()

	start := time.Now()
	if err := t.Tick(tctx); err != nil && ctx.Err() == nil {
		slog.Warn("scheduler: tick failed",
			"task", t.Name,
			"elapsed", time.Since(start).Round(time.Millisecond),
			"err", err,
		)
	}
}

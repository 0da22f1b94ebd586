// Package engine schedules the periodic attribution sync and quota
// enforcement passes.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/qman-project/qman-slave/internal/logging"
)

// Task is a named periodic job.
type Task struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context)
}

type job struct {
	name string
	fn   func(ctx context.Context)
	ctx  func() context.Context
	log  *logging.Logger
	mu   sync.Mutex
}

// run executes the job unless the previous run is still going. A slow
// pass must never stack behind itself; the next tick is the retry.
func (j *job) run() {
	if !j.mu.TryLock() {
		j.log.Warn("previous run still in progress, skipping tick", "task", j.name)
		return
	}
	defer j.mu.Unlock()

	ctx := j.ctx()
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	j.fn(ctx)
	j.log.Debug("task finished", "task", j.name, "took", time.Since(start))
}

// Scheduler drives tasks on fixed intervals.
type Scheduler struct {
	cron *cron.Cron
	log  *logging.Logger

	mu  sync.Mutex
	ctx context.Context
}

func New(log *logging.Logger) *Scheduler {
	return &Scheduler{cron: cron.New(), log: log, ctx: context.Background()}
}

// Add registers a task. Must be called before Run.
func (s *Scheduler) Add(t Task) error {
	if t.Every <= 0 {
		return fmt.Errorf("task %s: interval must be positive", t.Name)
	}
	j := &job{name: t.Name, fn: t.Run, log: s.log, ctx: s.context}
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", t.Every), j.run)
	if err != nil {
		return fmt.Errorf("schedule task %s: %w", t.Name, err)
	}
	return nil
}

// Run starts the schedule and blocks until ctx is cancelled. In-flight
// jobs are waited for before returning.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Package schedule runs scripts on the cron expression found in their
// "Schedule:" marker. One entry per script file.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/kithost/internal/marker"
	"github.com/loykin/kithost/internal/metrics"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// RunFunc runs one scheduled script. It may block until the run finishes;
// a tick that arrives while the previous run of the same file is still
// going is skipped.
type RunFunc func(ctx context.Context, filePath string) error

// Entry describes one scheduled file.
type Entry struct {
	FilePath string    `json:"filePath"`
	Expr     string    `json:"schedule"`
	Next     time.Time `json:"date"`
}

type job struct {
	id   cron.EntryID
	expr string
}

// Scheduler keys cron entries by file path.
type Scheduler struct {
	run  RunFunc
	cron *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]job
	started bool
}

func New(run RunFunc) *Scheduler {
	l := slogAdapter{}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		run: run,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l)),
		),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]job),
	}
}

// Parse validates a cron expression.
func Parse(expr string) (cron.Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return s, nil
}

// Update reads the Schedule marker of filePath and adds, replaces or
// removes its entry to match.
func (s *Scheduler) Update(filePath string) error {
	expr, ok, err := marker.Read(filePath, marker.Schedule)
	if err != nil {
		s.Remove(filePath)
		return err
	}
	if !ok || expr == "" {
		s.Remove(filePath)
		return nil
	}
	return s.Set(filePath, expr)
}

// Set schedules filePath on expr, replacing a different expression.
func (s *Scheduler) Set(filePath, expr string) error {
	sched, err := Parse(expr)
	if err != nil {
		s.Remove(filePath)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.jobs[filePath]; ok {
		if cur.expr == expr {
			return nil
		}
		s.cron.Remove(cur.id)
	}
	wrapped := cron.NewChain(cron.SkipIfStillRunning(slogAdapter{})).Then(cron.FuncJob(func() {
		s.tick(filePath)
	}))
	id := s.cron.Schedule(sched, wrapped)
	s.jobs[filePath] = job{id: id, expr: expr}
	slog.Info("schedule set", "file", filePath, "schedule", expr, "next", sched.Next(time.Now()))
	return nil
}

func (s *Scheduler) tick(filePath string) {
	metrics.IncScheduleRun()
	slog.Info("schedule run", "file", filePath)
	if err := s.run(s.ctx, filePath); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("scheduled run failed", "file", filePath, "error", err)
	}
}

// Remove drops filePath's entry if any.
func (s *Scheduler) Remove(filePath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[filePath]
	if !ok {
		return
	}
	s.cron.Remove(cur.id)
	delete(s.jobs, filePath)
	slog.Info("schedule removed", "file", filePath)
}

// List returns every entry with its next run after now, soonest first.
func (s *Scheduler) List() []Entry {
	now := time.Now()
	s.mu.Lock()
	out := make([]Entry, 0, len(s.jobs))
	for path, j := range s.jobs {
		e := s.cron.Entry(j.id)
		next := e.Next
		if next.IsZero() && e.Schedule != nil {
			next = e.Schedule.Next(now)
		}
		out = append(out, Entry{FilePath: path, Expr: j.expr, Next: next})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Next.Equal(out[j].Next) {
			return out[i].FilePath < out[j].FilePath
		}
		return out[i].Next.Before(out[j].Next)
	})
	return out
}

// Find returns the entry for filePath.
func (s *Scheduler) Find(filePath string) (Entry, bool) {
	for _, e := range s.List() {
		if e.FilePath == filePath {
			return e, true
		}
	}
	return Entry{}, false
}

// Start begins firing entries.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type slogAdapter struct{}

func (slogAdapter) Info(msg string, kv ...interface{}) {
	slog.Debug("cron: "+msg, kv...)
}

func (slogAdapter) Error(err error, msg string, kv ...interface{}) {
	slog.Error("cron: "+msg, append(kv, "error", err)...)
}

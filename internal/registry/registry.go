// Package registry tracks live script children by pid. It enforces the single
// active prompt rule, reaps timed children and settles each caller's pending
// result exactly once.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/kithost/internal/history"
	"github.com/loykin/kithost/internal/message"
	"github.com/loykin/kithost/internal/metrics"
	"github.com/loykin/kithost/internal/process"
)

var (
	ErrNoPromptProcess = errors.New("no prompt process")
	ErrUnknownPID      = errors.New("unknown pid")
	// ErrRemoved settles a pending result whose child was removed before it exited.
	ErrRemoved = errors.New("process removed")
)

// DefaultTimeout bounds the lifetime of every child except prompt and background.
const DefaultTimeout = 15 * time.Second

// Spawner creates children. *process.Spawner satisfies it.
type Spawner interface {
	Spawn(t process.Type, scriptPath string, args []string) (*process.Child, error)
}

// Handlers are the caller's hooks for one child. Any field may be nil.
type Handlers struct {
	// OnMessage receives every frame the child sends, in order.
	OnMessage func(t process.Type, m message.Message)
	// Resolve receives the accumulated values on exit, or a SEND_RESPONSE payload.
	Resolve func(result any)
	Reject  func(err error)
	// Exited receives the exit settlement of the child. Callers that hand
	// OnMessage frames to another goroutine queue settle behind them, so a
	// SEND_RESPONSE sent just before exit still wins. nil runs settle inline.
	Exited func(settle func())
}

// ProcessInfo is a snapshot of one registry entry.
type ProcessInfo struct {
	PID        int            `json:"pid"`
	ScriptPath string         `json:"scriptPath"`
	Type       process.Type   `json:"type"`
	Values     []any          `json:"values"`
	Date       time.Time      `json:"date"`
	Child      *process.Child `json:"-"`
}

type Options struct {
	Timeout time.Duration
	// OnPromptExit runs when a prompt child exits on its own.
	OnPromptExit func(pid int)
	Sink         history.Sink
}

type entry struct {
	info     ProcessInfo
	handlers Handlers
	timer    *time.Timer
	runID    string
	args     []string
	detached atomic.Bool
	settled  sync.Once
}

func (e *entry) resolve(v any) {
	e.settled.Do(func() {
		if e.handlers.Resolve != nil {
			e.handlers.Resolve(v)
		}
	})
}

func (e *entry) reject(err error) {
	e.settled.Do(func() {
		if e.handlers.Reject != nil {
			e.handlers.Reject(err)
		}
	})
}

// Registry maps pids to live children.
type Registry struct {
	spawner Spawner
	opts    Options

	// promptMu serialises prompt adds so two racing adds cannot both survive.
	promptMu sync.Mutex

	mu      sync.Mutex
	entries map[int]*entry
	wg      sync.WaitGroup

	// journal events go through one writer so they reach the sink in order.
	jmu      sync.Mutex
	jclosed  bool
	jevents  chan history.Event
	jwritten chan struct{}
}

const journalQueue = 256

func New(sp Spawner, opts Options) *Registry {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	r := &Registry{spawner: sp, opts: opts, entries: make(map[int]*entry)}
	if opts.Sink != nil {
		r.jevents = make(chan history.Event, journalQueue)
		r.jwritten = make(chan struct{})
		go r.writeJournal()
	}
	return r
}

// Add spawns a child, records it, arms its timeout and starts its listener.
// A prompt add first ends any previous prompt child.
func (r *Registry) Add(t process.Type, scriptPath string, args []string, h Handlers) (*process.Child, error) {
	if t == process.TypePrompt {
		r.promptMu.Lock()
		defer r.promptMu.Unlock()
		r.EndPreviousPromptProcess()
	}

	child, err := r.spawner.Spawn(t, scriptPath, args)
	if err != nil {
		metrics.IncSpawnFailure(t.String())
		slog.Error("spawn failed", "type", t, "script", scriptPath, "error", err)
		if h.Reject != nil {
			h.Reject(err)
		}
		return nil, err
	}

	e := &entry{
		info: ProcessInfo{
			PID:        child.PID(),
			ScriptPath: scriptPath,
			Type:       t,
			Values:     []any{},
			Date:       child.Started(),
			Child:      child,
		},
		handlers: h,
		runID:    history.NewRunID(),
		args:     append([]string(nil), args...),
	}

	r.mu.Lock()
	r.entries[e.info.PID] = e
	if t.Timed() {
		e.timer = time.AfterFunc(r.opts.Timeout, func() { r.expire(e) })
	}
	r.mu.Unlock()

	metrics.IncSpawn(t.String())
	slog.Info("process started", "pid", e.info.PID, "type", t, "script", scriptPath, "resolved", child.Script())
	r.journal(history.EventStart, e, e.snapshot(), time.Time{}, nil)

	r.wg.Add(1)
	go r.listen(e)
	return child, nil
}

func (r *Registry) listen(e *entry) {
	defer r.wg.Done()
	child := e.info.Child
	for m := range child.Messages() {
		if e.detached.Load() || e.handlers.OnMessage == nil {
			continue
		}
		e.handlers.OnMessage(e.info.Type, m)
	}
	<-child.Done()
	if e.handlers.Exited != nil {
		e.handlers.Exited(func() { r.exited(e) })
		return
	}
	r.exited(e)
}

func (r *Registry) exited(e *entry) {
	r.mu.Lock()
	cur, ok := r.entries[e.info.PID]
	if !ok || cur != e {
		r.mu.Unlock()
		return
	}
	delete(r.entries, e.info.PID)
	if e.timer != nil {
		e.timer.Stop()
	}
	info := e.snapshot()
	r.mu.Unlock()

	if e.detached.Load() {
		return
	}
	exitErr := info.Child.ExitErr()
	if info.Type == process.TypePrompt && r.opts.OnPromptExit != nil {
		r.opts.OnPromptExit(info.PID)
	}
	e.resolve(info.Values)
	metrics.IncExit(info.Type.String())
	slog.Info("process exited", "pid", info.PID, "type", info.Type, "script", info.ScriptPath, "error", exitErr)
	r.journal(history.EventExit, e, info, time.Now(), exitErr)
}

func (r *Registry) expire(e *entry) {
	r.mu.Lock()
	cur, ok := r.entries[e.info.PID]
	info := e.snapshot()
	r.mu.Unlock()
	if !ok || cur != e {
		return
	}
	slog.Info("process timed out", "pid", info.PID, "type", info.Type, "script", info.ScriptPath, "after", r.opts.Timeout)
	metrics.IncTimeout(info.Type.String())
	r.journal(history.EventTimeout, e, info, time.Now(), nil)
	if err := info.Child.Kill(); err != nil {
		e.reject(fmt.Errorf("kill pid %d: %w", info.PID, err))
	}
}

// EndPreviousPromptProcess removes every prompt entry.
func (r *Registry) EndPreviousPromptProcess() {
	r.mu.Lock()
	var pids []int
	for pid, e := range r.entries {
		if e.info.Type == process.TypePrompt {
			pids = append(pids, pid)
		}
	}
	r.mu.Unlock()
	for _, pid := range pids {
		r.RemoveByPid(pid)
	}
}

// RemoveByPid detaches the child's listeners, terminates it and forgets it.
// A pending result is settled with ErrRemoved. Unknown pids are a no-op.
func (r *Registry) RemoveByPid(pid int) {
	r.mu.Lock()
	e, ok := r.entries[pid]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.entries, pid)
	e.detached.Store(true)
	if e.timer != nil {
		e.timer.Stop()
	}
	info := e.snapshot()
	r.mu.Unlock()

	if err := info.Child.Terminate(); err != nil {
		slog.Warn("terminate failed", "pid", pid, "error", err)
	}
	slog.Info("process removed", "pid", pid, "type", info.Type, "script", info.ScriptPath)
	metrics.IncRemoval(info.Type.String())
	metrics.IncExit(info.Type.String())
	r.journal(history.EventRemove, e, info, time.Now(), nil)
	e.reject(ErrRemoved)
}

// IfPid runs fn with a snapshot of pid's entry. It reports whether the entry existed.
func (r *Registry) IfPid(pid int, fn func(ProcessInfo)) bool {
	info, ok := r.GetByPid(pid)
	if !ok {
		slog.Warn("can't find pid", "pid", pid)
		return false
	}
	fn(info)
	return true
}

// AssignScriptToProcess rewrites the script path of a live entry.
func (r *Registry) AssignScriptToProcess(scriptPath string, pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[pid]
	if !ok {
		slog.Warn("can't assign script to missing pid", "pid", pid, "script", scriptPath)
		return false
	}
	e.info.ScriptPath = scriptPath
	return true
}

func (r *Registry) GetByPid(pid int) (ProcessInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[pid]
	if !ok {
		return ProcessInfo{}, false
	}
	return e.snapshot(), true
}

func (e *entry) snapshot() ProcessInfo {
	info := e.info
	info.Values = append([]any(nil), e.info.Values...)
	return info
}

// FindPromptProcess returns the active prompt entry.
func (r *Registry) FindPromptProcess() (ProcessInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.info.Type == process.TypePrompt {
			return e.snapshot(), nil
		}
	}
	return ProcessInfo{}, ErrNoPromptProcess
}

// List returns every entry, oldest first.
func (r *Registry) List() []ProcessInfo {
	r.mu.Lock()
	out := make([]ProcessInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.snapshot())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].PID < out[j].PID
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// AppendValue records a submitted value against pid.
func (r *Registry) AppendValue(pid int, v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[pid]
	if !ok {
		return fmt.Errorf("append value: %w: %d", ErrUnknownPID, pid)
	}
	e.info.Values = append(e.info.Values, v)
	return nil
}

// Respond settles pid's pending result early with v. The entry stays until exit.
func (r *Registry) Respond(pid int, v any) error {
	r.mu.Lock()
	e, ok := r.entries[pid]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("respond: %w: %d", ErrUnknownPID, pid)
	}
	e.resolve(v)
	return nil
}

// Fail reports a runtime error for pid without removing it; the exit that
// follows cleans up.
func (r *Registry) Fail(pid int, err error) {
	r.mu.Lock()
	e, ok := r.entries[pid]
	var script string
	if ok {
		script = e.info.ScriptPath
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	slog.Warn("process error", "pid", pid, "script", script, "error", err)
	e.reject(err)
}

// Shutdown kills every child, waits for the listeners to finish and flushes
// the journal, or gives up when ctx ends.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e)
	}
	r.mu.Unlock()

	for _, e := range all {
		r.RemoveByPid(e.info.PID)
		_ = e.info.Child.Kill()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("registry shutdown: %w", ctx.Err())
	}
	return r.closeJournal(ctx)
}

func (r *Registry) closeJournal(ctx context.Context) error {
	if r.jevents == nil {
		return nil
	}
	r.jmu.Lock()
	if !r.jclosed {
		r.jclosed = true
		close(r.jevents)
	}
	r.jmu.Unlock()
	select {
	case <-r.jwritten:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("journal flush: %w", ctx.Err())
	}
}

func (r *Registry) writeJournal() {
	defer close(r.jwritten)
	for ev := range r.jevents {
		if err := r.opts.Sink.Send(context.Background(), ev); err != nil {
			slog.Warn("history send failed", "event", ev.Type, "pid", ev.Record.PID, "error", err)
		}
	}
}

func (r *Registry) journal(t history.EventType, e *entry, info ProcessInfo, exitedAt time.Time, exitErr error) {
	if r.opts.Sink == nil {
		return
	}
	rec := history.Record{
		RunID:     e.runID,
		PID:       info.PID,
		Type:      info.Type.String(),
		Script:    info.ScriptPath,
		Args:      e.args,
		StartedAt: info.Date,
		ExitedAt:  exitedAt,
	}
	if exitErr != nil {
		rec.ExitErr = exitErr.Error()
	}
	ev := history.Event{Type: t, OccurredAt: time.Now(), Record: rec}
	r.jmu.Lock()
	defer r.jmu.Unlock()
	if r.jclosed {
		slog.Warn("history closed, event dropped", "event", t, "pid", info.PID)
		return
	}
	r.jevents <- ev
}

// Package background keeps at most one long-running child per script file,
// driven by the script's "Background:" marker.
package background

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/kithost/internal/marker"
	"github.com/loykin/kithost/internal/message"
	"github.com/loykin/kithost/internal/metrics"
	"github.com/loykin/kithost/internal/process"
)

// ErrNotRunning is returned by Stop for a file without a live task.
var ErrNotRunning = errors.New("background task not running")

// Marker values that enable a task.
const (
	ModeTrue = "true"
	ModeAuto = "auto"
)

// Spawner starts background children. *process.Spawner satisfies it.
type Spawner interface {
	SpawnBackground(filePath string, args []string) (*process.Child, error)
}

// Logs hands out per-script loggers. *logger.Scripts satisfies it.
type Logs interface {
	Get(script string) *slog.Logger
}

// Task is one running background child.
type Task struct {
	FilePath string
	Child    *process.Child
	Start    time.Time
}

// TaskInfo is the externally visible view of a Task.
type TaskInfo struct {
	FilePath  string
	SpawnArgs []string
	PID       int
	Start     time.Time
}

// MarshalJSON writes the shape scripts expect from GET_BACKGROUND.
func (t TaskInfo) MarshalJSON() ([]byte, error) {
	type proc struct {
		SpawnArgs []string `json:"spawnargs"`
		PID       int      `json:"pid"`
		Start     string   `json:"start"`
	}
	return json.Marshal(struct {
		FilePath string `json:"filePath"`
		Process  proc   `json:"process"`
	}{t.FilePath, proc{t.SpawnArgs, t.PID, t.Start.Format(time.RFC3339)}})
}

// UnmarshalJSON reads the GET_BACKGROUND shape back.
func (t *TaskInfo) UnmarshalJSON(b []byte) error {
	var v struct {
		FilePath string `json:"filePath"`
		Process  struct {
			SpawnArgs []string `json:"spawnargs"`
			PID       int      `json:"pid"`
			Start     string   `json:"start"`
		} `json:"process"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	t.FilePath, t.SpawnArgs, t.PID = v.FilePath, v.Process.SpawnArgs, v.Process.PID
	if v.Process.Start != "" {
		start, err := time.Parse(time.RFC3339, v.Process.Start)
		if err != nil {
			return fmt.Errorf("task start: %w", err)
		}
		t.Start = start
	}
	return nil
}

// Manager owns the file path -> task map.
type Manager struct {
	sp   Spawner
	logs Logs

	mu    sync.Mutex
	tasks map[string]*Task
	wg    sync.WaitGroup
}

func New(sp Spawner, logs Logs) *Manager {
	return &Manager{sp: sp, logs: logs, tasks: make(map[string]*Task)}
}

// Start spawns a task for filePath, replacing any task already tracked.
func (m *Manager) Start(filePath string) error {
	child, err := m.sp.SpawnBackground(filePath, nil)
	if err != nil {
		return fmt.Errorf("start background %s: %w", filePath, err)
	}
	t := &Task{FilePath: filePath, Child: child, Start: child.Started()}

	m.mu.Lock()
	prev := m.tasks[filePath]
	m.tasks[filePath] = t
	m.mu.Unlock()
	if prev != nil {
		_ = prev.Child.Terminate()
	}

	metrics.IncBackgroundStart()
	slog.Info("start background process", "file", filePath, "pid", child.PID())

	m.wg.Add(1)
	go m.listen(t)
	return nil
}

func (m *Manager) listen(t *Task) {
	defer m.wg.Done()
	for msg := range t.Child.Messages() {
		m.handle(t, msg)
	}
	<-t.Child.Done()

	m.mu.Lock()
	defer m.mu.Unlock()
	// a restart may already track a newer child for the same file
	if cur, ok := m.tasks[t.FilePath]; ok && cur.Child.PID() == t.Child.PID() {
		delete(m.tasks, t.FilePath)
		slog.Info("exit background process", "file", t.FilePath, "pid", t.Child.PID())
	}
}

func (m *Manager) handle(t *Task, msg message.Message) {
	script := msg.KitScript
	if script == "" {
		script = t.FilePath
	}
	switch msg.Channel {
	case message.ConsoleLog, message.ConsoleWarn:
		var p message.LogPayload
		if err := msg.Decode(&p); err != nil {
			slog.Warn("background: bad log payload", "file", t.FilePath, "error", err)
			return
		}
		if m.logs == nil {
			return
		}
		if msg.Channel == message.ConsoleWarn {
			text := p.Warn
			if text == "" {
				text = p.Log
			}
			m.logs.Get(script).Warn(text)
			return
		}
		m.logs.Get(script).Info(p.Log)
	default:
		slog.Info("background: unknown message", "channel", msg.Channel, "file", t.FilePath)
	}
}

// Update applies the marker policy for filePath:
//
//	not running, marker true|auto, file unchanged -> start
//	running, marker auto, file changed            -> restart
//	anything else                                 -> no-op
func (m *Manager) Update(filePath string, fileChanged bool) error {
	mode, _, err := marker.Read(filePath, marker.Background)
	if err != nil {
		return err
	}
	running := m.running(filePath)

	switch {
	case !running && (mode == ModeTrue || mode == ModeAuto) && !fileChanged:
		return m.Start(filePath)
	case running && mode == ModeAuto && fileChanged:
		if err := m.Stop(filePath); err != nil && !errors.Is(err, ErrNotRunning) {
			return err
		}
		return m.Start(filePath)
	}
	return nil
}

func (m *Manager) running(filePath string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[filePath]
	return ok
}

// Stop forgets the task for filePath and terminates its child.
func (m *Manager) Stop(filePath string) error {
	m.mu.Lock()
	t, ok := m.tasks[filePath]
	if ok {
		delete(m.tasks, filePath)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	slog.Info("kill background process", "file", filePath, "pid", t.Child.PID())
	metrics.IncBackgroundStop()
	if err := t.Child.Terminate(); err != nil {
		return fmt.Errorf("stop background %s: %w", filePath, err)
	}
	return nil
}

// Toggle stops a running task, or starts one if the marker allows it.
func (m *Manager) Toggle(filePath string) error {
	if m.running(filePath) {
		return m.Stop(filePath)
	}
	return m.Update(filePath, false)
}

// Get returns the task tracked for filePath.
func (m *Manager) Get(filePath string) (TaskInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[filePath]
	if !ok {
		return TaskInfo{}, false
	}
	return t.info(), true
}

func (t *Task) info() TaskInfo {
	return TaskInfo{FilePath: t.FilePath, SpawnArgs: t.Child.SpawnArgs(), PID: t.Child.PID(), Start: t.Start}
}

// List returns every task ordered by file path.
func (m *Manager) List() []TaskInfo {
	m.mu.Lock()
	out := make([]TaskInfo, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.info())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out
}

// Shutdown kills every task and waits for the children to be reaped.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	all := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		all = append(all, t)
	}
	m.tasks = make(map[string]*Task)
	m.mu.Unlock()

	for _, t := range all {
		_ = t.Child.Kill()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("background shutdown: %w", ctx.Err())
	}
}

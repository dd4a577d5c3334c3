// Package host wires the spawner, registry, router, background manager and
// scheduler into one object with a single control goroutine.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/loykin/kithost/internal/background"
	"github.com/loykin/kithost/internal/config"
	"github.com/loykin/kithost/internal/env"
	"github.com/loykin/kithost/internal/history"
	"github.com/loykin/kithost/internal/logger"
	"github.com/loykin/kithost/internal/message"
	"github.com/loykin/kithost/internal/process"
	"github.com/loykin/kithost/internal/prompt"
	"github.com/loykin/kithost/internal/registry"
	"github.com/loykin/kithost/internal/router"
	"github.com/loykin/kithost/internal/schedule"
)

// Event is a host-wide notification, such as pausing global shortcuts.
type Event = router.Event

const (
	workQueue  = 256
	eventQueue = 64
)

// ScriptServerFunc starts the script HTTP server on addr. The host calls it
// for START_SERVER.
type ScriptServerFunc func(addr string) (io.Closer, error)

type Options struct {
	Config  *config.Config
	Prompt  prompt.Presenter // nil is prompt.Nop
	Desktop Desktop          // nil is Headless
	Sink    history.Sink
	// Logs is owned by the caller when set.
	Logs         *logger.Scripts
	ScriptServer ScriptServerFunc
}

// Host is the explicit context object of a running host. It starts empty;
// Shutdown kills everything it started.
type Host struct {
	cfg     config.Config
	spawner atomic.Pointer[process.Spawner]
	baseEnv *env.Env

	Registry   *registry.Registry
	Background *background.Manager
	Scheduler  *schedule.Scheduler
	Router     *router.Router

	prompt   prompt.Presenter
	desktop  Desktop
	logs     *logger.Scripts
	ownLogs  bool
	serveFn  ScriptServerFunc
	work     chan func(context.Context)
	events   chan Event
	stopped  chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
	runOnce  sync.Once

	appHidden     atomic.Bool
	restartNeeded atomic.Bool

	srvMu    sync.Mutex
	srv      io.Closer
	srvState router.ServerState
}

func New(o Options) (*Host, error) {
	if o.Config == nil {
		return nil, errors.New("host: config required")
	}
	h := &Host{
		cfg:     *o.Config,
		prompt:  o.Prompt,
		desktop: o.Desktop,
		logs:    o.Logs,
		serveFn: o.ScriptServer,
		work:    make(chan func(context.Context), workQueue),
		events:  make(chan Event, eventQueue),
		stopped: make(chan struct{}),
		quit:    make(chan struct{}),
	}
	if h.prompt == nil {
		h.prompt = prompt.Nop{}
	}
	if h.desktop == nil {
		h.desktop = Headless{}
	}
	if h.logs == nil {
		h.logs = logger.NewScripts(h.cfg.LoggerConfig())
		h.ownLogs = true
	}
	h.baseEnv = env.New()
	h.baseEnv.FromOS()
	h.spawner.Store(h.newSpawner(h.cfg.KenvPath))

	h.Registry = registry.New(h, registry.Options{
		Timeout:      h.cfg.ProcessTimeout,
		OnPromptExit: h.promptExited,
		Sink:         o.Sink,
	})
	h.Background = background.New(h, h.logs)
	h.Scheduler = schedule.New(h.runScheduled)
	h.Router = router.New(router.Deps{
		Registry:   h.Registry,
		Prompt:     h.prompt,
		Background: h.Background,
		Schedule:   h.Scheduler,
		Logs:       h.logs,
		Control:    h,
	})
	return h, nil
}

func (h *Host) newSpawner(kenv string) *process.Spawner {
	return process.NewSpawner(process.Options{
		KitPath:     h.cfg.KitPath,
		KenvPath:    kenv,
		Runtime:     h.cfg.Runtime,
		PromptEntry: h.cfg.PromptEntry,
		AppEntry:    h.cfg.AppEntry,
		ScriptExt:   h.cfg.ScriptExt,
		AppVersion:  h.cfg.AppVersion,
		Env:         h.baseEnv,
		BackgroundLog: func(filePath string) io.Writer {
			return h.logs.Writer(filePath)
		},
	})
}

// Spawner returns the spawner for the active kenv.
func (h *Host) Spawner() *process.Spawner { return h.spawner.Load() }

// Spawn lets the registry spawn through the active kenv.
func (h *Host) Spawn(t process.Type, scriptPath string, args []string) (*process.Child, error) {
	return h.Spawner().Spawn(t, scriptPath, args)
}

// SpawnBackground lets the background manager spawn through the active kenv.
func (h *Host) SpawnBackground(filePath string, args []string) (*process.Child, error) {
	return h.Spawner().SpawnBackground(filePath, args)
}

// Config returns the configuration the host was built with.
func (h *Host) Config() config.Config { return h.cfg }

// Events yields host-wide notifications. Events are dropped when nobody reads.
func (h *Host) Events() <-chan Event { return h.events }

// Run executes routed messages and UI events in order until ctx ends or a
// script asks the host to quit.
func (h *Host) Run(ctx context.Context) error {
	started := false
	h.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("host: already running")
	}
	defer close(h.stopped)

	var ui <-chan message.Message
	if src, ok := h.prompt.(interface{ Events() <-chan message.Message }); ok {
		ui = src.Events()
	}
	h.Scheduler.Start()
	slog.Info("host running", "kenv", h.Spawner().KenvPath(), "kit", h.cfg.KitPath)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.quit:
			return nil
		case fn := <-h.work:
			h.exec(ctx, fn)
		case m, ok := <-ui:
			if !ok {
				ui = nil
				continue
			}
			h.exec(ctx, func(ctx context.Context) { h.Router.HandleUI(ctx, m) })
		}
	}
}

func (h *Host) exec(ctx context.Context, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in host loop", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn(ctx)
}

// Do queues fn on the control goroutine. It reports false once the loop has stopped.
func (h *Host) Do(fn func(context.Context)) bool {
	select {
	case <-h.stopped:
		return false
	default:
	}
	select {
	case h.work <- fn:
		return true
	case <-h.stopped:
		return false
	}
}

// Done is closed when a script asked the host to quit.
func (h *Host) Done() <-chan struct{} { return h.quit }

// RunScript runs scriptPath as the prompt process. It is the single entry
// point for relaunches, kit:// URLs, socket requests and hotkeys.
func (h *Host) RunScript(scriptPath string, args []string) (*Run, error) {
	return h.Start(process.TypePrompt, scriptPath, args)
}

// Start runs scriptPath as a child of type t.
func (h *Host) Start(t process.Type, scriptPath string, args []string) (*Run, error) {
	slog.Info("run script", "type", t, "script", scriptPath, "args", args)
	run := newRun(t, scriptPath)
	child, err := h.Registry.Add(t, scriptPath, args, registry.Handlers{
		OnMessage: func(pt process.Type, m message.Message) {
			if !h.Do(func(ctx context.Context) { h.Router.Handle(ctx, pt, m) }) {
				slog.Debug("host stopped, message dropped", "channel", m.Channel, "pid", m.PID)
			}
		},
		Resolve: run.resolve,
		Reject:  run.reject,
		// settle behind the frames already queued by OnMessage
		Exited: func(settle func()) {
			if !h.Do(func(context.Context) { settle() }) {
				settle()
			}
		},
	})
	if err != nil {
		return nil, err
	}
	run.PID = child.PID()
	return run, nil
}

func (h *Host) runScheduled(ctx context.Context, filePath string) error {
	run, err := h.Start(process.TypeSchedule, filePath, nil)
	if err != nil {
		return err
	}
	_, err = run.Wait(ctx)
	return err
}

func (h *Host) promptExited(pid int) {
	h.appHidden.Store(false)
	h.Emit(Event{Kind: router.EventExitPrompt, Data: pid})
	h.Emit(Event{Kind: router.EventResumeShortcuts})
}

// Emit publishes e without blocking.
func (h *Host) Emit(e Event) {
	select {
	case h.events <- e:
	default:
		slog.Debug("event dropped", "kind", e.Kind)
	}
}

func (h *Host) AppHidden() bool { return h.appHidden.Load() }

func (h *Host) HideApp() {
	h.appHidden.Store(true)
	h.desktop.Hide()
	h.prompt.HidePromptWindow()
}

// Quit ends Run. The caller of Run is expected to Shutdown.
func (h *Host) Quit() {
	h.quitOnce.Do(func() {
		slog.Info("quit requested")
		h.desktop.Quit()
		close(h.quit)
	})
}

func (h *Host) SetLoginItem(s message.LoginPayload) { h.desktop.SetLoginItem(s) }
func (h *Host) CheckForUpdates()                    { h.desktop.CheckForUpdates() }

func (h *Host) MakeRestartNecessary() {
	h.restartNeeded.Store(true)
	slog.Info("restart marked necessary")
}

// RestartNeeded reports whether a script asked for a host restart.
func (h *Host) RestartNeeded() bool { return h.restartNeeded.Load() }

func (h *Host) CursorScreenPoint() router.Point { return h.desktop.CursorScreenPoint() }

func (h *Host) DisplayNearestPoint(p router.Point) router.Display {
	return h.desktop.DisplayNearestPoint(p)
}

// SwitchKenv points future spawns at another kenv. Running children keep
// the kenv they started with.
func (h *Host) SwitchKenv(path string) error {
	if path == "" {
		return nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("switch kenv: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("switch kenv: %s is not a directory", path)
	}
	h.spawner.Store(h.newSpawner(path))
	slog.Info("kenv switched", "kenv", path)
	h.Emit(Event{Kind: router.EventKenvChanged, Data: path})
	return nil
}

// CreateKenv lays out an empty kenv at path.
func (h *Host) CreateKenv(path string) error {
	if path == "" {
		return nil
	}
	for _, d := range []string{"scripts", "lib", "logs"} {
		if err := os.MkdirAll(filepath.Join(path, d), 0o755); err != nil {
			return fmt.Errorf("create kenv: %w", err)
		}
	}
	dotenv := filepath.Join(path, ".env")
	f, err := os.OpenFile(dotenv, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	switch {
	case errors.Is(err, os.ErrExist):
	case err != nil:
		return fmt.Errorf("create kenv: %w", err)
	default:
		_ = f.Close()
	}
	slog.Info("kenv created", "kenv", path)
	return nil
}

// StartServer serves scripts over HTTP on host:port, replacing a running server.
func (h *Host) StartServer(host string, port int) error {
	if h.serveFn == nil {
		return errors.New("script server not available")
	}
	if err := h.StopServer(); err != nil {
		slog.Warn("stop previous script server", "error", err)
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	srv, err := h.serveFn(addr)
	if err != nil {
		return fmt.Errorf("start script server: %w", err)
	}
	h.srvMu.Lock()
	h.srv = srv
	h.srvState = router.ServerState{Running: true, Host: host, Port: port}
	h.srvMu.Unlock()
	slog.Info("script server started", "addr", addr)
	return nil
}

func (h *Host) StopServer() error {
	h.srvMu.Lock()
	srv := h.srv
	h.srv = nil
	h.srvState.Running = false
	h.srvMu.Unlock()
	if srv == nil {
		return nil
	}
	slog.Info("script server stopped")
	return srv.Close()
}

func (h *Host) ServerState() router.ServerState {
	h.srvMu.Lock()
	defer h.srvMu.Unlock()
	return h.srvState
}

// Shutdown stops the scheduler and kills every child the host started.
func (h *Host) Shutdown(ctx context.Context) error {
	var errs []error
	errs = append(errs, h.Scheduler.Stop(ctx))
	errs = append(errs, h.Background.Shutdown(ctx))
	errs = append(errs, h.Registry.Shutdown(ctx))
	errs = append(errs, h.StopServer())
	if h.ownLogs {
		errs = append(errs, h.logs.Close())
	}
	return errors.Join(errs...)
}

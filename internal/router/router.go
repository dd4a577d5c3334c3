// Package router dispatches channel-tagged messages from child scripts and
// from the prompt UI. Every channel has exactly one handler.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/kithost/internal/background"
	"github.com/loykin/kithost/internal/message"
	"github.com/loykin/kithost/internal/metrics"
	"github.com/loykin/kithost/internal/process"
	"github.com/loykin/kithost/internal/prompt"
	"github.com/loykin/kithost/internal/registry"
	"github.com/loykin/kithost/internal/schedule"
)

// Background is the view of the background manager the router needs.
type Background interface {
	List() []background.TaskInfo
	Toggle(filePath string) error
}

type Schedule interface {
	List() []schedule.Entry
}

// Logs hands out per-script loggers.
type Logs interface {
	Get(script string) *slog.Logger
}

// ServerState is the wire shape of GET_SERVER_STATE replies.
type ServerState struct {
	Running bool   `json:"running"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// Point is a screen coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Display describes one screen.
type Display struct {
	ID          int     `json:"id"`
	Bounds      Rect    `json:"bounds"`
	WorkArea    Rect    `json:"workArea"`
	ScaleFactor float64 `json:"scaleFactor"`
}

type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Control is the host side of global commands.
type Control interface {
	Emit(e Event)
	AppHidden() bool
	HideApp()
	Quit()
	SetLoginItem(s message.LoginPayload)
	CheckForUpdates()
	MakeRestartNecessary()
	SwitchKenv(path string) error
	CreateKenv(path string) error
	StartServer(host string, port int) error
	StopServer() error
	ServerState() ServerState
	CursorScreenPoint() Point
	DisplayNearestPoint(p Point) Display
}

type Deps struct {
	Registry   *registry.Registry
	Prompt     prompt.Presenter
	Background Background
	Schedule   Schedule
	Logs       Logs
	Control    Control
	// Now is the clock used for choice decoration; nil means time.Now.
	Now func() time.Time
}

type handler func(ctx context.Context, t process.Type, m message.Message) error

type uiHandler func(ctx context.Context, m message.Message) error

type Router struct {
	d  Deps
	hs map[message.Channel]handler
	ui map[message.Channel]uiHandler
}

func New(d Deps) *Router {
	if d.Prompt == nil {
		d.Prompt = prompt.Nop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	r := &Router{d: d}
	r.hs = map[message.Channel]handler{
		message.ConsoleLog:       r.consoleLog,
		message.ConsoleWarn:      r.consoleWarn,
		message.GetScriptsState:  r.getScriptsState,
		message.GetSchedule:      r.getSchedule,
		message.GetBackground:    r.getBackground,
		message.ToggleBackground: r.toggleBackground,
		message.GetScreenInfo:    r.getScreenInfo,
		message.GetMouse:         r.getMouse,
		message.GetServerState:   r.getServerState,
		message.HideApp:          r.hideApp,
		message.NeedsRestart:     r.needsRestart,
		message.QuitApp:          r.quitApp,
		message.SetScript:        r.setScript,
		message.SetLogin:         r.setLogin,
		message.SetMode:          r.setMode,
		message.SetHint:          forward(r, func(p message.HintPayload) any { return p.Hint }),
		message.SetIgnoreBlur:    forward(r, func(p message.IgnoreBlurPayload) any { return p.Ignore }),
		message.SetInput:         forward(r, func(p message.InputPayload) any { return p.Input }),
		message.SetPanel:         forward(r, func(p message.PanelPayload) any { return p.HTML }),
		message.SetTabIndex:      forward(r, func(p message.TabIndexPayload) any { return p.TabIndex }),
		message.SetPlaceholder:   r.setPlaceholder,
		message.SetPromptData:    r.forwardRaw,
		message.SetChoices:       r.setChoices,
		message.ShowPrompt:       r.showPrompt,
		message.Show:             r.forwardRaw,
		message.ShowText:         r.forwardRaw,
		message.ShowImage:        r.forwardRaw,
		message.ShowNotification: r.forwardRaw,
		message.UpdateApp:        r.updateApp,
		message.SwitchKenv:       r.switchKenv,
		message.CreateKenv:       r.createKenv,
		message.UpdatePromptWarn: r.updatePromptWarn,
		message.ClearPromptCache: r.clearPromptCache,
		message.RunScript:        r.runScript,
		message.SendResponse:     r.sendResponse,
		message.StartServer:      r.startServer,
		message.StopServer:       r.stopServer,
	}
	r.ui = map[message.Channel]uiHandler{
		message.ValueSubmitted:     r.valueSubmitted,
		message.GenerateChoices:    r.generateChoices,
		message.TabChanged:         r.tabChanged,
		message.ContentSizeUpdated: r.contentSizeUpdated,
		message.EscapePressed:      r.escapePressed,
		message.PromptError:        r.promptError,
	}
	return r
}

// Handles reports whether a child message on c has a handler.
func (r *Router) Handles(c message.Channel) bool {
	_, ok := r.hs[c]
	return ok
}

// HandlesUI reports whether a UI event on c has a handler.
func (r *Router) HandlesUI(c message.Channel) bool {
	_, ok := r.ui[c]
	return ok
}

// Handle dispatches one message from a child of type t. Unknown channels
// and handler failures are logged and dropped.
func (r *Router) Handle(ctx context.Context, t process.Type, m message.Message) {
	h, ok := r.hs[m.Channel]
	if !ok {
		metrics.IncUnknownChannel()
		slog.Warn("unknown channel", "channel", m.Channel, "pid", m.PID, "script", m.KitScript)
		return
	}
	metrics.IncRouted(m.Channel.String())
	if err := h(ctx, t, m); err != nil {
		slog.Warn("message handler failed", "channel", m.Channel, "pid", m.PID, "error", err)
	}
}

// HandleUI dispatches one event from the prompt.
func (r *Router) HandleUI(ctx context.Context, m message.Message) {
	h, ok := r.ui[m.Channel]
	if !ok {
		metrics.IncUnknownChannel()
		slog.Warn("unknown ui channel", "channel", m.Channel)
		return
	}
	metrics.IncRouted(m.Channel.String())
	if err := h(ctx, m); err != nil {
		slog.Warn("ui handler failed", "channel", m.Channel, "error", err)
	}
}

func decode[T any](m message.Message) (T, error) {
	var v T
	err := m.Decode(&v)
	return v, err
}

func forward[T any](r *Router, pick func(T) any) handler {
	return func(_ context.Context, _ process.Type, m message.Message) error {
		p, err := decode[T](m)
		if err != nil {
			return err
		}
		r.d.Prompt.SendToPrompt(m.Channel, pick(p))
		return nil
	}
}

func (r *Router) forwardRaw(_ context.Context, _ process.Type, m message.Message) error {
	r.d.Prompt.SendToPrompt(m.Channel, json.RawMessage(m.Raw))
	return nil
}

// reply answers the originating child only if it is still registered.
func (r *Router) reply(pid int, ch message.Channel, payload any) error {
	var err error
	r.d.Registry.IfPid(pid, func(p registry.ProcessInfo) {
		err = p.Child.Send(message.Reply{Channel: ch, Payload: payload})
		if err != nil {
			r.d.Registry.Fail(pid, err)
		}
	})
	return err
}

func (r *Router) tasks() []background.TaskInfo {
	if r.d.Background == nil {
		return []background.TaskInfo{}
	}
	return r.d.Background.List()
}

func (r *Router) schedule() []schedule.Entry {
	if r.d.Schedule == nil {
		return []schedule.Entry{}
	}
	return r.d.Schedule.List()
}

func (r *Router) placeholder(text string) {
	r.d.Prompt.SendToPrompt(message.SetPlaceholder, text)
}

func (r *Router) consoleLog(_ context.Context, _ process.Type, m message.Message) error {
	p, err := decode[message.LogPayload](m)
	if err != nil {
		return err
	}
	if r.d.Logs != nil {
		r.d.Logs.Get(m.KitScript).Info(p.Log)
	}
	return nil
}

func (r *Router) consoleWarn(_ context.Context, _ process.Type, m message.Message) error {
	p, err := decode[message.LogPayload](m)
	if err != nil {
		return err
	}
	text := p.Warn
	if text == "" {
		text = p.Log
	}
	if r.d.Logs != nil {
		r.d.Logs.Get(m.KitScript).Warn(text)
	}
	return nil
}

func (r *Router) getScriptsState(_ context.Context, _ process.Type, m message.Message) error {
	return r.reply(m.PID, message.ScriptsState, map[string]any{
		"schedule": r.schedule(),
		"tasks":    r.tasks(),
	})
}

func (r *Router) getSchedule(_ context.Context, _ process.Type, m message.Message) error {
	return r.reply(m.PID, message.Schedule, map[string]any{"schedule": r.schedule()})
}

func (r *Router) getBackground(_ context.Context, _ process.Type, m message.Message) error {
	return r.reply(m.PID, message.Background, map[string]any{"tasks": r.tasks()})
}

func (r *Router) toggleBackground(_ context.Context, _ process.Type, m message.Message) error {
	p, err := decode[message.FilePathPayload](m)
	if err != nil {
		return err
	}
	r.d.Control.Emit(Event{Kind: EventToggleBackground, Data: p.FilePath})
	if r.d.Background == nil {
		return nil
	}
	return r.d.Background.Toggle(p.FilePath)
}

func (r *Router) getScreenInfo(_ context.Context, _ process.Type, m message.Message) error {
	d := r.d.Control.DisplayNearestPoint(r.d.Control.CursorScreenPoint())
	return r.reply(m.PID, message.ScreenInfo, map[string]any{"activeScreen": d})
}

func (r *Router) getMouse(_ context.Context, _ process.Type, m message.Message) error {
	return r.reply(m.PID, message.Mouse, map[string]any{"mouseCursor": r.d.Control.CursorScreenPoint()})
}

func (r *Router) getServerState(_ context.Context, _ process.Type, m message.Message) error {
	return r.reply(m.PID, message.Server, r.d.Control.ServerState())
}

func (r *Router) hideApp(context.Context, process.Type, message.Message) error {
	r.d.Control.HideApp()
	return nil
}

func (r *Router) needsRestart(context.Context, process.Type, message.Message) error {
	r.d.Control.MakeRestartNecessary()
	return nil
}

func (r *Router) quitApp(context.Context, process.Type, message.Message) error {
	r.d.Control.Quit()
	return nil
}

func (r *Router) setScript(_ context.Context, _ process.Type, m message.Message) error {
	p, err := decode[message.ScriptPayload](m)
	if err != nil {
		return err
	}
	r.d.Registry.IfPid(m.PID, func(info registry.ProcessInfo) {
		if info.Type == process.TypePrompt {
			r.d.Prompt.SendToPrompt(message.SetScript, p.Script)
		}
	})
	return nil
}

func (r *Router) setLogin(_ context.Context, _ process.Type, m message.Message) error {
	p, err := decode[message.LoginPayload](m)
	if err != nil {
		return err
	}
	r.d.Control.SetLoginItem(p)
	return nil
}

func (r *Router) setMode(_ context.Context, _ process.Type, m message.Message) error {
	p, err := decode[message.ModePayload](m)
	if err != nil {
		return err
	}
	if p.Mode == message.ModeHotkey {
		r.d.Control.Emit(Event{Kind: EventPauseShortcuts})
	}
	r.d.Prompt.SendToPrompt(message.SetMode, p.Mode)
	return nil
}

func (r *Router) setPlaceholder(_ context.Context, _ process.Type, m message.Message) error {
	p, err := decode[message.PlaceholderPayload](m)
	if err != nil {
		return err
	}
	r.placeholder(p.Text)
	r.d.Registry.IfPid(m.PID, func(registry.ProcessInfo) { r.d.Prompt.ShowPrompt() })
	return nil
}

func (r *Router) setChoices(_ context.Context, _ process.Type, m message.Message) error {
	p, err := decode[message.ChoicesPayload](m)
	if err != nil {
		return err
	}
	choices := p.Choices
	if p.Scripts {
		choices = EnrichChoices(choices, r.tasks(), r.schedule(), r.d.Now())
	}
	if !message.ValidChoices(choices) {
		r.rejectChoices(m)
		return nil
	}
	if choices == nil {
		choices = []message.Choice{}
	}
	r.d.Prompt.SendToPrompt(message.SetChoices, choices)
	return nil
}

func (r *Router) rejectChoices(m message.Message) {
	metrics.IncRejectedChoices()
	slog.Warn(`choices must have "name" and "value"`, "channel", m.Channel, "pid", m.PID, "script", m.KitScript)
	if !r.d.Control.AppHidden() {
		r.placeholder(InvalidChoicesWarning)
	}
}

func (r *Router) showPrompt(_ context.Context, _ process.Type, m message.Message) error {
	p, err := decode[message.PromptPayload](m)
	if err != nil {
		return err
	}
	r.d.Prompt.ShowPrompt()
	if p.Choices != nil && !message.ValidChoices(p.Choices) {
		r.rejectChoices(m)
		return nil
	}
	r.d.Prompt.SendToPrompt(message.ShowPrompt, json.RawMessage(m.Raw))
	return nil
}

func (r *Router) updateApp(context.Context, process.Type, message.Message) error {
	r.d.Control.CheckForUpdates()
	return nil
}

func (r *Router) switchKenv(_ context.Context, _ process.Type, m message.Message) error {
	p, err := decode[message.KenvPayload](m)
	if err != nil {
		return err
	}
	return r.d.Control.SwitchKenv(p.KenvPath)
}

func (r *Router) createKenv(_ context.Context, _ process.Type, m message.Message) error {
	p, err := decode[message.KenvPayload](m)
	if err != nil {
		return err
	}
	return r.d.Control.CreateKenv(p.KenvPath)
}

func (r *Router) updatePromptWarn(_ context.Context, _ process.Type, m message.Message) error {
	p, err := decode[message.InfoPayload](m)
	if err != nil {
		return err
	}
	r.placeholder(p.Info)
	return nil
}

func (r *Router) clearPromptCache(_ context.Context, _ process.Type, m message.Message) error {
	r.d.Prompt.SendToPrompt(m.Channel, nil)
	return nil
}

func (r *Router) runScript(ctx context.Context, t process.Type, m message.Message) error {
	p, err := decode[message.RunScriptPayload](m)
	if err != nil {
		return err
	}
	slog.Info("run", "name", p.Name, "args", strings.Join(p.Args, " "))
	return r.forwardRaw(ctx, t, m)
}

func (r *Router) sendResponse(_ context.Context, _ process.Type, m message.Message) error {
	return r.d.Registry.Respond(m.PID, json.RawMessage(m.Raw))
}

func (r *Router) startServer(_ context.Context, _ process.Type, m message.Message) error {
	p, err := decode[message.ServerPayload](m)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(p.Port.String())
	if err != nil {
		return fmt.Errorf("start server: bad port %q: %w", p.Port, err)
	}
	return r.d.Control.StartServer(p.Host, port)
}

func (r *Router) stopServer(context.Context, process.Type, message.Message) error {
	return r.d.Control.StopServer()
}

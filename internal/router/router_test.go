//go:build !windows

package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/kithost/internal/background"
	"github.com/loykin/kithost/internal/message"
	"github.com/loykin/kithost/internal/process"
	"github.com/loykin/kithost/internal/registry"
	"github.com/loykin/kithost/internal/schedule"
)

type sent struct {
	ch   message.Channel
	data any
}

type fakePresenter struct {
	mu      sync.Mutex
	sent    []sent
	shown   int
	hidden  int
	resized []message.SizePayload
}

func (p *fakePresenter) SendToPrompt(ch message.Channel, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sent{ch, data})
}
func (p *fakePresenter) ShowPrompt() { p.mu.Lock(); p.shown++; p.mu.Unlock() }
func (p *fakePresenter) HidePromptWindow() {
	p.mu.Lock()
	p.hidden++
	p.mu.Unlock()
}
func (p *fakePresenter) ResizePrompt(s message.SizePayload) {
	p.mu.Lock()
	p.resized = append(p.resized, s)
	p.mu.Unlock()
}

func (p *fakePresenter) on(ch message.Channel) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []any
	for _, s := range p.sent {
		if s.ch == ch {
			out = append(out, s.data)
		}
	}
	return out
}

type fakeControl struct {
	mu       sync.Mutex
	events   []Event
	hidden   bool
	quit     bool
	restart  bool
	updates  bool
	login    message.LoginPayload
	kenvs    []string
	server   ServerState
	serverOn bool
}

func (c *fakeControl) Emit(e Event) { c.mu.Lock(); c.events = append(c.events, e); c.mu.Unlock() }
func (c *fakeControl) AppHidden() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hidden
}
func (c *fakeControl) HideApp()                            { c.mu.Lock(); c.hidden = true; c.mu.Unlock() }
func (c *fakeControl) Quit()                               { c.quit = true }
func (c *fakeControl) SetLoginItem(s message.LoginPayload) { c.login = s }
func (c *fakeControl) CheckForUpdates()                    { c.updates = true }
func (c *fakeControl) MakeRestartNecessary()               { c.restart = true }
func (c *fakeControl) SwitchKenv(p string) error           { c.kenvs = append(c.kenvs, "switch:"+p); return nil }
func (c *fakeControl) CreateKenv(p string) error           { c.kenvs = append(c.kenvs, "create:"+p); return nil }
func (c *fakeControl) StartServer(host string, port int) error {
	c.server = ServerState{Running: true, Host: host, Port: port}
	return nil
}
func (c *fakeControl) StopServer() error        { c.server.Running = false; return nil }
func (c *fakeControl) ServerState() ServerState { return c.server }
func (c *fakeControl) CursorScreenPoint() Point { return Point{X: 5, Y: 7} }
func (c *fakeControl) DisplayNearestPoint(p Point) Display {
	return Display{ID: 1, Bounds: Rect{Width: 1920, Height: 1080}, ScaleFactor: 2}
}

func (c *fakeControl) kinds() []EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []EventKind
	for _, e := range c.events {
		out = append(out, e.Kind)
	}
	return out
}

type bufLogs struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *bufLogs) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *bufLogs) Get(script string) *slog.Logger {
	return slog.New(slog.NewTextHandler(b, nil)).With("script", script)
}

type fakeBackground struct {
	tasks   []background.TaskInfo
	toggled []string
}

func (f *fakeBackground) List() []background.TaskInfo { return f.tasks }
func (f *fakeBackground) Toggle(p string) error       { f.toggled = append(f.toggled, p); return nil }

type fakeSchedule []schedule.Entry

func (f fakeSchedule) List() []schedule.Entry { return f }

type env struct {
	r    *Router
	reg  *registry.Registry
	ui   *fakePresenter
	ctl  *fakeControl
	logs *bufLogs
	bg   *fakeBackground
	kenv string
	sp   *process.Spawner
}

func newEnv(t *testing.T) *env {
	t.Helper()
	kenv := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(kenv, "scripts"), 0o755))
	sp := process.NewSpawner(process.Options{
		KitPath:   filepath.Join(kenv, "kit"),
		KenvPath:  kenv,
		Runtime:   "/bin/sh",
		ScriptExt: ".sh",
		Stdout:    io.Discard,
		Stderr:    io.Discard,
	})
	e := &env{
		reg:  registry.New(sp, registry.Options{}),
		ui:   &fakePresenter{},
		ctl:  &fakeControl{},
		logs: &bufLogs{},
		bg:   &fakeBackground{},
		kenv: kenv,
		sp:   sp,
	}
	e.r = New(Deps{
		Registry:   e.reg,
		Prompt:     e.ui,
		Background: e.bg,
		Schedule:   fakeSchedule{},
		Logs:       e.logs,
		Control:    e.ctl,
		Now:        func() time.Time { return time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC) },
	})
	t.Cleanup(func() { _ = e.reg.Shutdown(context.Background()) })
	return e
}

func (e *env) script(t *testing.T, name, body string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(e.kenv, "scripts", name+".sh"), []byte(body), 0o755))
	return name
}

func msg(t *testing.T, raw string) message.Message {
	t.Helper()
	m, err := message.Parse([]byte(raw))
	require.NoError(t, err)
	return m
}

func TestEveryChannelHasAHandler(t *testing.T) {
	r := New(Deps{Control: &fakeControl{}})
	for _, c := range message.AllChannels() {
		assert.True(t, r.Handles(c), "no handler for %s", c)
	}
	for _, c := range message.UIChannels() {
		assert.True(t, r.HandlesUI(c), "no ui handler for %s", c)
	}
	assert.Len(t, r.hs, len(message.AllChannels()))
	assert.Len(t, r.ui, len(message.UIChannels()))
}

func TestUnknownChannelIsDropped(t *testing.T) {
	e := newEnv(t)
	e.r.Handle(context.Background(), process.TypeApp, msg(t, `{"channel":"NOT_A_CHANNEL"}`))
	e.r.HandleUI(context.Background(), msg(t, `{"channel":"ALSO_NOT"}`))
	assert.Empty(t, e.ui.sent)
	assert.Empty(t, e.ctl.events)
}

func TestForwarders(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.r.Handle(ctx, process.TypePrompt, msg(t, `{"channel":"SET_HINT","hint":"pick one"}`))
	e.r.Handle(ctx, process.TypePrompt, msg(t, `{"channel":"SET_INPUT","input":"abc"}`))
	e.r.Handle(ctx, process.TypePrompt, msg(t, `{"channel":"SET_PANEL","html":"<b>x</b>"}`))
	e.r.Handle(ctx, process.TypePrompt, msg(t, `{"channel":"SET_TAB_INDEX","tabIndex":2}`))
	e.r.Handle(ctx, process.TypePrompt, msg(t, `{"channel":"SET_IGNORE_BLUR","ignore":true}`))
	e.r.Handle(ctx, process.TypePrompt, msg(t, `{"channel":"UPDATE_PROMPT_WARN","info":"careful"}`))
	e.r.Handle(ctx, process.TypePrompt, msg(t, `{"channel":"SHOW_TEXT","text":"hi"}`))

	assert.Equal(t, []any{"pick one"}, e.ui.on(message.SetHint))
	assert.Equal(t, []any{"abc"}, e.ui.on(message.SetInput))
	assert.Equal(t, []any{"<b>x</b>"}, e.ui.on(message.SetPanel))
	assert.Equal(t, []any{2}, e.ui.on(message.SetTabIndex))
	assert.Equal(t, []any{true}, e.ui.on(message.SetIgnoreBlur))
	assert.Equal(t, []any{"careful"}, e.ui.on(message.SetPlaceholder))
	raw := e.ui.on(message.ShowText)
	require.Len(t, raw, 1)
	assert.JSONEq(t, `{"channel":"SHOW_TEXT","text":"hi"}`, string(raw[0].(json.RawMessage)))
}

func TestSetModeHotkeyPausesShortcuts(t *testing.T) {
	e := newEnv(t)
	e.r.Handle(context.Background(), process.TypePrompt, msg(t, `{"channel":"SET_MODE","mode":"GENERATE"}`))
	assert.Empty(t, e.ctl.kinds())
	e.r.Handle(context.Background(), process.TypePrompt, msg(t, `{"channel":"SET_MODE","mode":"HOTKEY"}`))
	assert.Equal(t, []EventKind{EventPauseShortcuts}, e.ctl.kinds())
	assert.Equal(t, []any{"GENERATE", "HOTKEY"}, e.ui.on(message.SetMode))
}

func TestConsoleLogsGoToScriptLog(t *testing.T) {
	e := newEnv(t)
	e.r.Handle(context.Background(), process.TypeApp, msg(t, `{"channel":"CONSOLE_LOG","kitScript":"demo","log":"hello there"}`))
	e.r.Handle(context.Background(), process.TypeApp, msg(t, `{"channel":"CONSOLE_WARN","kitScript":"demo","warn":"uh oh"}`))
	out := e.logs.buf.String()
	assert.Contains(t, out, "hello there")
	assert.Contains(t, out, "uh oh")
	assert.Contains(t, out, "level=WARN")
}

func TestGlobalCommands(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.r.Handle(ctx, process.TypeApp, msg(t, `{"channel":"QUIT_APP"}`))
	e.r.Handle(ctx, process.TypeApp, msg(t, `{"channel":"HIDE_APP"}`))
	e.r.Handle(ctx, process.TypeApp, msg(t, `{"channel":"NEEDS_RESTART"}`))
	e.r.Handle(ctx, process.TypeApp, msg(t, `{"channel":"UPDATE_APP"}`))
	e.r.Handle(ctx, process.TypeApp, msg(t, `{"channel":"SET_LOGIN","openAtLogin":true}`))
	e.r.Handle(ctx, process.TypeApp, msg(t, `{"channel":"SWITCH_KENV","kenvPath":"/k2"}`))
	e.r.Handle(ctx, process.TypeApp, msg(t, `{"channel":"CREATE_KENV","kenvPath":"/k3"}`))
	e.r.Handle(ctx, process.TypeApp, msg(t, `{"channel":"START_SERVER","host":"localhost","port":"8080"}`))
	e.r.Handle(ctx, process.TypeApp, msg(t, `{"channel":"TOGGLE_BACKGROUND","filePath":"/s/bg.js"}`))

	assert.True(t, e.ctl.quit)
	assert.True(t, e.ctl.hidden)
	assert.True(t, e.ctl.restart)
	assert.True(t, e.ctl.updates)
	assert.True(t, e.ctl.login.OpenAtLogin)
	assert.Equal(t, []string{"switch:/k2", "create:/k3"}, e.ctl.kenvs)
	assert.Equal(t, ServerState{Running: true, Host: "localhost", Port: 8080}, e.ctl.server)
	assert.Equal(t, []string{"/s/bg.js"}, e.bg.toggled)
	assert.Contains(t, e.ctl.kinds(), EventToggleBackground)

	e.r.Handle(ctx, process.TypeApp, msg(t, `{"channel":"START_SERVER","host":"localhost","port":"nope"}`))
	assert.Equal(t, 8080, e.ctl.server.Port)
	e.r.Handle(ctx, process.TypeApp, msg(t, `{"channel":"STOP_SERVER"}`))
	assert.False(t, e.ctl.server.Running)
}

func TestSetChoicesValidationGate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.r.Handle(ctx, process.TypePrompt, msg(t, `{"channel":"SET_CHOICES","choices":[{"name":"a","value":"a"},{"name":"b"}]}`))
	assert.Empty(t, e.ui.on(message.SetChoices))
	assert.Equal(t, []any{InvalidChoicesWarning}, e.ui.on(message.SetPlaceholder))

	e.ctl.hidden = true
	e.r.Handle(ctx, process.TypePrompt, msg(t, `{"channel":"SET_CHOICES","choices":[{"value":1}]}`))
	assert.Len(t, e.ui.on(message.SetPlaceholder), 1, "no placeholder while the app is hidden")

	e.r.Handle(ctx, process.TypePrompt, msg(t, `{"channel":"SET_CHOICES","choices":[{"name":"a","value":"a"}]}`))
	got := e.ui.on(message.SetChoices)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].([]message.Choice)[0].Name)
}

func TestSetChoicesEnrichesScripts(t *testing.T) {
	e := newEnv(t)
	now := e.r.d.Now()
	e.bg.tasks = []background.TaskInfo{{FilePath: "/s/bg.js", PID: 42, Start: now.Add(-3 * time.Minute)}}

	e.r.Handle(context.Background(), process.TypePrompt, msg(t,
		`{"channel":"SET_CHOICES","scripts":true,"choices":[{"name":"bg","value":"bg","filePath":"/s/bg.js","background":true}]}`))
	got := e.ui.on(message.SetChoices)
	require.Len(t, got, 1)
	assert.Equal(t, "🟢  Uptime: 3 minutes PID: 42", got[0].([]message.Choice)[0].Description)

	e.r.Handle(context.Background(), process.TypePrompt, msg(t,
		`{"channel":"SET_CHOICES","choices":[{"name":"bg","value":"bg","filePath":"/s/bg.js","background":true}]}`))
	got = e.ui.on(message.SetChoices)
	assert.Empty(t, got[1].([]message.Choice)[0].Description, "only script lists are decorated")
}

func TestEnrichChoices(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	next := time.Date(2024, 3, 1, 14, 30, 5, 0, time.UTC)
	in := []message.Choice{
		{Name: "running", FilePath: "/a", Background: true, Description: "A. "},
		{Name: "stopped", FilePath: "/b", Background: true},
		{Name: "sched", FilePath: "/c", Schedule: "30 14 * * *"},
		{Name: "unsched", FilePath: "/d", Schedule: "0 * * * *"},
		{Name: "watch", FilePath: "/e", Watch: "~/Downloads"},
		{Name: "plain", FilePath: "/f"},
	}
	tasks := []background.TaskInfo{{FilePath: "/a", PID: 7, Start: now.Add(-2 * time.Hour)}}
	sched := []schedule.Entry{{FilePath: "/c", Expr: "30 14 * * *", Next: next}}

	out := EnrichChoices(in, tasks, sched, now)
	require.Len(t, out, len(in))
	assert.Equal(t, "A. 🟢  Uptime: 2 hours PID: 7", out[0].Description)
	assert.Equal(t, "🛑 isn't running", out[1].Description)
	assert.Equal(t, " next run in 2 hours - Mar 1, 2:30:05PM - 30 14 * * *", out[2].Description)
	assert.Empty(t, out[3].Description)
	assert.Equal(t, " Watching: ~/Downloads", out[4].Description)
	assert.Empty(t, out[5].Description)
	assert.Equal(t, "A. ", in[0].Description, "input is not modified")
}

func TestShowPromptValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.r.Handle(ctx, process.TypePrompt, msg(t, `{"channel":"SHOW_PROMPT","choices":[{"name":"x"}]}`))
	assert.Equal(t, 1, e.ui.shown)
	assert.Empty(t, e.ui.on(message.ShowPrompt))
	assert.Equal(t, []any{InvalidChoicesWarning}, e.ui.on(message.SetPlaceholder))

	e.r.Handle(ctx, process.TypePrompt, msg(t, `{"channel":"SHOW_PROMPT","placeholder":"go"}`))
	assert.Len(t, e.ui.on(message.ShowPrompt), 1)
}

func TestQueryRepliesReachOnlyTheChild(t *testing.T) {
	e := newEnv(t)
	out := filepath.Join(e.kenv, "reply.json")
	e.bg.tasks = []background.TaskInfo{{FilePath: "/s/bg.js", PID: 9, SpawnArgs: []string{"node", "/s/bg.js"}, Start: time.Unix(0, 0).UTC()}}
	name := e.script(t, "ask", fmt.Sprintf(`echo '{"channel":"GET_BACKGROUND"}' >&3
read -r line <&3
printf '%%s' "$line" > %q
`, out))

	res := make(chan any, 1)
	_, err := e.reg.Add(process.TypeApp, name, nil, registry.Handlers{
		OnMessage: func(pt process.Type, m message.Message) { e.r.Handle(context.Background(), pt, m) },
		Resolve:   func(v any) { res <- v },
	})
	require.NoError(t, err)

	select {
	case <-res:
	case <-time.After(10 * time.Second):
		t.Fatal("child never exited")
	}
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	var reply struct {
		Channel message.Channel       `json:"channel"`
		Tasks   []background.TaskInfo `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(b, &reply))
	assert.Equal(t, message.Background, reply.Channel)
	require.Len(t, reply.Tasks, 1)
	assert.Equal(t, 9, reply.Tasks[0].PID)
}

func TestReplyToMissingPidIsNoop(t *testing.T) {
	e := newEnv(t)
	e.r.Handle(context.Background(), process.TypeApp, msg(t, `{"channel":"GET_MOUSE","pid":999999}`))
	e.r.Handle(context.Background(), process.TypeApp, msg(t, `{"channel":"SET_PLACEHOLDER","pid":999999,"text":"t"}`))
	assert.Equal(t, 0, e.ui.shown)
	assert.Equal(t, []any{"t"}, e.ui.on(message.SetPlaceholder))
}

func TestSendResponseResolvesEarly(t *testing.T) {
	e := newEnv(t)
	name := e.script(t, "respond", `echo '{"channel":"SEND_RESPONSE","body":"ok"}' >&3
sleep 30
`)
	res := make(chan any, 2)
	child, err := e.reg.Add(process.TypeBackground, name, nil, registry.Handlers{
		OnMessage: func(pt process.Type, m message.Message) { e.r.Handle(context.Background(), pt, m) },
		Resolve:   func(v any) { res <- v },
	})
	require.NoError(t, err)

	select {
	case v := <-res:
		raw, ok := v.(json.RawMessage)
		require.True(t, ok)
		assert.Contains(t, string(raw), `"body":"ok"`)
	case <-time.After(10 * time.Second):
		t.Fatal("no response")
	}
	_, ok := e.reg.GetByPid(child.PID())
	assert.True(t, ok, "responding does not end the process")
}

func TestValueSubmittedReachesPromptAndResolves(t *testing.T) {
	e := newEnv(t)
	name := e.script(t, "ask", `read -r line <&3
case "$line" in *VALUE_SUBMITTED*) exit 0 ;; esac
exit 3
`)
	res := make(chan any, 1)
	_, err := e.reg.Add(process.TypePrompt, name, nil, registry.Handlers{Resolve: func(v any) { res <- v }})
	require.NoError(t, err)

	e.r.HandleUI(context.Background(), msg(t, `{"channel":"VALUE_SUBMITTED","value":"picked"}`))
	select {
	case v := <-res:
		assert.Equal(t, []any{"picked"}, v)
	case <-time.After(10 * time.Second):
		t.Fatal("prompt never resolved")
	}
	assert.Equal(t, []EventKind{EventResumeShortcuts}, e.ctl.kinds())
}

func TestEscapePressedEndsPrompt(t *testing.T) {
	e := newEnv(t)
	name := e.script(t, "wait", "sleep 30\n")
	child, err := e.reg.Add(process.TypePrompt, name, nil, registry.Handlers{})
	require.NoError(t, err)

	e.r.HandleUI(context.Background(), msg(t, `{"channel":"ESCAPE_PRESSED"}`))
	_, err = e.reg.FindPromptProcess()
	assert.ErrorIs(t, err, registry.ErrNoPromptProcess)
	assert.Equal(t, 1, e.ui.hidden)
	reset := e.ui.on(message.ResetPrompt)
	require.Len(t, reset, 1)
	assert.Equal(t, map[string]string{"kitScript": name}, reset[0])

	select {
	case <-child.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("prompt child still running")
	}
}

func TestUIEventsWithoutPrompt(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.r.HandleUI(ctx, msg(t, `{"channel":"VALUE_SUBMITTED","value":1}`))
	e.r.HandleUI(ctx, msg(t, `{"channel":"GENERATE_CHOICES","input":"a"}`))
	e.r.HandleUI(ctx, msg(t, `{"channel":"TAB_CHANGED","tab":"x"}`))
	e.r.HandleUI(ctx, msg(t, `{"channel":"CONTENT_SIZE_UPDATED","width":300,"height":200}`))
	e.r.HandleUI(ctx, msg(t, `{"channel":"PROMPT_ERROR","message":"boom"}`))

	assert.Equal(t, []message.SizePayload{{Width: 300, Height: 200}}, e.ui.resized)
	assert.Equal(t, []any{"boom"}, e.ui.on(message.SetPlaceholder))
	assert.True(t, strings.Contains(fmt.Sprint(e.ctl.kinds()), string(EventResumeShortcuts)))
}

package host

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/kithost/internal/config"
	"github.com/loykin/kithost/internal/process"
	"github.com/loykin/kithost/internal/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHost(t *testing.T, opts Options) (*Host, string) {
	t.Helper()
	kenv := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(kenv, "scripts"), 0o755))
	cfg := &config.Config{
		KitPath:        filepath.Join(kenv, "kit"),
		KenvPath:       kenv,
		Runtime:        "/bin/sh",
		ScriptExt:      ".sh",
		ProcessTimeout: 5 * time.Second,
		Log:            config.LogConfig{Dir: filepath.Join(kenv, "logs")},
	}
	opts.Config = cfg
	h, err := New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = h.Shutdown(context.Background())
	})
	return h, kenv
}

func writeScript(t *testing.T, kenv, name, body string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(kenv, "scripts", name+".sh"), []byte(body), 0o755))
	return name
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestRunScriptRoutesSendResponse(t *testing.T) {
	h, kenv := newHost(t, Options{})
	name := writeScript(t, kenv, "answer", `echo '{"channel":"SEND_RESPONSE","answer":42}' >&3
exit 0
`)
	// the child exits right after responding; the response must still win
	for i := 0; i < 20; i++ {
		run, err := h.RunScript(name, nil)
		require.NoError(t, err)
		assert.Positive(t, run.PID)

		v, err := run.Wait(waitCtx(t))
		require.NoError(t, err)
		raw, ok := v.(json.RawMessage)
		require.True(t, ok, "run %d resolved with %#v", i, v)
		var body struct {
			Answer int `json:"answer"`
		}
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, 42, body.Answer)
	}
}

func TestPromptExitEmitsEvents(t *testing.T) {
	h, kenv := newHost(t, Options{})
	name := writeScript(t, kenv, "quick", "exit 0\n")
	h.appHidden.Store(true)

	run, err := h.RunScript(name, nil)
	require.NoError(t, err)
	_, err = run.Wait(waitCtx(t))
	require.NoError(t, err)

	var kinds []router.EventKind
	timeout := time.After(2 * time.Second)
	for len(kinds) < 2 {
		select {
		case e := <-h.Events():
			kinds = append(kinds, e.Kind)
		case <-timeout:
			t.Fatalf("events: %v", kinds)
		}
	}
	assert.Equal(t, []router.EventKind{router.EventExitPrompt, router.EventResumeShortcuts}, kinds)
	assert.False(t, h.AppHidden())
}

func TestQuitAppEndsRun(t *testing.T) {
	kenv := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(kenv, "scripts"), 0o755))
	h, err := New(Options{Config: &config.Config{KenvPath: kenv, Runtime: "/bin/sh", ScriptExt: ".sh"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })

	errc := make(chan error, 1)
	go func() { errc <- h.Run(context.Background()) }()

	name := writeScript(t, kenv, "quit", `echo '{"channel":"QUIT_APP"}' >&3
sleep 30
`)
	_, err = h.Start(process.TypeApp, name, nil)
	require.NoError(t, err)

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after QUIT_APP")
	}
	<-h.Done()
	assert.False(t, h.Do(func(context.Context) {}))
}

func TestRunOnlyOnce(t *testing.T) {
	h, err := New(Options{Config: &config.Config{Runtime: "/bin/sh"}})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, h.Run(ctx))
	assert.Error(t, h.Run(context.Background()))
	assert.False(t, h.Do(func(context.Context) {}))
}

func TestLoopRecoversFromPanic(t *testing.T) {
	h, _ := newHost(t, Options{})
	require.True(t, h.Do(func(context.Context) { panic("boom") }))
	ran := make(chan struct{})
	require.True(t, h.Do(func(context.Context) { close(ran) }))
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("loop stopped after panic")
	}
}

func TestParseKitURL(t *testing.T) {
	args, err := ParseKitURL("kit://todo%20add%20milk")
	require.NoError(t, err)
	assert.Equal(t, []string{"todo", "add", "milk"}, args)

	args, err = ParseKitURL("kit://single")
	require.NoError(t, err)
	assert.Equal(t, []string{"single"}, args)

	_, err = ParseKitURL("https://example.com")
	assert.ErrorIs(t, err, ErrNotKitURL)

	_, err = ParseKitURL("kit://%zz")
	assert.Error(t, err)
}

func TestOpenURLRunsNewScript(t *testing.T) {
	h, kenv := newHost(t, Options{})
	out := filepath.Join(kenv, "args.txt")
	cli := filepath.Join(kenv, "kit", "cli")
	require.NoError(t, os.MkdirAll(cli, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cli, "new.sh"), []byte(`echo "$@" > "`+out+`"
`), 0o755))

	run, err := h.OpenURL("kit://hello%20world")
	require.NoError(t, err)
	_, err = run.Wait(waitCtx(t))
	require.NoError(t, err)

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello world --app\n", string(b))
}

func TestRelaunch(t *testing.T) {
	h, kenv := newHost(t, Options{})
	out := filepath.Join(kenv, "relaunch.txt")
	name := writeScript(t, kenv, "again", `echo "$@" > "`+out+`"
`)

	run, err := h.Relaunch(nil)
	assert.NoError(t, err)
	assert.Nil(t, run)

	run, err = h.Relaunch([]string{name, "a", "b"})
	require.NoError(t, err)
	_, err = run.Wait(waitCtx(t))
	require.NoError(t, err)

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "a b --app\n", string(b))
}

func TestSwitchAndCreateKenv(t *testing.T) {
	h, kenv := newHost(t, Options{})
	other := filepath.Join(t.TempDir(), "other")

	assert.Error(t, h.SwitchKenv(other))
	require.NoError(t, h.CreateKenv(other))
	for _, d := range []string{"scripts", "lib", "logs"} {
		assert.DirExists(t, filepath.Join(other, d))
	}
	assert.FileExists(t, filepath.Join(other, ".env"))
	require.NoError(t, os.WriteFile(filepath.Join(other, ".env"), []byte("A=1\n"), 0o600))
	require.NoError(t, h.CreateKenv(other))
	b, err := os.ReadFile(filepath.Join(other, ".env"))
	require.NoError(t, err)
	assert.Equal(t, "A=1\n", string(b), "existing .env kept")

	assert.Equal(t, kenv, h.Spawner().KenvPath())
	require.NoError(t, h.SwitchKenv(other))
	assert.Equal(t, other, h.Spawner().KenvPath())
	assert.NoError(t, h.SwitchKenv(""))

	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-h.Events():
			if e.Kind == router.EventKenvChanged {
				assert.Equal(t, other, e.Data)
				return
			}
		case <-timeout:
			t.Fatal("no kenv change event")
		}
	}
}

type closer struct{ closed bool }

func (c *closer) Close() error {
	c.closed = true
	return nil
}

func TestScriptServerLifecycle(t *testing.T) {
	h, _ := newHost(t, Options{})
	assert.Error(t, h.StartServer("localhost", 8080))

	var started []*closer
	var addrs []string
	h2, _ := newHost(t, Options{ScriptServer: func(addr string) (io.Closer, error) {
		c := &closer{}
		started = append(started, c)
		addrs = append(addrs, addr)
		return c, nil
	}})
	require.NoError(t, h2.StartServer("localhost", 8080))
	assert.Equal(t, router.ServerState{Running: true, Host: "localhost", Port: 8080}, h2.ServerState())

	require.NoError(t, h2.StartServer("0.0.0.0", 9000))
	assert.True(t, started[0].closed, "previous server replaced")
	assert.Equal(t, []string{"localhost:8080", "0.0.0.0:9000"}, addrs)

	require.NoError(t, h2.StopServer())
	assert.True(t, started[1].closed)
	assert.False(t, h2.ServerState().Running)
	assert.NoError(t, h2.StopServer())

	h3, _ := newHost(t, Options{ScriptServer: func(string) (io.Closer, error) {
		return nil, errors.New("address in use")
	}})
	assert.Error(t, h3.StartServer("localhost", 1))
	assert.False(t, h3.ServerState().Running)
}

func TestHeadlessDesktop(t *testing.T) {
	h, _ := newHost(t, Options{})
	d := h.DisplayNearestPoint(h.CursorScreenPoint())
	assert.Equal(t, 1920, d.Bounds.Width)
	assert.Equal(t, 1080, d.WorkArea.Height)

	h.MakeRestartNecessary()
	assert.True(t, h.RestartNeeded())
	h.HideApp()
	assert.True(t, h.AppHidden())
}

package process

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/kithost/internal/env"
)

// IPCFD is the descriptor number of the message channel inside the child.
const IPCFD = 3

// Options configures a Spawner.
type Options struct {
	KitPath     string
	KenvPath    string
	Runtime     string // executable that runs scripts, e.g. node
	PromptEntry string // adapter for prompt children; empty runs the script directly
	AppEntry    string // adapter for every other type
	ScriptExt   string // appended when a script path has no extension
	AppVersion  string

	Env    *env.Env  // base environment; nil uses the OS environment
	Stdout io.Writer // interactive children; nil inherits the host's stdout
	Stderr io.Writer

	// BackgroundLog returns the writer a background script's output goes
	// to. Nil or a nil writer discards output.
	BackgroundLog func(filePath string) io.Writer
}

// Spawner builds execution environments and starts children. It does not
// track what it starts.
type Spawner struct {
	opts Options
}

func NewSpawner(opts Options) *Spawner {
	if opts.ScriptExt == "" {
		opts.ScriptExt = ".js"
	}
	if opts.Env == nil {
		opts.Env = env.New()
	}
	return &Spawner{opts: opts}
}

// KenvPath joins elem under the kenv root.
func (s *Spawner) KenvPath(elem ...string) string {
	return filepath.Join(append([]string{s.opts.KenvPath}, elem...)...)
}

// KitPath joins elem under the kit root.
func (s *Spawner) KitPath(elem ...string) string {
	return filepath.Join(append([]string{s.opts.KitPath}, elem...)...)
}

// ResolvePath maps a script reference onto a file: absolute paths pass
// through, relative paths with a separator live under kenv, bare names
// under kenv/scripts. The default extension is added when missing.
func (s *Spawner) ResolvePath(scriptPath string) string {
	var p string
	switch {
	case filepath.IsAbs(scriptPath):
		p = scriptPath
	case strings.ContainsRune(scriptPath, filepath.Separator) || strings.Contains(scriptPath, "/"):
		p = s.KenvPath(scriptPath)
	default:
		p = s.KenvPath("scripts", scriptPath)
	}
	if !strings.HasSuffix(p, s.opts.ScriptExt) {
		p += s.opts.ScriptExt
	}
	return p
}

// Command returns argv for an interactive child:
// <runtime> [entry] <resolved> <args...> --app. An empty scriptPath yields
// <runtime> [entry] --app.
func (s *Spawner) Command(t Type, scriptPath string, args []string) []string {
	argv := []string{s.opts.Runtime}
	entry := s.opts.AppEntry
	if t == TypePrompt {
		entry = s.opts.PromptEntry
	}
	if entry != "" {
		argv = append(argv, entry)
	}
	if scriptPath != "" {
		argv = append(argv, s.ResolvePath(scriptPath))
		argv = append(argv, args...)
	}
	return append(argv, "--app")
}

// Environ composes a child's environment: OS env, then kenv/.env, then
// host variables.
func (s *Spawner) Environ(t Type, scriptPath string) []string {
	e := s.opts.Env.WithSet("KIT_CONTEXT", "app")
	if err := e.LoadDotenv(s.dotenv()); err != nil {
		slog.Warn("kenv dotenv ignored", "path", s.dotenv(), "error", err)
	}
	e = e.WithSet("KIT_MAIN", scriptPath).
		WithSet("PATH", env.JoinPath(os.Getenv("PATH"), s.KitPath("bin"), s.KitPath("node", "bin"), s.KenvPath("bin"))).
		WithSet("NODE_PATH", env.JoinPath(os.Getenv("NODE_PATH"), s.KitPath("node_modules"), s.KenvPath("node_modules"))).
		WithSet("KENV", s.opts.KenvPath).
		WithSet("KIT", s.opts.KitPath).
		WithSet("KIT_DOTENV", s.dotenv()).
		WithSet("KIT_APP_VERSION", s.opts.AppVersion).
		WithSet("PROCESS_TYPE", t.String()).
		WithSet("KIT_IPC_FD", strconv.Itoa(IPCFD))
	return e.Merge(nil)
}

func (s *Spawner) dotenv() string {
	if s.opts.KenvPath == "" {
		return ""
	}
	return s.KenvPath(".env")
}

// Spawn starts one interactive child. The caller must start consuming
// Messages before anything else observes the child.
func (s *Spawner) Spawn(t Type, scriptPath string, args []string) (*Child, error) {
	argv := s.Command(t, scriptPath, args)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = s.Environ(t, scriptPath)
	cmd.Stdout = s.opts.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = s.opts.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	script := scriptPath
	if script != "" {
		script = s.ResolvePath(scriptPath)
	}
	return s.start(t, script, cmd)
}

// SpawnBackground starts a long-lived child for filePath. The path is used
// as is, no entry adapter or --app flag is added, and output goes to the
// script's rotating log.
func (s *Spawner) SpawnBackground(filePath string, args []string) (*Child, error) {
	argv := append([]string{s.opts.Runtime, filePath}, args...)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = s.Environ(TypeBackground, filePath)
	var w io.Writer
	if s.opts.BackgroundLog != nil {
		w = s.opts.BackgroundLog(filePath)
	}
	if w != nil {
		cmd.Stdout = w
		cmd.Stderr = w
		// a grandchild holding the log pipe must not stall Wait
		cmd.WaitDelay = 2 * time.Second
	}
	return s.start(TypeBackground, filePath, cmd)
}

func (s *Spawner) start(t Type, script string, cmd *exec.Cmd) (*Child, error) {
	if s.opts.Runtime == "" {
		return nil, fmt.Errorf("%w: no runtime configured", ErrSpawn)
	}
	configureSysProcAttr(cmd)
	conn, childEnd, err := newChannel()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	cmd.ExtraFiles = []*os.File{childEnd} // fd 3

	c := newChild(t, script, cmd, conn)
	err = c.start()
	_ = childEnd.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrSpawn, t, script, err)
	}
	slog.Debug("spawned", "pid", c.PID(), "type", t, "script", script)
	return c, nil
}

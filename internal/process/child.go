package process

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/loykin/kithost/internal/message"
)

var (
	// ErrSpawn wraps every failure to create a child.
	ErrSpawn = errors.New("spawn failed")
	// ErrExited is returned by Send once the child has been reaped.
	ErrExited = errors.New("process exited")
)

const (
	maxFrame     = 4 * 1024 * 1024
	writeTimeout = 5 * time.Second
	// drainGrace is how long the reader may keep consuming frames after the
	// process exits. A grandchild that inherited fd 3 would otherwise hold
	// the channel open forever.
	drainGrace = 500 * time.Millisecond
)

// Child is a spawned script process and its message channel.
//
// State Machine:
// Spawning -> Running -> Exiting -> Reaped
type Child struct {
	typ     Type
	script  string
	cmd     *exec.Cmd
	conn    net.Conn
	started time.Time

	state    atomic.Int32
	waited   atomic.Bool
	messages chan message.Message
	readDone chan struct{}
	done     chan struct{}

	sendMu  sync.Mutex
	exitMu  sync.Mutex
	exitErr error
	closers []io.Closer
}

func newChild(typ Type, script string, cmd *exec.Cmd, conn net.Conn) *Child {
	c := &Child{
		typ:      typ,
		script:   script,
		cmd:      cmd,
		conn:     conn,
		messages: make(chan message.Message, 64),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.state.Store(int32(StateSpawning))
	return c
}

// start launches the process and the reader/wait goroutines.
func (c *Child) start() error {
	if err := c.cmd.Start(); err != nil {
		c.setState(StateReaped)
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.closeAll()
		close(c.messages)
		close(c.readDone)
		close(c.done)
		return err
	}
	c.started = time.Now()
	c.setState(StateRunning)
	if c.conn != nil {
		go c.read()
	} else {
		close(c.messages)
		close(c.readDone)
	}
	go c.wait()
	return nil
}

func (c *Child) read() {
	defer close(c.readDone)
	defer close(c.messages)
	sc := bufio.NewScanner(c.conn)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrame)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		m, err := message.Parse(line)
		if err != nil {
			slog.Warn("dropping malformed frame", "pid", c.PID(), "script", c.script, "error", err)
			continue
		}
		if m.PID == 0 {
			m.PID = c.PID()
		}
		c.messages <- m
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Debug("ipc read ended", "pid", c.PID(), "error", err)
	}
}

func (c *Child) wait() {
	err := c.cmd.Wait()
	c.waited.Store(true)
	c.exitMu.Lock()
	c.exitErr = err
	c.exitMu.Unlock()
	c.setState(StateExiting)

	if c.conn != nil {
		select {
		case <-c.readDone:
		case <-time.After(drainGrace):
		}
		_ = c.conn.Close()
	}
	<-c.readDone
	c.closeAll()
	c.setState(StateReaped)
	close(c.done)
}

func (c *Child) closeAll() {
	for _, cl := range c.closers {
		_ = cl.Close()
	}
	c.closers = nil
}

func (c *Child) setState(s State) {
	for {
		cur := c.state.Load()
		if State(cur) >= s {
			return
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// State returns the current lifecycle state.
func (c *Child) State() State { return State(c.state.Load()) }

// PID returns the OS process id, or 0 if the process never started.
func (c *Child) PID() int {
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

func (c *Child) Type() Type         { return c.typ }
func (c *Child) Script() string     { return c.script }
func (c *Child) Started() time.Time { return c.started }

// SpawnArgs is the full argv the child was started with.
func (c *Child) SpawnArgs() []string {
	out := make([]string, len(c.cmd.Args))
	copy(out, c.cmd.Args)
	return out
}

// Messages yields frames sent by the child. It is closed once the channel
// has drained after exit.
func (c *Child) Messages() <-chan message.Message { return c.messages }

// Done is closed after the process is reaped and its messages drained.
func (c *Child) Done() <-chan struct{} { return c.done }

// ExitErr is the error from cmd.Wait, valid after Done.
func (c *Child) ExitErr() error {
	c.exitMu.Lock()
	defer c.exitMu.Unlock()
	return c.exitErr
}

// Send writes v as one JSON line to the child.
func (c *Child) Send(v any) error {
	if c.conn == nil {
		return fmt.Errorf("pid %d: no message channel", c.PID())
	}
	if c.State() >= StateExiting {
		return ErrExited
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	b = append(b, '\n')
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write(b); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrExited
		}
		return fmt.Errorf("send to pid %d: %w", c.PID(), err)
	}
	return nil
}

// Terminate sends SIGTERM to the child's process group.
func (c *Child) Terminate() error { return c.signal(syscall.SIGTERM) }

// Kill sends SIGKILL to the child's process group.
func (c *Child) Kill() error { return c.signal(syscall.SIGKILL) }

func (c *Child) signal(sig syscall.Signal) error {
	// once Wait has returned the pid may belong to someone else
	if c.waited.Load() || c.PID() == 0 {
		return nil
	}
	c.setState(StateExiting)
	return signalGroup(c.PID(), sig)
}

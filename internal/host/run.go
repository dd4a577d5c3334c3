package host

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/loykin/kithost/internal/process"
)

// Run is the handle of a started script. Its result settles once.
type Run struct {
	PID    int
	Type   process.Type
	Script string

	once   sync.Once
	done   chan struct{}
	result any
	err    error
}

func newRun(t process.Type, script string) *Run {
	return &Run{Type: t, Script: script, done: make(chan struct{})}
}

func (r *Run) resolve(v any)         { r.settle(v, nil) }
func (r *Run) reject(err error)      { r.settle(nil, err) }
func (r *Run) Done() <-chan struct{} { return r.done }

func (r *Run) settle(v any, err error) {
	r.once.Do(func() {
		r.result, r.err = v, err
		close(r.done)
	})
}

// Wait blocks until the run settles or ctx ends. A prompt run resolves to
// the values submitted to it, or to a SEND_RESPONSE payload.
func (r *Run) Wait(ctx context.Context) (any, error) {
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

const kitScheme = "kit://"

// ErrNotKitURL is returned for URLs outside the kit:// scheme.
var ErrNotKitURL = errors.New("not a kit:// url")

// ParseKitURL splits a kit:// URL into the words passed to the new-script
// command. "kit://foo%20bar" yields ["foo", "bar"].
func ParseKitURL(raw string) ([]string, error) {
	if !strings.HasPrefix(raw, kitScheme) {
		return nil, ErrNotKitURL
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %q: %w", raw, err)
	}
	return strings.Split(strings.TrimPrefix(decoded, kitScheme), " "), nil
}

// OpenURL runs the new-script command with the words of a kit:// URL.
func (h *Host) OpenURL(raw string) (*Run, error) {
	args, err := ParseKitURL(raw)
	if err != nil {
		return nil, err
	}
	return h.RunScript(h.Spawner().KitPath("cli", "new"), args)
}

// Relaunch handles the argv of a second instance: the first positional
// argument is the script, the rest are its arguments. An empty argv is a no-op.
func (h *Host) Relaunch(argv []string) (*Run, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, nil
	}
	if strings.HasPrefix(argv[0], kitScheme) {
		return h.OpenURL(strings.Join(argv, " "))
	}
	return h.RunScript(argv[0], argv[1:])
}

package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	op      string
	path    string
	changed bool
}

type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) add(c call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *recorder) has(c call) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, x := range r.calls {
		if x == c {
			return true
		}
	}
	return false
}

func (r *recorder) Update(p string, changed bool) error {
	r.add(call{"bg-update", p, changed})
	return nil
}
func (r *recorder) Stop(p string) error { r.add(call{"bg-stop", p, false}); return nil }

type schedRecorder struct{ *recorder }

func (s schedRecorder) Update(p string) error { s.add(call{"sched-update", p, false}); return nil }
func (s schedRecorder) Remove(p string)       { s.add(call{"sched-remove", p, false}) }

func TestScanRegistersExistingScripts(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.js")
	require.NoError(t, os.WriteFile(a, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.js"), []byte("x"), 0o644))

	rec := &recorder{}
	w, err := New(dir, ".js", rec, schedRecorder{rec})
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, w.Scan())
	assert.Equal(t, []call{{"bg-update", a, false}, {"sched-update", a, false}}, rec.calls)
}

func TestEventsDriveTargets(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	w, err := New(dir, ".js", rec, schedRecorder{rec})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	p := filepath.Join(dir, "b.js")
	require.NoError(t, os.WriteFile(p, []byte("// Background: auto\n"), 0o644))
	require.Eventually(t, func() bool {
		return rec.has(call{"bg-update", p, true}) && rec.has(call{"sched-update", p, false})
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(p))
	require.Eventually(t, func() bool {
		return rec.has(call{"bg-stop", p, false}) && rec.has(call{"sched-remove", p, false})
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.md"), []byte("x"), 0o644))
	cancel()
	require.NoError(t, <-done)
	assert.False(t, rec.has(call{"bg-update", filepath.Join(dir, "ignored.md"), true}))
}

func TestNilTargetsAreAllowed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.js"), []byte("x"), 0o644))
	w, err := New(dir, ".js", nil, nil)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()
	assert.NoError(t, w.Scan())
}

func TestSwitchMovesTheWatch(t *testing.T) {
	oldDir := t.TempDir()
	newDir := filepath.Join(t.TempDir(), "scripts")
	rec := &recorder{}
	w, err := New(oldDir, ".js", rec, schedRecorder{rec})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, os.MkdirAll(newDir, 0o755))
	existing := filepath.Join(newDir, "existing.js")
	require.NoError(t, os.WriteFile(existing, []byte("x"), 0o644))

	require.NoError(t, w.Switch(newDir))
	assert.Equal(t, newDir, w.Dir())
	assert.True(t, rec.has(call{"bg-update", existing, false}), "switch scans the new directory")

	fresh := filepath.Join(newDir, "fresh.js")
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o644))
	require.Eventually(t, func() bool {
		return rec.has(call{"bg-update", fresh, true})
	}, 5*time.Second, 20*time.Millisecond)

	stale := filepath.Join(oldDir, "stale.js")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.False(t, rec.has(call{"bg-update", stale, true}), "old directory is no longer watched")

	require.NoError(t, w.Switch(newDir))
	cancel()
	require.NoError(t, <-done)
}

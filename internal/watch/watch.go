// Package watch keeps the background and schedule tables in step with the
// scripts directory.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Background is the part of the background manager the watcher drives.
type Background interface {
	Update(filePath string, fileChanged bool) error
	Stop(filePath string) error
}

// Schedule is the part of the scheduler the watcher drives.
type Schedule interface {
	Update(filePath string) error
	Remove(filePath string)
}

type Watcher struct {
	mu    sync.Mutex
	dir   string
	ext   string
	bg    Background
	sched Schedule
	fs    *fsnotify.Watcher
}

// New watches dir for script files ending in ext. Either target may be nil.
func New(dir, ext string, bg Background, sched Schedule) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{dir: dir, ext: ext, bg: bg, sched: sched, fs: fw}, nil
}

func (w *Watcher) match(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return w.ext == "" || filepath.Ext(base) == w.ext
}

func (w *Watcher) Dir() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dir
}

// Scan registers every script already present.
func (w *Watcher) Scan() error {
	dir := w.Dir()
	ents, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scan %s: %w", dir, err)
	}
	for _, e := range ents {
		if e.IsDir() || !w.match(e.Name()) {
			continue
		}
		w.changed(filepath.Join(dir, e.Name()), false)
	}
	return nil
}

// Switch moves the watch to dir and scans it. Tasks and schedules found in
// the previous directory keep running.
func (w *Watcher) Switch(dir string) error {
	w.mu.Lock()
	old := w.dir
	if dir == old {
		w.mu.Unlock()
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("create scripts dir: %w", err)
	}
	if err := w.fs.Add(dir); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	if err := w.fs.Remove(old); err != nil {
		slog.Debug("unwatch", "dir", old, "error", err)
	}
	w.dir = dir
	w.mu.Unlock()
	slog.Info("watching scripts", "dir", dir, "previous", old)
	return w.Scan()
}

// Run handles events until ctx ends or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.fs.Close() }()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if !w.match(ev.Name) {
				continue
			}
			switch {
			case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
				w.changed(ev.Name, true)
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				w.removed(ev.Name)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			slog.Error("watcher error", "dir", w.Dir(), "error", err)
		}
	}
}

func (w *Watcher) changed(p string, fileChanged bool) {
	if w.bg != nil {
		if err := w.bg.Update(p, fileChanged); err != nil {
			slog.Warn("background update failed", "file", p, "error", err)
		}
	}
	if w.sched != nil {
		if err := w.sched.Update(p); err != nil {
			slog.Warn("schedule update failed", "file", p, "error", err)
		}
	}
}

func (w *Watcher) removed(p string) {
	if w.bg != nil {
		// most removed scripts have no task
		if err := w.bg.Stop(p); err != nil {
			slog.Debug("background stop", "file", p, "error", err)
		}
	}
	if w.sched != nil {
		w.sched.Remove(p)
	}
}

func (w *Watcher) Close() error { return w.fs.Close() }

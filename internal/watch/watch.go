// Package watch restarts the worker when its build output changes.
package watch

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/nfrx-bridge/internal/logx"
)

// Options configures a Watcher.
type Options struct {
	// Dirs are watched recursively. Default ".".
	Dirs []string
	// Include patterns match a file's base name or full path. Empty includes everything.
	Include []string
	// Exclude wins over Include. Default excludes dot files.
	Exclude []string
	// Debounce coalesces bursts of changes. Default 300ms.
	Debounce time.Duration
	Logger   *zerolog.Logger
}

// Watcher calls its callback once per burst of matching file changes.
type Watcher struct {
	includes []glob.Glob
	excludes []glob.Glob
	debounce time.Duration
	onChange func(path string)
	log      zerolog.Logger

	fs   *fsnotify.Watcher
	done chan struct{}

	mu      sync.Mutex
	timer   *time.Timer
	last    string
	stopped bool
}

// Start begins watching. onChange runs on its own goroutine after the debounce delay.
func Start(opts Options, onChange func(path string)) (*Watcher, error) {
	w := &Watcher{debounce: opts.Debounce, onChange: onChange, done: make(chan struct{})}
	if w.debounce <= 0 {
		w.debounce = 300 * time.Millisecond
	}
	w.log = logx.Log
	if opts.Logger != nil {
		w.log = *opts.Logger
	}
	w.log = w.log.With().Str("component", "watch").Logger()

	var err error
	if w.includes, err = compile(opts.Include); err != nil {
		return nil, err
	}
	excl := opts.Exclude
	if len(excl) == 0 {
		excl = []string{".*"}
	}
	if w.excludes, err = compile(excl); err != nil {
		return nil, err
	}

	w.fs, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dirs := opts.Dirs
	if len(dirs) == 0 {
		dirs = []string{"."}
	}
	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return w.fs.Add(path)
			}
			return nil
		})
		if err != nil {
			_ = w.fs.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	go w.process()
	return w, nil
}

func compile(patterns []string) ([]glob.Glob, error) {
	var out []glob.Glob
	for _, p := range patterns {
		g, err := glob.Compile(p, filepath.Separator)
		if err != nil {
			return nil, fmt.Errorf("%w in %q", err, p)
		}
		out = append(out, g)
	}
	return out, nil
}

// Close stops watching and cancels any pending callback.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	err := w.fs.Close()
	<-w.done
	return err
}

func (w *Watcher) process() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.fs.Add(ev.Name)
			return
		}
	}
	if ev.Has(fsnotify.Remove) {
		_ = w.fs.Remove(ev.Name)
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}
	if !w.matches(ev.Name) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.last = ev.Name
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	path := w.last
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return
	}
	w.log.Info().Str("path", path).Msg("worker files changed")
	w.onChange(path)
}

func (w *Watcher) matches(name string) bool {
	base := filepath.Base(name)
	match := func(gs []glob.Glob) bool {
		for _, g := range gs {
			if g.Match(base) || g.Match(name) {
				return true
			}
		}
		return false
	}
	if len(w.includes) > 0 && !match(w.includes) {
		return false
	}
	return !match(w.excludes)
}

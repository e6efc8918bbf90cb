package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes on disk and applies the
// new values in place via ReplaceFrom, so components holding the *Config
// pick them up on their next read.
type Watcher struct {
	path   string
	cfg    *Config
	events chan string // reloaded config hashes
}

// NewWatcher watches path and applies reloads onto cfg.
func NewWatcher(path string, cfg *Config) *Watcher {
	return &Watcher{
		path:   path,
		cfg:    cfg,
		events: make(chan string, 16),
	}
}

// Events reports the hash of each successfully applied reload.
func (w *Watcher) Events() <-chan string {
	return w.events
}

// Start begins watching until ctx is cancelled. The parent directory is
// watched rather than the file itself so editors that replace the file
// (write temp, rename) keep triggering events.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.reload()
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				slog.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) reload() {
	before := w.cfg.Hash()
	fresh, err := Load(w.path)
	if err != nil {
		slog.Warn("config reload failed, keeping previous config", "path", w.path, "error", err)
		return
	}
	if fresh.Hash() == before {
		return
	}
	w.cfg.ReplaceFrom(fresh)
	after := w.cfg.Hash()
	slog.Info("config reloaded", "path", w.path, "hash", after)
	select {
	case w.events <- after:
	default:
	}
}

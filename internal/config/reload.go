package config

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadPolicy is the external collaborator invoked when the watched
// configuration file changes. The watcher itself — opening the inotify
// descriptor, debouncing editor save bursts, re-reading the file — is this
// package's job; deciding what a reload actually *does* (swap a live
// Config, reject an invalid one, restart affected streams) is the
// caller's, which is why this is an interface rather than a callback tied
// to *Config.
type ReloadPolicy interface {
	// Reload is invoked after the watched file settles following a change.
	// configPath is the file that changed; loadErr is non-nil if Load
	// failed to produce a valid Config from it, in which case cfg is nil
	// and the policy decides whether to keep running on the prior config.
	Reload(configPath string, cfg *Config, loadErr error)
}

// debounceWindow absorbs the burst of events most editors generate for a
// single logical save (write, chmod, rename-into-place).
const debounceWindow = 250 * time.Millisecond

// Watcher watches a configuration file for changes and invokes a
// ReloadPolicy once the file settles.
type Watcher struct {
	watcher    *fsnotify.Watcher
	configPath string
	policy     ReloadPolicy
	log        *slog.Logger

	done chan struct{}
}

// NewWatcher starts watching configPath's containing directory (matching
// fsnotify's recommendation to watch the directory rather than the file
// itself, so editor rename-into-place saves are still seen) and returns a
// Watcher with its event loop already running in the background.
func NewWatcher(configPath string, policy ReloadPolicy, log *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(configPath)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		watcher:    fsw,
		configPath: configPath,
		policy:     policy,
		log:        log,
		done:       make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Close stops the watcher and releases the inotify descriptor.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) run() {
	var pending *time.Timer
	var pendingC <-chan time.Time

	for {
		select {
		case <-w.done:
			if pending != nil {
				pending.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.NewTimer(debounceWindow)
			pendingC = pending.C

		case <-pendingC:
			pendingC = nil
			cfg, err := Load(w.configPath)
			w.policy.Reload(w.configPath, cfg, err)
			if err != nil && w.log != nil {
				w.log.Warn("config: reload failed, keeping prior configuration",
					"path", w.configPath, "error", err)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.log != nil {
				w.log.Warn("config: watcher error", "error", err)
			}
		}
	}
}

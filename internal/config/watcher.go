// Copyright (c) 2025 TheoThePerson
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/TheoThePerson/copilot-core/internal/logx"
)

// =============================================================================
// CONFIG WATCHER
// =============================================================================

// defaultDebounce coalesces the write bursts editors produce on save.
const defaultDebounce = 250 * time.Millisecond

// ReloadFunc receives the freshly loaded configuration after a change.
type ReloadFunc func(*Config)

// Watcher reloads the config file when it changes on disk.
//
// Editors typically replace the file via rename, so the parent directory is
// watched rather than the file itself.
type Watcher struct {
	path     string
	onReload ReloadFunc
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	pending time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWatcher creates a watcher for the config file at path. The callback runs
// on the watcher's goroutine after each successful reload; load failures are
// logged and the previous configuration stays in effect.
func NewWatcher(path string, onReload ReloadFunc) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		path:     path,
		onReload: onReload,
		watcher:  fsw,
		debounce: defaultDebounce,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Watch starts watching for config changes.
func (w *Watcher) Watch() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	go w.processEvents()
	go w.processPending()

	return nil
}

// Close stops watching and releases resources.
func (w *Watcher) Close() error {
	w.cancel()
	return w.watcher.Close()
}

// processEvents marks the config dirty on every relevant filesystem event.
func (w *Watcher) processEvents() {
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logx.Warn().Err(err).Msg("config watcher error")
		}
	}
}

// processPending reloads once a marked change has settled past the debounce.
func (w *Watcher) processPending() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-ticker.C:
			w.mu.Lock()
			due := !w.pending.IsZero() && time.Since(w.pending) >= w.debounce
			if due {
				w.pending = time.Time{}
			}
			w.mu.Unlock()

			if due {
				w.reload()
			}
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFromPath(w.path)
	if err != nil {
		logx.Warn().Err(err).Str("path", w.path).Msg("config reload failed, keeping previous")
		return
	}
	logx.Info().Str("path", w.path).Msg("config reloaded")
	w.onReload(cfg)
}

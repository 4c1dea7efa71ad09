// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package schedfile

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tombee/foreman/internal/log"
)

const (
	// DefaultDebounce coalesces the burst of events an editor save produces.
	DefaultDebounce = 500 * time.Millisecond

	// DefaultSyncTimeout bounds one reload pass against the repository.
	DefaultSyncTimeout = 30 * time.Second
)

// Watcher reloads the schedule file whenever it changes on disk. It
// watches the parent directory rather than the file itself so that
// rename-replace saves (vim, atomic writers) keep being observed.
type Watcher struct {
	path     string
	syncer   *Syncer
	debounce time.Duration
	timeout  time.Duration
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	mu    sync.Mutex
	timer *time.Timer

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher creates a watcher for the schedule file at path. A
// debounce of zero means DefaultDebounce.
func NewWatcher(path string, syncer *Syncer, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		path:     absPath,
		syncer:   syncer,
		debounce: debounce,
		timeout:  DefaultSyncTimeout,
		watcher:  fsw,
		logger:   log.WithComponent(logger, "schedfile").With(slog.String("path", absPath)),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start performs the initial load and begins watching. The initial load
// error is returned so a broken file fails startup instead of silently
// running with no schedules; on failure the watcher is closed.
func (w *Watcher) Start(ctx context.Context) error {
	if _, err := w.syncer.Sync(ctx, w.path); err != nil {
		w.watcher.Close()
		return err
	}
	go w.eventLoop(ctx)
	w.logger.Info("schedule file watcher started")
	return nil
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	return w.watcher.Close()
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("schedule file watcher stopped (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("schedule file watcher stopped")
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				w.logger.Warn("schedule file watcher event channel closed")
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.logger.Warn("schedule file watcher error channel closed")
				return
			}
			w.logger.Error("schedule file watcher error", log.Error(err))
		}
	}
}

// handleEvent schedules a debounced reload for events touching the file.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return
	}

	w.logger.Debug("schedule file changed", slog.String("op", event.Op.String()))

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Reset(w.debounce)
		return
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

// reload runs one sync pass. A bad file logs and keeps the last applied
// state; the next save gets another chance.
func (w *Watcher) reload() {
	w.mu.Lock()
	w.timer = nil
	w.mu.Unlock()

	select {
	case <-w.stopCh:
		return
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	if _, err := w.syncer.Sync(ctx, w.path); err != nil {
		w.logger.Error("schedule file reload failed", log.Error(err))
	}
}

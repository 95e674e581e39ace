package platform

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"epigonos/internal/individual"
)

// WatcherStats counts record churn under a population root.
type WatcherStats struct {
	RecordsWritten int `json:"records_written"`
	RecordsRemoved int `json:"records_removed"`
}

// Watcher follows record files under a population root, counting writes
// and removals so operators can see churn without scanning directories.
// External processes share the root; the watcher sees their writes too.
type Watcher struct {
	dir string
	log *zap.Logger

	mu    sync.RWMutex
	stats WatcherStats
}

func NewWatcher(dir string, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{dir: dir, log: logger}
}

// Run watches until ctx is cancelled. It is shaped to run under the
// supervisor: a watch setup failure returns an error so the task is
// retried with backoff.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	if err := watcher.Add(w.dir); err != nil {
		return err
	}
	// Mirror directories appear lazily; watch them when they exist.
	for _, sub := range []string{"leaderboard", "hall_of_fame"} {
		path := filepath.Join(w.dir, sub)
		if _, err := os.Stat(path); err == nil {
			_ = watcher.Add(path)
		}
	}

	w.log.Debug("watching population root", zap.String("dir", w.dir))
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", zap.String("dir", w.dir), zap.Error(err))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if filepath.Ext(event.Name) != individual.Ext {
		return
	}
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		w.mu.Lock()
		w.stats.RecordsWritten++
		w.mu.Unlock()
		w.log.Debug("record written", zap.String("path", event.Name))
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.mu.Lock()
		w.stats.RecordsRemoved++
		w.mu.Unlock()
		w.log.Debug("record removed", zap.String("path", event.Name))
	}
}

func (w *Watcher) Stats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

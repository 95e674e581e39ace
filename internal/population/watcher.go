package population

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"epigonos/internal/individual"
)

// EventKind classifies a population directory change.
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventRemoved EventKind = "removed"
)

// Event reports one individual record appearing in or leaving a population
// directory.
type Event struct {
	Kind EventKind
	Path string
}

// Watcher streams record changes from a population root, including
// generation subdirectories as rollovers create them. It is a read-only
// observer for monitoring tools; the store itself never depends on it.
type Watcher struct {
	fsw    *fsnotify.Watcher
	root   string
	log    *zap.Logger
	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher starts watching root and any existing subdirectories.
func NewWatcher(root string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw:    fsw,
		root:   root,
		log:    logger,
		events: make(chan Event, 64),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if err := fsw.Add(root); err != nil {
		fsw.Close()
		return nil, err
	}
	items, err := os.ReadDir(root)
	if err != nil {
		fsw.Close()
		return nil, err
	}
	for _, item := range items {
		if !item.IsDir() {
			continue
		}
		sub := filepath.Join(root, item.Name())
		if err := fsw.Add(sub); err != nil {
			w.log.Warn("cannot watch subdirectory", zap.String("dir", sub), zap.Error(err))
		}
	}

	go w.run()
	return w, nil
}

// Events delivers record changes until Close.
func (w *Watcher) Events() <-chan Event { return w.events }

func (w *Watcher) run() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	// New generation directories join the watch set as rollovers create them.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(event.Name); err != nil {
				w.log.Warn("cannot watch new directory", zap.String("dir", event.Name), zap.Error(err))
			}
			return
		}
	}
	if !strings.HasSuffix(event.Name, individual.Ext) {
		return
	}

	var kind EventKind
	switch {
	case event.Op&fsnotify.Create != 0:
		kind = EventAdded
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		kind = EventRemoved
	default:
		return
	}
	select {
	case w.events <- Event{Kind: kind, Path: event.Name}:
	case <-w.stopCh:
	}
}

// Close stops the watcher and waits for the event loop to drain.
func (w *Watcher) Close() error {
	close(w.stopCh)
	err := w.fsw.Close()
	<-w.doneCh
	return err
}

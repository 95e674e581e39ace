package population

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"epigonos/internal/genome"
	"epigonos/internal/individual"
)

func awaitEvent(t *testing.T, w *Watcher, kind EventKind, path string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-w.Events():
			if ev.Kind == kind && ev.Path == path {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s %s", kind, path)
		}
	}
}

func TestWatcherReportsRecordLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := t.TempDir()
	w, err := NewWatcher(root, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Close()

	ind := newDead(t, 1, 2.5)
	path, err := ind.Save(root)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	awaitEvent(t, w, EventAdded, path)

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	awaitEvent(t, w, EventRemoved, path)
}

func TestWatcherIgnoresForeignFiles(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := t.TempDir()
	w, err := NewWatcher(root, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ind := newDead(t, 2, 1.0)
	path, err := ind.Save(root)
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	// Only the record may surface; the text file must not.
	select {
	case ev := <-w.Events():
		if ev.Kind != EventAdded || ev.Path != path {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for record event")
	}
}

func TestWatcherFollowsNewGenerationDirs(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := t.TempDir()
	w, err := NewWatcher(root, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Close()

	// A rollover in another process creates a fresh generation directory.
	genDir := filepath.Join(root, "gen-000001")
	if err := os.MkdirAll(genDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// Give the watcher a beat to register the new directory.
	time.Sleep(50 * time.Millisecond)

	ind := individual.New("e", "p", nil, genome.NewRaw([]byte{9}))
	ind.SetScore(1)
	asc := uint64(9)
	ind.Ascension = &asc
	ind.MarkDead()
	path, err := ind.Save(genDir)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	awaitEvent(t, w, EventAdded, path)
}

func TestWatcherCloseReleasesResources(t *testing.T) {
	defer goleak.VerifyNone(t)

	w, err := NewWatcher(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path
}

func waitForEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestWatcherReportsWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "doc.md", "# one")

	events := make(chan Event, 8)
	watch, err := Watch(path, func(event Event) {
		events <- event
	}, Options{})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer watch.Close()

	if err := os.WriteFile(path, []byte("# two"), 0o600); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}

	event := waitForEvent(t, events)
	if event.Path != watch.Path() {
		t.Fatalf("expected path %q, got %q", watch.Path(), event.Path)
	}
	if event.Kind != KindModified && event.Kind != KindCreated {
		t.Fatalf("expected modified or created, got %v", event.Kind)
	}
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "doc.md", "# doc")

	events := make(chan Event, 8)
	watch, err := Watch(path, func(event Event) {
		events <- event
	}, Options{})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer watch.Close()

	writeTestFile(t, dir, "other.md", "# other")

	select {
	case event := <-events:
		t.Fatalf("unexpected event for sibling file: %+v", event)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherReportsSaveThroughRename(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "doc.md", "# old")

	events := make(chan Event, 8)
	watch, err := Watch(path, func(event Event) {
		events <- event
	}, Options{})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer watch.Close()

	// Editors save by writing a temp file and renaming it over the target.
	tmp := writeTestFile(t, dir, "doc.md.tmp", "# new")
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}

	event := waitForEvent(t, events)
	if event.Path != watch.Path() {
		t.Fatalf("expected path %q, got %q", watch.Path(), event.Path)
	}
}

func TestWatcherSurfacesPathLost(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "doc.md", "# doc")

	watchErrs := make(chan *WatchError, 1)
	watch, err := Watch(path, func(Event) {}, Options{
		RewatchAttempts: 1,
		RewatchBackoff:  10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer watch.Close()

	watch.SetErrorHandler(func(watchErr *WatchError) {
		watchErrs <- watchErr
	})

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}

	select {
	case watchErr := <-watchErrs:
		if watchErr.Kind != PathLost {
			t.Fatalf("expected PathLost, got %v", watchErr.Kind)
		}
		if watchErr.Path != watch.Path() {
			t.Fatalf("expected path %q, got %q", watch.Path(), watchErr.Path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for PathLost")
	}
}

func TestWatcherZeroRewatchReportsImmediately(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "doc.md", "# doc")

	watchErrs := make(chan *WatchError, 1)
	watch, err := Watch(path, func(Event) {}, Options{
		RewatchAttempts: 0,
		RewatchBackoff:  time.Second,
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer watch.Close()
	watch.SetErrorHandler(func(watchErr *WatchError) {
		watchErrs <- watchErr
	})

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}

	// With rewatching disabled the removal must surface without
	// waiting out any backoff window.
	select {
	case watchErr := <-watchErrs:
		if watchErr.Kind != PathLost {
			t.Fatalf("expected PathLost, got %v", watchErr.Kind)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("removal not reported with rewatching disabled")
	}
}

func TestWatcherRecoversWhenFileReappears(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "doc.md", "# doc")

	events := make(chan Event, 8)
	watchErrs := make(chan *WatchError, 1)
	watch, err := Watch(path, func(event Event) {
		events <- event
	}, Options{
		RewatchAttempts: 5,
		RewatchBackoff:  25 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer watch.Close()
	watch.SetErrorHandler(func(watchErr *WatchError) {
		watchErrs <- watchErr
	})

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	// Recreate within the rewatch window.
	time.Sleep(30 * time.Millisecond)
	writeTestFile(t, dir, "doc.md", "# back")

	event := waitForEvent(t, events)
	if event.Kind != KindCreated {
		t.Fatalf("expected created after reappearance, got %v", event.Kind)
	}

	select {
	case watchErr := <-watchErrs:
		t.Fatalf("unexpected watch error after recovery: %v", watchErr)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "doc.md", "# doc")

	watch, err := Watch(path, func(Event) {}, Options{})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := watch.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := watch.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestWatcherRejectsMissingPath(t *testing.T) {
	if _, err := Watch(filepath.Join(t.TempDir(), "absent.md"), func(Event) {}, Options{}); err == nil {
		t.Fatal("expected error for missing path")
	}
}

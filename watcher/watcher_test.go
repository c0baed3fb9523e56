package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bxcodec/faker/v4"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) record(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

var baseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func writeScript(t *testing.T, root, rel string) {
	t.Helper()
	full := filepath.Join(root, RunDir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte("var x = 1;"), 0644); err != nil {
		t.Fatal(err)
	}
	touch(t, root, rel, baseTime)
}

func touch(t *testing.T, root, rel string, at time.Time) {
	t.Helper()
	if err := os.Chtimes(filepath.Join(root, RunDir, rel), at, at); err != nil {
		t.Fatal(err)
	}
}

func newWatcher(t *testing.T) (*Watcher, *fakeClock, string) {
	t.Helper()
	root := t.TempDir()
	w, err := New(root)
	if err != nil {
		t.Fatal(err)
	}
	clock := &fakeClock{now: baseTime}
	w.now = clock.Now
	return w, clock, root
}

func TestNewInvalidRoot(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0644); err != nil {
		t.Fatal(err)
	}
	for _, root := range []string{"", filepath.Join(t.TempDir(), "missing"), file} {
		if _, err := New(root); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("New(%q) = %v, want ErrInvalidPath", root, err)
		}
	}
}

func TestNewNormalizesRoot(t *testing.T) {
	w, _, root := newWatcher(t)
	if !strings.HasSuffix(w.Root(), string(filepath.Separator)) {
		t.Errorf("root %q has no trailing separator", w.Root())
	}
	if !filepath.IsAbs(w.Root()) {
		t.Errorf("root %q is not absolute", w.Root())
	}
	if got, want := w.FullPath("Data/Scripts/a.js"), filepath.Join(root, "Run", "Data", "Scripts", "a.js"); got != want {
		t.Errorf("FullPath = %q, want %q", got, want)
	}
}

func TestAddWatchedFileIsIdempotent(t *testing.T) {
	w, _, root := newWatcher(t)
	name := faker.Word() + ".js"
	writeScript(t, root, name)
	for i := 0; i < 3; i++ {
		if !w.AddWatchedFile(name) {
			t.Fatalf("AddWatchedFile(%q) = false", name)
		}
	}
	if diff := cmp.Diff([]string{name}, w.WatchedFiles()); diff != "" {
		t.Errorf("WatchedFiles diff (-want +got):\n%s", diff)
	}
}

func TestAddMissingFile(t *testing.T) {
	w, _, _ := newWatcher(t)
	if w.AddWatchedFile("nope.js") {
		t.Errorf("AddWatchedFile of missing file = true")
	}
	if n := w.WatchedFileCount(); n != 0 {
		t.Errorf("WatchedFileCount = %v, want 0", n)
	}
}

func TestRemoveWatchedFile(t *testing.T) {
	w, _, root := newWatcher(t)
	writeScript(t, root, "a.js")
	writeScript(t, root, "b.js")
	w.AddWatchedFile("a.js")
	w.AddWatchedFile("b.js")
	w.RemoveWatchedFile("a.js")
	w.RemoveWatchedFile("never.js")
	if diff := cmp.Diff([]string{"b.js"}, w.WatchedFiles()); diff != "" {
		t.Errorf("WatchedFiles diff (-want +got):\n%s", diff)
	}
}

func TestPollingIntervalClamp(t *testing.T) {
	w, _, _ := newWatcher(t)
	if got := w.PollingInterval(); got != DefaultPollingInterval {
		t.Errorf("default interval = %v, want %v", got, DefaultPollingInterval)
	}
	w.SetPollingInterval(10 * time.Millisecond)
	if got := w.PollingInterval(); got != MinPollingInterval {
		t.Errorf("interval = %v, want %v", got, MinPollingInterval)
	}
	w.SetPollingInterval(200 * time.Millisecond)
	if got := w.PollingInterval(); got != 200*time.Millisecond {
		t.Errorf("interval = %v, want 200ms", got)
	}
	w.SetBatchDelay(0)
	if got := w.BatchDelay(); got != 0 {
		t.Errorf("batch delay = %v, want 0", got)
	}
}

func TestBatchedChangesFlushOnceAfterQuiet(t *testing.T) {
	w, clock, root := newWatcher(t)
	rel := "Data/Scripts/JSGame.js"
	writeScript(t, root, rel)
	w.AddWatchedFile(rel)
	rec := &recorder{}
	w.SetChangeCallback(rec.record)

	w.Poll()
	if got := rec.got(); len(got) != 0 {
		t.Fatalf("unchanged file reported: %v", got)
	}

	touch(t, root, rel, baseTime.Add(time.Second))
	w.Poll()
	clock.Advance(50 * time.Millisecond)
	touch(t, root, rel, baseTime.Add(2*time.Second))
	w.Poll()
	if got := rec.got(); len(got) != 0 {
		t.Fatalf("flushed before quiet period: %v", got)
	}

	clock.Advance(99 * time.Millisecond)
	w.Poll()
	if got := rec.got(); len(got) != 0 {
		t.Fatalf("flushed before quiet period: %v", got)
	}

	clock.Advance(time.Millisecond)
	w.Poll()
	w.Poll()
	if diff := cmp.Diff([]string{rel}, rec.got()); diff != "" {
		t.Errorf("callbacks diff (-want +got):\n%s", diff)
	}
}

func TestFlushKeepsDetectionOrder(t *testing.T) {
	w, clock, root := newWatcher(t)
	writeScript(t, root, "b.js")
	writeScript(t, root, "a.js")
	w.AddWatchedFile("b.js")
	w.AddWatchedFile("a.js")
	rec := &recorder{}
	w.SetChangeCallback(rec.record)

	touch(t, root, "a.js", baseTime.Add(time.Second))
	w.Poll()
	touch(t, root, "b.js", baseTime.Add(time.Second))
	w.Poll()
	clock.Advance(time.Second)
	w.Poll()
	if diff := cmp.Diff([]string{"a.js", "b.js"}, rec.got()); diff != "" {
		t.Errorf("callbacks diff (-want +got):\n%s", diff)
	}
}

func TestDeletedFileIsNotAChange(t *testing.T) {
	w, clock, root := newWatcher(t)
	writeScript(t, root, "a.js")
	w.AddWatchedFile("a.js")
	rec := &recorder{}
	w.SetChangeCallback(rec.record)
	if err := os.Remove(filepath.Join(root, RunDir, "a.js")); err != nil {
		t.Fatal(err)
	}
	w.Poll()
	clock.Advance(time.Second)
	w.Poll()
	if got := rec.got(); len(got) != 0 {
		t.Errorf("deleted file reported: %v", got)
	}
	if n := w.WatchedFileCount(); n != 1 {
		t.Errorf("WatchedFileCount = %v, want 1", n)
	}
}

func TestPanickingCallback(t *testing.T) {
	w, clock, root := newWatcher(t)
	writeScript(t, root, "a.js")
	writeScript(t, root, "b.js")
	w.AddWatchedFile("a.js")
	w.AddWatchedFile("b.js")
	rec := &recorder{}
	w.SetChangeCallback(func(path string) {
		rec.record(path)
		if path == "a.js" {
			panic("boom")
		}
	})
	touch(t, root, "a.js", baseTime.Add(time.Second))
	touch(t, root, "b.js", baseTime.Add(time.Second))
	w.Poll()
	clock.Advance(time.Second)
	w.Poll()
	if diff := cmp.Diff([]string{"a.js", "b.js"}, rec.got()); diff != "" {
		t.Errorf("callbacks diff (-want +got):\n%s", diff)
	}
}

func TestStartWatchingPreconditions(t *testing.T) {
	w, _, root := newWatcher(t)
	w.StartWatching()
	if w.IsWatching() {
		t.Fatalf("watching without files")
	}
	writeScript(t, root, "a.js")
	w.AddWatchedFile("a.js")
	w.StartWatching()
	if w.IsWatching() {
		t.Fatalf("watching without callback")
	}
	w.StopWatching()
}

func TestEditWhileStoppedReportedOnRestart(t *testing.T) {
	w, clock, root := newWatcher(t)
	writeScript(t, root, "a.js")
	w.AddWatchedFile("a.js")
	rec := &recorder{}
	w.SetChangeCallback(rec.record)
	w.StartWatching()
	w.StopWatching()
	touch(t, root, "a.js", baseTime.Add(time.Minute))
	w.StartWatching()
	w.StopWatching()
	w.Poll()
	clock.Advance(time.Second)
	w.Poll()
	if diff := cmp.Diff([]string{"a.js"}, rec.got()); diff != "" {
		t.Errorf("callbacks diff (-want +got):\n%s", diff)
	}
}

func TestWatchingGoroutine(t *testing.T) {
	root := t.TempDir()
	w, err := New(root)
	if err != nil {
		t.Fatal(err)
	}
	writeScript(t, root, "a.js")
	w.AddWatchedFile("a.js")
	w.SetPollingInterval(MinPollingInterval)
	w.SetBatchDelay(0)
	changes := make(chan string, 10)
	w.SetChangeCallback(func(path string) {
		changes <- path
	})
	w.StartWatching()
	if !w.IsWatching() {
		t.Fatalf("not watching")
	}
	w.StartWatching()

	touch(t, root, "a.js", baseTime.Add(time.Hour))
	select {
	case got := <-changes:
		if got != "a.js" {
			t.Errorf("got change %q, want a.js", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no change reported")
	}

	w.StopWatching()
	if w.IsWatching() {
		t.Errorf("still watching after StopWatching")
	}
	w.StopWatching()

	w.Shutdown()
	if n := w.WatchedFileCount(); n != 0 {
		t.Errorf("WatchedFileCount after Shutdown = %v, want 0", n)
	}
}

package game

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/zond/protogame/structs"
	"github.com/zond/protogame/watcher"
)

type fakeEngine struct {
	mu         sync.Mutex
	calls      int
	registered []string
	result     string
	fail       map[string]bool
}

func (f *fakeEngine) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeEngine) ExecuteScript(source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if strings.Contains(source, "JSON.stringify(state)") {
		f.result = `{"timestamp":1}`
	} else {
		f.result = "ran: " + source
	}
	return nil
}

func (f *fakeEngine) ExecuteScriptFile(path string) error {
	return f.ExecuteRegisteredScript("", path)
}

func (f *fakeEngine) ExecuteRegisteredScript(source, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.registered = append(f.registered, name)
	if f.fail[filepath.Base(name)] {
		return os.ErrInvalid
	}
	return nil
}

func (f *fakeEngine) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.registered...)
}

func (f *fakeEngine) LastResult() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result
}

func (f *fakeEngine) LastError() string   { return "failed" }
func (f *fakeEngine) HasError() bool      { return false }
func (f *fakeEngine) IsInitialized() bool { return true }

type fakeHistory struct {
	records []structs.ReloadRecord
}

func (f *fakeHistory) RecordReload(record structs.ReloadRecord) error {
	f.records = append(f.records, record)
	return nil
}

func (f *fakeHistory) Recent(n int) ([]structs.ReloadRecord, error) {
	if n > len(f.records) {
		n = len(f.records)
	}
	return f.records[len(f.records)-n:], nil
}

var scriptTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func setupProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, rel := range []string{structs.EngineScript, structs.InputScript, structs.GameScript} {
		full := filepath.Join(root, watcher.RunDir, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte("// "+rel), 0644); err != nil {
			t.Fatal(err)
		}
		touchScript(t, root, rel, scriptTime)
	}
	return root
}

func touchScript(t *testing.T, root, rel string, at time.Time) {
	t.Helper()
	if err := os.Chtimes(filepath.Join(root, watcher.RunDir, rel), at, at); err != nil {
		t.Fatal(err)
	}
}

func newInterface(t *testing.T, configure func(*structs.Config), opts ...Option) (*ScriptInterface, *fakeEngine, string) {
	t.Helper()
	root := setupProject(t)
	cfg := structs.DefaultConfig()
	cfg.ProjectRoot = root
	cfg.PollingIntervalMS = int64(time.Hour / time.Millisecond)
	cfg.BatchDelayMS = 0
	if configure != nil {
		configure(cfg)
	}
	engine := &fakeEngine{fail: map[string]bool{}}
	s := NewScriptInterface(New(), cfg, engine, opts...)
	if err := s.InitializeHotReload(engine, root); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.ShutdownHotReload)
	return s, engine, root
}

func TestInitializeHotReload(t *testing.T) {
	s, engine, _ := newInterface(t, nil)
	want := []string{structs.EngineScript, structs.InputScript, structs.GameScript}
	if diff := cmp.Diff(want, s.Watcher().WatchedFiles()); diff != "" {
		t.Errorf("watched files diff (-want +got):\n%s", diff)
	}
	if !s.IsHotReloadEnabled() || !s.Watcher().IsWatching() {
		t.Errorf("hot reload not running")
	}
	if n := engine.count(); n != 0 {
		t.Errorf("initialization touched the engine %d times", n)
	}
}

func TestInitializeHotReloadInvalidRoot(t *testing.T) {
	cfg := structs.DefaultConfig()
	engine := &fakeEngine{}
	s := NewScriptInterface(New(), cfg, engine)
	if err := s.InitializeHotReload(engine, filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Errorf("initialized with missing root")
	}
	if err := s.InitializeHotReload(nil, t.TempDir()); err == nil {
		t.Errorf("initialized with nil engine")
	}
}

func TestLoadScriptsInOrder(t *testing.T) {
	s, engine, _ := newInterface(t, nil)
	if err := s.LoadScripts(); err != nil {
		t.Fatal(err)
	}
	want := []string{s.FullPath(structs.EngineScript), s.FullPath(structs.InputScript), s.FullPath(structs.GameScript)}
	if diff := cmp.Diff(want, engine.names()); diff != "" {
		t.Errorf("load order diff (-want +got):\n%s", diff)
	}
	if got := s.Reloader().Stats(); got.Attempts != 0 {
		t.Errorf("initial load counted as reload: %+v", got)
	}
}

func TestOnFileChangedNeverTouchesEngine(t *testing.T) {
	s, engine, _ := newInterface(t, nil)
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.OnFileChanged(structs.GameScript)
		s.OnFileChanged(structs.InputScript)
	}()
	wg.Wait()
	if n := engine.count(); n != 0 {
		t.Fatalf("OnFileChanged called the engine %d times", n)
	}
	if n := s.PendingCount(); n != 2 {
		t.Fatalf("PendingCount = %d, want 2", n)
	}
	if n := s.ProcessPendingHotReloadEvents(); n != 2 {
		t.Errorf("processed %d, want 2", n)
	}
	want := []string{s.FullPath(structs.GameScript), s.FullPath(structs.InputScript)}
	if diff := cmp.Diff(want, engine.names()); diff != "" {
		t.Errorf("reload order diff (-want +got):\n%s", diff)
	}
	if n := s.ProcessPendingHotReloadEvents(); n != 0 {
		t.Errorf("queue not drained, processed %d again", n)
	}
	if got := s.Reloader().Stats(); got.Attempts != 2 || got.Successes != 2 {
		t.Errorf("stats = %+v", got)
	}
}

func TestDetectionOrderSurvivesQueue(t *testing.T) {
	s, engine, root := newInterface(t, nil)
	touchScript(t, root, structs.GameScript, scriptTime.Add(time.Second))
	s.Watcher().Poll()
	touchScript(t, root, structs.EngineScript, scriptTime.Add(time.Second))
	s.Watcher().Poll()
	s.ProcessPendingHotReloadEvents()
	want := []string{s.FullPath(structs.GameScript), s.FullPath(structs.EngineScript)}
	if diff := cmp.Diff(want, engine.names()); diff != "" {
		t.Errorf("reload order diff (-want +got):\n%s", diff)
	}
}

func TestDisabledHotReloadIgnoresChanges(t *testing.T) {
	s, _, _ := newInterface(t, func(cfg *structs.Config) {
		cfg.HotReload = false
	})
	if s.Watcher().IsWatching() {
		t.Errorf("watching with hot reload disabled")
	}
	s.OnFileChanged(structs.GameScript)
	if n := s.PendingCount(); n != 0 {
		t.Errorf("queued %d changes while disabled", n)
	}
	if err := s.EnableHotReload(); err != nil {
		t.Fatal(err)
	}
	if !s.Watcher().IsWatching() {
		t.Errorf("not watching after enable")
	}
	if err := s.DisableHotReload(); err != nil {
		t.Fatal(err)
	}
	if s.Watcher().IsWatching() {
		t.Errorf("watching after disable")
	}
}

func TestFailedReloadDoesNotStopQueue(t *testing.T) {
	s, engine, _ := newInterface(t, nil)
	engine.fail["JSEngine.js"] = true
	s.OnFileChanged(structs.EngineScript)
	s.OnFileChanged(structs.GameScript)
	s.ProcessPendingHotReloadEvents()
	if got := s.Reloader().Stats(); got.Attempts != 2 || got.Failures != 1 || got.Successes != 1 {
		t.Errorf("stats = %+v", got)
	}
	if !strings.Contains(s.Reloader().LastError(), "JSEngine.js") {
		t.Errorf("LastError = %q", s.Reloader().LastError())
	}
}

func TestEnqueue(t *testing.T) {
	s, _, _ := newInterface(t, nil)
	got := []int{}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Enqueue(func() { got = append(got, 1) })
		s.Enqueue(func() { panic("task failure") })
		s.Enqueue(func() { got = append(got, 2) })
	}()
	wg.Wait()
	if len(got) != 0 {
		t.Fatalf("tasks ran before processing")
	}
	if n := s.ProcessPendingTasks(); n != 3 {
		t.Errorf("processed %d tasks, want 3", n)
	}
	if diff := cmp.Diff([]int{1, 2}, got); diff != "" {
		t.Errorf("tasks diff (-want +got):\n%s", diff)
	}
}

func TestHistoryRecorded(t *testing.T) {
	history := &fakeHistory{}
	s, _, _ := newInterface(t, nil, WithHistory(history))
	s.OnFileChanged(structs.GameScript)
	s.ProcessPendingHotReloadEvents()
	if len(history.records) != 1 || !history.records[0].Success {
		t.Fatalf("records = %+v", history.records)
	}
	if diff := cmp.Diff([]string{s.FullPath(structs.GameScript)}, history.records[0].Paths); diff != "" {
		t.Errorf("paths diff (-want +got):\n%s", diff)
	}
}

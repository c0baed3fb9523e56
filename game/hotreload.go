package game

import (
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/zond/protogame"
	"github.com/zond/protogame/lang"
	"github.com/zond/protogame/reloader"
	"github.com/zond/protogame/structs"
	"github.com/zond/protogame/watcher"
)

var (
	ErrHotReloadNotInitialized = errors.New("hot reload not initialized")
)

// History stores completed reload sessions.
type History interface {
	reloader.Recorder
	Recent(n int) ([]structs.ReloadRecord, error)
}

type Option func(*ScriptInterface)

// WithSource makes the reloader read scripts through source, e.g. an import resolver.
func WithSource(source reloader.Source) Option {
	return func(s *ScriptInterface) {
		s.source = source
	}
}

func WithHistory(history History) Option {
	return func(s *ScriptInterface) {
		s.history = history
	}
}

// ScriptInterface is the "game" object seen by scripts, and the owner of the hot
// reload pipeline.
//
// OnFileChanged and Enqueue may be called from any goroutine. Everything else,
// and anything touching the engine, belongs to the main loop.
type ScriptInterface struct {
	game    *Game
	config  *structs.Config
	engine  reloader.Engine
	source  reloader.Source
	history History
	methods map[string]method
	order   []structs.MethodInfo

	watcher  *watcher.Watcher
	reloader *reloader.Reloader
	enabled  atomic.Bool

	pendingMu sync.Mutex
	pending   []string
	tasks     []func()
}

func NewScriptInterface(g *Game, config *structs.Config, engine reloader.Engine, opts ...Option) *ScriptInterface {
	s := &ScriptInterface{
		game:   g,
		config: config,
		engine: engine,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.buildMethods()
	return s
}

func (s *ScriptInterface) Game() *Game {
	return s.game
}

func (s *ScriptInterface) Watcher() *watcher.Watcher {
	return s.watcher
}

func (s *ScriptInterface) Reloader() *reloader.Reloader {
	return s.reloader
}

func (s *ScriptInterface) History() History {
	return s.history
}

// InitializeHotReload creates the watcher and reloader, registers the configured
// watch set and starts watching if hot reload is enabled.
func (s *ScriptInterface) InitializeHotReload(engine reloader.Engine, projectRoot string) error {
	log.Printf("GameScriptInterface: Initializing hot-reload system")
	w, err := watcher.New(projectRoot)
	if err != nil {
		return err
	}
	w.SetPollingInterval(s.config.PollingInterval())
	w.SetBatchDelay(s.config.BatchDelay())

	opts := []reloader.Option{
		reloader.WithPolicies(s.config.Policies...),
		reloader.WithPreservedGlobals(s.config.PreservedGlobals),
		reloader.WithStatePreservation(s.config.PreserveState),
		reloader.WithStateRestore(s.config.RestoreState),
	}
	if s.source != nil {
		opts = append(opts, reloader.WithSource(s.source))
	}
	if s.history != nil {
		opts = append(opts, reloader.WithRecorder(s.history))
	}
	r, err := reloader.New(engine, opts...)
	if err != nil {
		return err
	}
	r.SetReloadCompleteCallback(s.onReloadComplete)

	s.engine = engine
	s.watcher = w
	s.reloader = r
	w.SetChangeCallback(s.OnFileChanged)
	for _, file := range s.config.WatchedFiles {
		w.AddWatchedFile(file)
	}
	s.enabled.Store(s.config.HotReload)
	if s.config.HotReload {
		w.StartWatching()
	}
	log.Printf("GameScriptInterface: Hot-reload system initialized, watching %s", lang.Card(w.WatchedFileCount(), "file"))
	return nil
}

// LoadScripts executes the watch set in order, the first load of every module.
func (s *ScriptInterface) LoadScripts() error {
	if s.reloader == nil {
		return protogame.WithStack(ErrHotReloadNotInitialized)
	}
	for _, file := range s.config.WatchedFiles {
		log.Printf("GameScriptInterface: Loading %s", file)
		if err := s.reloader.LoadScript(s.FullPath(file)); err != nil {
			return err
		}
	}
	return nil
}

// FullPath resolves a script path relative to <projectRoot>/Run.
func (s *ScriptInterface) FullPath(relativePath string) string {
	if filepath.IsAbs(relativePath) {
		return relativePath
	}
	if s.watcher != nil {
		return s.watcher.FullPath(relativePath)
	}
	return filepath.Join(s.config.ProjectRoot, watcher.RunDir, relativePath)
}

func (s *ScriptInterface) IsHotReloadEnabled() bool {
	return s.enabled.Load()
}

func (s *ScriptInterface) EnableHotReload() error {
	if s.watcher == nil {
		return protogame.WithStack(ErrHotReloadNotInitialized)
	}
	s.enabled.Store(true)
	s.watcher.StartWatching()
	log.Printf("GameScriptInterface: Hot-reload enabled")
	return nil
}

func (s *ScriptInterface) DisableHotReload() error {
	if s.watcher == nil {
		return protogame.WithStack(ErrHotReloadNotInitialized)
	}
	s.enabled.Store(false)
	s.watcher.StopWatching()
	log.Printf("GameScriptInterface: Hot-reload disabled")
	return nil
}

// OnFileChanged queues relativePath for the next frame. It runs on the watcher
// goroutine and never touches the engine.
func (s *ScriptInterface) OnFileChanged(relativePath string) {
	if !s.enabled.Load() {
		return
	}
	s.pendingMu.Lock()
	s.pending = append(s.pending, relativePath)
	s.pendingMu.Unlock()
	log.Printf("GameScriptInterface: File changed: %s, queued for reload", relativePath)
}

// Enqueue schedules f to run on the main loop during the next frame.
func (s *ScriptInterface) Enqueue(f func()) {
	s.pendingMu.Lock()
	s.tasks = append(s.tasks, f)
	s.pendingMu.Unlock()
}

// PendingCount returns the number of queued file changes.
func (s *ScriptInterface) PendingCount() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// ProcessPendingHotReloadEvents reloads every queued file in detection order and
// returns how many it processed. It must run on the main loop.
func (s *ScriptInterface) ProcessPendingHotReloadEvents() int {
	s.pendingMu.Lock()
	changed := s.pending
	s.pending = nil
	s.pendingMu.Unlock()

	if s.reloader == nil {
		return 0
	}
	for _, relativePath := range changed {
		s.reload(relativePath)
	}
	return len(changed)
}

func (s *ScriptInterface) reload(relativePath string) {
	defer func() {
		if e := recover(); e != nil {
			err := protogame.WithStack(errors.Errorf("%v", e))
			log.Printf("GameScriptInterface: Reloading %s panicked: %v\n%s", relativePath, e, protogame.StackTrace(err))
		}
	}()
	fullPath := s.FullPath(relativePath)
	log.Printf("GameScriptInterface: Processing hot-reload for %s", fullPath)
	if err := s.reloader.ReloadScript(fullPath); err != nil {
		log.Printf("GameScriptInterface: Hot-reload of %s failed: %v", relativePath, err)
	}
}

// ProcessPendingTasks runs every closure queued with Enqueue, in order. It must run
// on the main loop.
func (s *ScriptInterface) ProcessPendingTasks() int {
	s.pendingMu.Lock()
	tasks := s.tasks
	s.tasks = nil
	s.pendingMu.Unlock()

	for _, task := range tasks {
		s.runTask(task)
	}
	return len(tasks)
}

func (s *ScriptInterface) runTask(task func()) {
	defer func() {
		if e := recover(); e != nil {
			err := protogame.WithStack(errors.Errorf("%v", e))
			log.Printf("GameScriptInterface: Task panicked: %v\n%s", e, protogame.StackTrace(err))
		}
	}()
	task()
}

func (s *ScriptInterface) onReloadComplete(success bool, errorMessage string) {
	if success {
		log.Printf("GameScriptInterface: Script reload completed successfully")
	} else {
		log.Printf("GameScriptInterface: Script reload failed: %s", errorMessage)
	}
}

// ShutdownHotReload stops the watcher and detaches the reloader.
func (s *ScriptInterface) ShutdownHotReload() {
	if s.watcher != nil {
		s.watcher.Shutdown()
	}
	if s.reloader != nil {
		s.reloader.Shutdown()
	}
	s.enabled.Store(false)
	s.pendingMu.Lock()
	s.pending = nil
	s.pendingMu.Unlock()
	log.Printf("GameScriptInterface: Hot-reload system shutdown")
}

// Package reloader re-executes changed script files against a live engine.
//
// A reload session runs four phases: preserve selected interpreter globals,
// re-execute every script in order (aborting at the first failure), optionally
// restore the preserved values, and clear the preserved state. Only one session
// may run at a time; overlapping calls are rejected rather than queued.
package reloader

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/zond/protogame"
	"github.com/zond/protogame/lang"
	"github.com/zond/protogame/structs"

	goccy "github.com/goccy/go-json"
)

var (
	ErrNullEngine        = errors.New("script engine is nil")
	ErrReloadInProgress  = errors.New("reload already in progress")
	ErrNoScripts         = errors.New("no script paths provided")
	ErrStatePreservation = errors.New("state preservation failed")
	ErrScriptExecution   = errors.New("script execution failed")
)

// Engine is the single threaded script engine. It must only be called from the
// goroutine that owns it.
type Engine interface {
	ExecuteScript(source string) error
	ExecuteScriptFile(path string) error
	// ExecuteRegisteredScript runs source with name as its origin in stack traces.
	ExecuteRegisteredScript(source, name string) error
	LastResult() string
	LastError() string
	HasError() bool
	IsInitialized() bool
}

// Source reads the text of a script file.
type Source interface {
	Load(path string) (string, error)
}

type SourceFunc func(path string) (string, error)

func (f SourceFunc) Load(path string) (string, error) {
	return f(path)
}

func readFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", protogame.WithStack(err)
	}
	return string(b), nil
}

// Recorder receives one record per completed reload session.
type Recorder interface {
	RecordReload(record structs.ReloadRecord) error
}

// CompleteCallback is told the outcome of every session that was not rejected.
// errorMessage is empty on success.
type CompleteCallback func(success bool, errorMessage string)

// ScriptError names the script a session aborted on.
type ScriptError struct {
	Path string
	Err  error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("failed to execute script %s: %v", e.Path, e.Err)
}

func (e *ScriptError) Unwrap() []error {
	return []error{ErrScriptExecution, e.Err}
}

type Stats struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

type session struct {
	id      string
	paths   []string
	started time.Time
}

type Option func(*Reloader)

func WithPolicies(policies ...structs.ReloadPolicy) Option {
	return func(r *Reloader) {
		for _, policy := range policies {
			r.policies[policy.Module] = policy
		}
	}
}

// WithPreservedGlobals sets the snapshot keys and the expressions they are read from.
func WithPreservedGlobals(globals map[string]string) Option {
	return func(r *Reloader) {
		r.preservedGlobals = globals
	}
}

func WithStatePreservation(enabled bool) Option {
	return func(r *Reloader) {
		r.preservationEnabled = enabled
	}
}

// WithStateRestore enables writing preserved values back after the scripts ran.
func WithStateRestore(enabled bool) Option {
	return func(r *Reloader) {
		r.restoreEnabled = enabled
	}
}

func WithSource(source Source) Option {
	return func(r *Reloader) {
		r.source = source
	}
}

func WithRecorder(recorder Recorder) Option {
	return func(r *Reloader) {
		r.recorder = recorder
	}
}

type Reloader struct {
	reloading atomic.Bool

	mu                  sync.Mutex
	engine              Engine
	source              Source
	recorder            Recorder
	callback            CompleteCallback
	policies            map[string]structs.ReloadPolicy
	preservedGlobals    map[string]string
	preservationEnabled bool
	restoreEnabled      bool
	stats               Stats
	lastError           string
	preserved           string
}

func New(engine Engine, opts ...Option) (*Reloader, error) {
	if engine == nil {
		return nil, protogame.WithStack(ErrNullEngine)
	}
	r := &Reloader{
		engine:              engine,
		source:              SourceFunc(readFile),
		policies:            map[string]structs.ReloadPolicy{},
		preservationEnabled: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	log.Printf("ScriptReloader: Initialized with %s", lang.Card(len(r.policies), "reload policy"))
	return r, nil
}

// ModuleName is the policy key of a script path: its base name without extension.
func ModuleName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (r *Reloader) SetReloadCompleteCallback(callback CompleteCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callback = callback
}

func (r *Reloader) SetStatePreservationEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preservationEnabled = enabled
}

func (r *Reloader) IsStatePreservationEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.preservationEnabled
}

func (r *Reloader) SetStateRestoreEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restoreEnabled = enabled
}

// SetPolicy adds or replaces the policy for policy.Module.
func (r *Reloader) SetPolicy(policy structs.ReloadPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[policy.Module] = policy
}

func (r *Reloader) Policy(module string) (structs.ReloadPolicy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	policy, found := r.policies[module]
	return policy, found
}

func (r *Reloader) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// LastError returns the message of the most recent failure, including rejected calls.
func (r *Reloader) LastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastError
}

func (r *Reloader) IsReloading() bool {
	return r.reloading.Load()
}

// Shutdown detaches the engine and callback. Later reloads fail with ErrNullEngine.
func (r *Reloader) Shutdown() {
	if r.reloading.Load() {
		log.Printf("ScriptReloader: Warning: Shutting down while reload in progress")
	}
	r.mu.Lock()
	r.preserved = ""
	r.engine = nil
	r.callback = nil
	r.mu.Unlock()
	log.Printf("ScriptReloader: Shutdown completed")
}

func (r *Reloader) currentEngine() Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine
}

func (r *Reloader) setError(err error) {
	r.mu.Lock()
	r.lastError = err.Error()
	r.mu.Unlock()
	log.Printf("ScriptReloader Error: %v", err)
}

func (r *Reloader) reject(err error) error {
	err = protogame.WithStack(err)
	r.setError(err)
	return err
}

func (r *Reloader) ReloadScript(path string) error {
	return r.ReloadScripts(path)
}

// ReloadScripts runs one reload session over paths, in order. A nil result is the
// only indication of success.
func (r *Reloader) ReloadScripts(paths ...string) error {
	if !r.reloading.CompareAndSwap(false, true) {
		return r.reject(ErrReloadInProgress)
	}
	engine := r.currentEngine()
	if engine == nil {
		r.reloading.Store(false)
		return r.reject(ErrNullEngine)
	}
	if len(paths) == 0 {
		r.reloading.Store(false)
		return r.reject(ErrNoScripts)
	}

	s := &session{
		id:      uuid.NewString(),
		paths:   slices.Clone(paths),
		started: time.Now(),
	}
	log.Printf("ScriptReloader: Starting reload %s of %s", s.id, lang.Enumerator{}.Do(s.paths...))
	r.mu.Lock()
	r.stats.Attempts++
	r.mu.Unlock()

	err := r.perform(engine, s)
	r.reloading.Store(false)
	r.finish(s, err)
	return err
}

func (r *Reloader) perform(engine Engine, s *session) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = protogame.WithStack(errors.Errorf("reload panicked: %v", e))
		}
	}()
	defer r.clearPreservedState(engine)

	if err := r.preserveState(engine); err != nil {
		return err
	}
	log.Printf("ScriptReloader: Reloading scripts...")
	for _, path := range s.paths {
		if err := r.execute(engine, path); err != nil {
			return err
		}
	}
	if err := r.restoreState(engine); err != nil {
		log.Printf("ScriptReloader: Warning: State restoration failed, but scripts were reloaded: %v", err)
	}
	return nil
}

func (r *Reloader) finish(s *session, err error) {
	record := structs.ReloadRecord{
		ID:       s.id,
		Paths:    s.paths,
		Started:  s.started,
		Duration: time.Since(s.started),
		Success:  err == nil,
	}
	r.mu.Lock()
	if err == nil {
		r.stats.Successes++
	} else {
		r.stats.Failures++
		r.lastError = err.Error()
		record.Error = err.Error()
	}
	callback := r.callback
	recorder := r.recorder
	r.mu.Unlock()

	if err == nil {
		log.Printf("ScriptReloader: Reload %s completed successfully in %v", s.id, record.Duration)
	} else {
		log.Printf("ScriptReloader: Reload %s failed: %v\n%s", s.id, err, protogame.StackTrace(err))
	}
	if callback != nil {
		callback(err == nil, record.Error)
	}
	if recorder != nil {
		r.record(recorder, record)
	}
}

// record hands record to recorder. Recorder failures, panics included, are only logged.
func (r *Reloader) record(recorder Recorder, record structs.ReloadRecord) {
	defer func() {
		if e := recover(); e != nil {
			err := protogame.WithStack(errors.Errorf("%v", e))
			log.Printf("ScriptReloader: Recording reload %s panicked: %v\n%s", record.ID, e, protogame.StackTrace(err))
		}
	}()
	if err := recorder.RecordReload(record); err != nil {
		log.Printf("ScriptReloader: Unable to record reload %s: %v", record.ID, err)
	}
}

func (r *Reloader) preserveState(engine Engine) error {
	r.mu.Lock()
	enabled := r.preservationEnabled
	globals := r.preservedGlobals
	r.mu.Unlock()
	if !enabled {
		log.Printf("ScriptReloader: State preservation disabled, skipping")
		return nil
	}
	log.Printf("ScriptReloader: Preserving JavaScript state...")
	script, err := preservationScript(globals)
	if err != nil {
		return protogame.WithStack(fmt.Errorf("%w: %v", ErrStatePreservation, err))
	}
	if err := engine.ExecuteScript(script); err != nil {
		return protogame.WithStack(fmt.Errorf("%w: %v", ErrStatePreservation, err))
	}
	snapshot := engine.LastResult()
	values := map[string]any{}
	if err := goccy.Unmarshal([]byte(snapshot), &values); err != nil {
		return protogame.WithStack(fmt.Errorf("%w: invalid snapshot %q: %v", ErrStatePreservation, snapshot, err))
	}
	r.mu.Lock()
	r.preserved = snapshot
	r.mu.Unlock()
	log.Printf("ScriptReloader: Preserved %s", lang.Card(len(values), "value"))
	return nil
}

func (r *Reloader) restoreState(engine Engine) error {
	r.mu.Lock()
	enabled := r.restoreEnabled
	preserved := r.preserved
	globals := r.preservedGlobals
	r.mu.Unlock()
	if !enabled || preserved == "" {
		return nil
	}
	log.Printf("ScriptReloader: Restoring JavaScript state...")
	script, err := restorationScript(globals)
	if err != nil {
		return err
	}
	if err := engine.ExecuteScript(script); err != nil {
		return err
	}
	log.Printf("ScriptReloader: Restored state: %s", engine.LastResult())
	return nil
}

func (r *Reloader) clearPreservedState(engine Engine) {
	r.mu.Lock()
	hadState := r.preserved != ""
	r.preserved = ""
	r.mu.Unlock()
	if !hadState {
		return
	}
	script, err := clearScript()
	if err == nil {
		err = engine.ExecuteScript(script)
	}
	if err != nil {
		log.Printf("ScriptReloader: Unable to clear preserved state: %v", err)
	}
}

// PreservedState returns the snapshot of the running session, if any.
func (r *Reloader) PreservedState() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.preserved
}

// LoadScript executes path the way a reload would, without a session. It is used for
// the initial load so modules with a redefinition policy are never declared at top level.
func (r *Reloader) LoadScript(path string) error {
	engine := r.currentEngine()
	if engine == nil {
		return protogame.WithStack(ErrNullEngine)
	}
	return r.execute(engine, path)
}

func (r *Reloader) execute(engine Engine, path string) error {
	log.Printf("ScriptReloader: Executing script: %s", path)
	r.mu.Lock()
	source := r.source
	r.mu.Unlock()
	content, err := source.Load(path)
	if err != nil {
		return protogame.WithStack(&ScriptError{Path: path, Err: err})
	}
	log.Printf("ScriptReloader: Read %d bytes from: %s", len(content), path)

	policy, found := r.Policy(ModuleName(path))
	if found && policy.Redefine {
		log.Printf("ScriptReloader: Reloading %s with redefinition of %s", path, policy.BindingName())
		if content, err = redefinitionScript(policy, content); err != nil {
			return protogame.WithStack(&ScriptError{Path: path, Err: err})
		}
	}
	if err := engine.ExecuteRegisteredScript(content, path); err != nil {
		return protogame.WithStack(&ScriptError{Path: path, Err: err})
	}
	log.Printf("ScriptReloader: Script executed successfully: %s", path)
	return nil
}

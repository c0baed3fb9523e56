// Package watcher detects modifications of a fixed set of script files by polling
// their modification times on a background goroutine.
//
// Editors often save a file in several writes (truncate, write, rename), so changes
// are collected in a batch that is only handed to the change callback once no new
// change has been seen for the batch delay.
package watcher

import (
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/zond/protogame"
)

const (
	MinPollingInterval     = 50 * time.Millisecond
	DefaultPollingInterval = 500 * time.Millisecond
	DefaultBatchDelay      = 100 * time.Millisecond

	// Watched paths are relative to this directory below the project root.
	RunDir = "Run"
)

var (
	ErrInvalidPath = errors.New("invalid project root")
)

// ChangeCallback receives the relative path of a changed file. It runs on the
// polling goroutine.
type ChangeCallback func(relativePath string)

type Watcher struct {
	root string
	now  func() time.Time

	filesMu sync.Mutex
	files   []string

	timesMu sync.Mutex
	times   map[string]time.Time

	batchMu    sync.Mutex
	batch      []string
	batched    map[string]bool
	lastChange time.Time

	callbackMu sync.RWMutex
	callback   ChangeCallback

	pollingInterval atomic.Int64
	batchDelay      atomic.Int64

	runMu sync.Mutex
	stop  chan struct{}
	done  chan struct{}
}

// New validates projectRoot and returns a watcher rooted at its absolute,
// separator terminated form.
func New(projectRoot string) (*Watcher, error) {
	if projectRoot == "" {
		log.Printf("FileWatcher: Project root path cannot be empty")
		return nil, errors.Wrap(ErrInvalidPath, "project root is empty")
	}
	abs, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidPath, "%q: %v", projectRoot, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		log.Printf("FileWatcher: Invalid project root path: %s", projectRoot)
		return nil, errors.Wrapf(ErrInvalidPath, "%q: %v", projectRoot, err)
	}
	if !info.IsDir() {
		log.Printf("FileWatcher: Invalid project root path: %s", projectRoot)
		return nil, errors.Wrapf(ErrInvalidPath, "%q is not a directory", projectRoot)
	}
	if !strings.HasSuffix(abs, string(filepath.Separator)) {
		abs += string(filepath.Separator)
	}
	w := &Watcher{
		root:    abs,
		now:     time.Now,
		times:   map[string]time.Time{},
		batched: map[string]bool{},
	}
	w.pollingInterval.Store(int64(DefaultPollingInterval))
	w.batchDelay.Store(int64(DefaultBatchDelay))
	log.Printf("FileWatcher: Initialized with project root: %s", abs)
	return w, nil
}

func (w *Watcher) Root() string {
	return w.root
}

// FullPath resolves a watched path to <root>/Run/<relativePath>.
func (w *Watcher) FullPath(relativePath string) string {
	return filepath.Join(w.root, RunDir, relativePath)
}

// AddWatchedFile starts tracking relativePath, using its current modification time as
// baseline. It returns whether the path is tracked afterwards; files that don't exist
// are logged and ignored.
func (w *Watcher) AddWatchedFile(relativePath string) bool {
	w.filesMu.Lock()
	defer w.filesMu.Unlock()
	if slices.Contains(w.files, relativePath) {
		log.Printf("FileWatcher: Already watching file: %s", relativePath)
		return true
	}
	fullPath := w.FullPath(relativePath)
	info, err := os.Stat(fullPath)
	if err != nil {
		log.Printf("FileWatcher: Cannot watch %s: %v", fullPath, err)
		return false
	}
	w.files = append(w.files, relativePath)
	w.timesMu.Lock()
	w.times[relativePath] = info.ModTime()
	w.timesMu.Unlock()
	log.Printf("FileWatcher: Added watched file: %s", relativePath)
	return true
}

func (w *Watcher) RemoveWatchedFile(relativePath string) {
	w.filesMu.Lock()
	defer w.filesMu.Unlock()
	idx := slices.Index(w.files, relativePath)
	if idx == -1 {
		log.Printf("FileWatcher: File not being watched: %s", relativePath)
		return
	}
	w.files = slices.Delete(w.files, idx, idx+1)
	w.timesMu.Lock()
	delete(w.times, relativePath)
	w.timesMu.Unlock()
	log.Printf("FileWatcher: Removed watched file: %s", relativePath)
}

// WatchedFiles returns the tracked paths in registration order.
func (w *Watcher) WatchedFiles() []string {
	w.filesMu.Lock()
	defer w.filesMu.Unlock()
	return slices.Clone(w.files)
}

func (w *Watcher) WatchedFileCount() int {
	w.filesMu.Lock()
	defer w.filesMu.Unlock()
	return len(w.files)
}

// SetChangeCallback replaces the callback, nil clears it.
func (w *Watcher) SetChangeCallback(callback ChangeCallback) {
	w.callbackMu.Lock()
	w.callback = callback
	w.callbackMu.Unlock()
	if callback != nil {
		log.Printf("FileWatcher: Change callback set")
	} else {
		log.Printf("FileWatcher: Change callback cleared")
	}
}

func (w *Watcher) changeCallback() ChangeCallback {
	w.callbackMu.RLock()
	defer w.callbackMu.RUnlock()
	return w.callback
}

// SetPollingInterval sets the time between polls, raising it to MinPollingInterval if lower.
func (w *Watcher) SetPollingInterval(interval time.Duration) {
	if interval < MinPollingInterval {
		log.Printf("FileWatcher: Polling interval %v too small, using minimum %v", interval, MinPollingInterval)
		interval = MinPollingInterval
	}
	w.pollingInterval.Store(int64(interval))
	log.Printf("FileWatcher: Polling interval set to %v", interval)
}

func (w *Watcher) PollingInterval() time.Duration {
	return time.Duration(w.pollingInterval.Load())
}

// SetBatchDelay sets how long the batch must stay quiet before it is flushed.
func (w *Watcher) SetBatchDelay(delay time.Duration) {
	w.batchDelay.Store(int64(delay))
	log.Printf("FileWatcher: Batch delay set to %v", delay)
}

func (w *Watcher) BatchDelay() time.Duration {
	return time.Duration(w.batchDelay.Load())
}

func (w *Watcher) IsWatching() bool {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	return w.stop != nil
}

// StartWatching starts the polling goroutine. It does nothing if already watching,
// if no files are tracked, or if there is no change callback.
func (w *Watcher) StartWatching() {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.stop != nil {
		log.Printf("FileWatcher: Already watching files")
		return
	}
	count := w.WatchedFileCount()
	if count == 0 {
		log.Printf("FileWatcher: No files to watch")
		return
	}
	if w.changeCallback() == nil {
		log.Printf("FileWatcher: No change callback set")
		return
	}
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(w.stop, w.done)
	log.Printf("FileWatcher: Started watching %d files", count)
}

// StopWatching stops the polling goroutine and waits for it to exit. It must not be
// called from the change callback.
func (w *Watcher) StopWatching() {
	w.runMu.Lock()
	stop, done := w.stop, w.done
	w.stop, w.done = nil, nil
	w.runMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	log.Printf("FileWatcher: Stopped watching files")
}

// Shutdown stops watching and forgets all files, pending changes and the callback.
func (w *Watcher) Shutdown() {
	w.StopWatching()
	w.filesMu.Lock()
	w.files = nil
	w.timesMu.Lock()
	w.times = map[string]time.Time{}
	w.timesMu.Unlock()
	w.filesMu.Unlock()
	w.batchMu.Lock()
	w.batch = nil
	w.batched = map[string]bool{}
	w.batchMu.Unlock()
	w.SetChangeCallback(nil)
	log.Printf("FileWatcher: Shutdown completed")
}

func (w *Watcher) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	log.Printf("FileWatcher: Watching goroutine started")
	timer := time.NewTimer(w.PollingInterval())
	defer timer.Stop()
	for {
		w.Poll()
		timer.Reset(w.PollingInterval())
		select {
		case <-stop:
			log.Printf("FileWatcher: Watching goroutine stopped")
			return
		case <-timer.C:
		}
	}
}

// Poll runs one detection cycle: changed files are added to the batch, and the batch
// is flushed to the callback if it has been quiet for the batch delay.
func (w *Watcher) Poll() {
	if changed := w.checkFileChanges(); len(changed) > 0 {
		w.addToBatch(changed)
	}
	w.flushPendingChanges()
}

func (w *Watcher) checkFileChanges() []string {
	var changed []string
	for _, relativePath := range w.WatchedFiles() {
		if w.hasFileChanged(relativePath) {
			changed = append(changed, relativePath)
		}
	}
	return changed
}

// hasFileChanged treats every filesystem error as "no change".
func (w *Watcher) hasFileChanged(relativePath string) bool {
	info, err := os.Stat(w.FullPath(relativePath))
	if err != nil {
		log.Printf("FileWatcher: Error checking %s: %v", relativePath, err)
		return false
	}
	w.timesMu.Lock()
	defer w.timesMu.Unlock()
	previous, found := w.times[relativePath]
	if !found {
		return false
	}
	if info.ModTime().Equal(previous) {
		return false
	}
	w.times[relativePath] = info.ModTime()
	return true
}

func (w *Watcher) addToBatch(changed []string) {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	for _, relativePath := range changed {
		if !w.batched[relativePath] {
			w.batched[relativePath] = true
			w.batch = append(w.batch, relativePath)
		}
		log.Printf("FileWatcher: Detected change in file: %s", relativePath)
	}
	w.lastChange = w.now()
}

func (w *Watcher) flushPendingChanges() {
	w.batchMu.Lock()
	if len(w.batch) == 0 || w.now().Sub(w.lastChange) < w.BatchDelay() {
		w.batchMu.Unlock()
		return
	}
	flushed := w.batch
	w.batch = nil
	w.batched = map[string]bool{}
	w.batchMu.Unlock()

	callback := w.changeCallback()
	if callback == nil {
		return
	}
	log.Printf("FileWatcher: Flushing %d pending changes", len(flushed))
	for _, relativePath := range flushed {
		w.invoke(callback, relativePath)
	}
}

func (w *Watcher) invoke(callback ChangeCallback, relativePath string) {
	defer func() {
		if e := recover(); e != nil {
			err := protogame.WithStack(errors.Errorf("%v", e))
			log.Printf("FileWatcher: Change callback for %s panicked: %v\n%s", relativePath, e, protogame.StackTrace(err))
		}
	}()
	callback(relativePath)
}

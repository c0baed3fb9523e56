// Package app wires the game services together and runs the frame loop on the
// main goroutine.
package app

import (
	"context"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zond/protogame"
	"github.com/zond/protogame/game"
)

const (
	DefaultFrameRate = 60

	updateFunction = "update"
	renderFunction = "render"
)

// Frame is the rendering collaborator around every tick.
type Frame interface {
	BeginFrame()
	EndFrame()
}

// Headless is a Frame that only counts frames.
type Headless struct {
	frames atomic.Int64
}

func (h *Headless) BeginFrame() {}

func (h *Headless) EndFrame() {
	h.frames.Add(1)
}

func (h *Headless) Frames() int64 {
	return h.frames.Load()
}

// Scripts is the part of the script engine the frame loop drives.
type Scripts interface {
	HasFunction(name string) bool
	CallGlobal(name string, args ...any) (string, error)
}

type service struct {
	name  string
	close func() error
}

type Option func(*App)

func WithFrame(frame Frame) Option {
	return func(a *App) {
		a.frame = frame
	}
}

// WithFrameRate sets the ticks per second of Run. Non positive rates use
// DefaultFrameRate.
func WithFrameRate(rate int) Option {
	return func(a *App) {
		if rate <= 0 {
			rate = DefaultFrameRate
		}
		a.frameRate = rate
	}
}

// App owns the services of a running game. Services are shut down in the reverse
// order they were added.
type App struct {
	iface     *game.ScriptInterface
	scripts   Scripts
	frame     Frame
	frameRate int
	now       func() time.Time

	servicesMu sync.Mutex
	services   []service

	quit      chan struct{}
	quitOnce  sync.Once
	last      time.Time
	lastError string
}

func New(iface *game.ScriptInterface, scripts Scripts, opts ...Option) *App {
	a := &App{
		iface:     iface,
		scripts:   scripts,
		frame:     &Headless{},
		frameRate: DefaultFrameRate,
		now:       time.Now,
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Own registers a started service for shutdown.
func (a *App) Own(name string, close func() error) {
	a.servicesMu.Lock()
	defer a.servicesMu.Unlock()
	a.services = append(a.services, service{name: name, close: close})
}

// Services returns the names of the owned services in startup order.
func (a *App) Services() []string {
	a.servicesMu.Lock()
	defer a.servicesMu.Unlock()
	result := make([]string, len(a.services))
	for i, s := range a.services {
		result[i] = s.name
	}
	return result
}

// RunFrame runs one tick: queued console tasks, hot reloads, then the script
// update and render hooks between BeginFrame and EndFrame.
func (a *App) RunFrame() {
	now := a.now()
	delta := time.Duration(0)
	if !a.last.IsZero() {
		delta = now.Sub(a.last)
	}
	a.last = now

	a.frame.BeginFrame()
	defer a.frame.EndFrame()

	a.iface.ProcessPendingTasks()
	a.iface.ProcessPendingHotReloadEvents()

	if a.scripts == nil {
		return
	}
	a.callHook(updateFunction, float64(delta)/float64(time.Millisecond))
	a.callHook(renderFunction)
}

func (a *App) callHook(name string, args ...any) {
	if !a.scripts.HasFunction(name) {
		return
	}
	if _, err := a.scripts.CallGlobal(name, args...); err != nil {
		// Repeated identical errors are logged once.
		if msg := err.Error(); msg != a.lastError {
			log.Printf("App: Script %s failed: %v", name, err)
			a.lastError = msg
		}
		return
	}
	a.lastError = ""
}

// RequestQuit makes Run return after the current frame. Safe from any goroutine.
func (a *App) RequestQuit() {
	a.quitOnce.Do(func() {
		close(a.quit)
	})
}

// Run ticks frames on the calling goroutine, which must be the one that created
// the script engine, until ctx is done or RequestQuit is called.
func (a *App) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ticker := time.NewTicker(time.Second / time.Duration(a.frameRate))
	defer ticker.Stop()
	log.Printf("App: Running at %d frames per second", a.frameRate)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.quit:
			return nil
		case <-ticker.C:
			a.RunFrame()
		}
	}
}

// Shutdown closes every owned service, last started first.
func (a *App) Shutdown() error {
	a.servicesMu.Lock()
	services := a.services
	a.services = nil
	a.servicesMu.Unlock()

	errs := protogame.Errs{}
	for i := len(services) - 1; i >= 0; i-- {
		log.Printf("App: Shutting down %s", services[i].name)
		if err := services[i].close(); err != nil {
			log.Printf("App: Shutting down %s failed: %v", services[i].name, err)
			errs = append(errs, err)
		}
	}
	return errs.OrNil()
}

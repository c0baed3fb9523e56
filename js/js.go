// Package js hosts the single V8 isolate that runs game scripts.
//
// An Engine is not safe for concurrent use. Every method must be called from the
// goroutine that owns it, in practice the main frame loop.
package js

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/zond/protogame"
	"github.com/zond/protogame/structs"
	"rogchap.com/v8go"

	goccy "github.com/goccy/go-json"
)

var (
	ErrTimeout        = errors.New("script timed out")
	ErrNotInitialized = errors.New("script engine not initialized")
	ErrNotFunction    = errors.New("not a function")
)

// Function is a native function callable from scripts.
type Function func(e *Engine, info *v8go.FunctionCallbackInfo) *v8go.Value

type Options struct {
	// Console receives console.log, print and friends. Defaults to stdout.
	Console io.Writer
	// Timeout terminates scripts running longer than this. Zero disables it.
	Timeout time.Duration
}

type Engine struct {
	iso                    *v8go.Isolate
	vctx                   *v8go.Context
	timeout                time.Duration
	console                *log.Logger
	unableToGenerateString *v8go.Value
	objects                map[string]structs.Scriptable
	stats                  *Stats
	lastResult             string
	lastError              string
}

func New(opts Options) (*Engine, error) {
	if opts.Console == nil {
		opts.Console = os.Stdout
	}
	e := &Engine{
		iso:     v8go.NewIsolate(),
		timeout: opts.Timeout,
		console: log.New(opts.Console, "", 0),
		objects: map[string]structs.Scriptable{},
		stats:   NewStats(),
	}
	e.vctx = v8go.NewContext(e.iso)
	var err error
	if e.unableToGenerateString, err = v8go.NewValue(e.iso, "unable to generate exception"); err != nil {
		e.Close()
		return nil, protogame.WithStack(err)
	}
	if err := e.installBuiltins(); err != nil {
		e.Close()
		return nil, err
	}
	log.Printf("V8: Engine initialized (V8 %s)", v8go.Version())
	return e, nil
}

func (e *Engine) Close() {
	if e.vctx != nil {
		e.vctx.Close()
		e.vctx = nil
	}
	if e.iso != nil {
		e.iso.Dispose()
		e.iso = nil
	}
}

func (e *Engine) IsInitialized() bool {
	return e.iso != nil && e.vctx != nil
}

func (e *Engine) Context() *v8go.Context {
	return e.vctx
}

// String converts s to a script value, never failing.
func (e *Engine) String(s string) *v8go.Value {
	if res, err := v8go.NewValue(e.iso, s); err == nil {
		return res
	}
	return e.unableToGenerateString
}

// Throw schedules a script exception and returns the value native functions must return.
func (e *Engine) Throw(format string, args ...any) *v8go.Value {
	return e.iso.ThrowException(e.String(fmt.Sprintf(format, args...)))
}

func (e *Engine) LastResult() string {
	return e.lastResult
}

func (e *Engine) LastError() string {
	return e.lastError
}

func (e *Engine) HasError() bool {
	return e.lastError != ""
}

// HeapStatistics returns used and total heap bytes.
func (e *Engine) HeapStatistics() (used, total uint64) {
	stats := e.iso.GetHeapStatistics()
	return stats.UsedHeapSize, stats.TotalHeapSize
}

func (e *Engine) ExecuteScript(source string) error {
	_, err := e.execute(source, "<eval>")
	return err
}

func (e *Engine) ExecuteRegisteredScript(source, name string) error {
	_, err := e.execute(source, name)
	return err
}

func (e *Engine) ExecuteScriptFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		e.lastError = err.Error()
		return protogame.WithStack(err)
	}
	_, err = e.execute(string(b), path)
	return err
}

// Eval runs source and returns its completion value as a Go string.
func (e *Engine) Eval(source, origin string) (string, error) {
	if _, err := e.execute(source, origin); err != nil {
		return "", err
	}
	return e.lastResult, nil
}

func (e *Engine) execute(source, origin string) (*v8go.Value, error) {
	if !e.IsInitialized() {
		e.lastError = ErrNotInitialized.Error()
		return nil, protogame.WithStack(ErrNotInitialized)
	}
	val, err := e.run(origin, func() (*v8go.Value, error) {
		return e.vctx.RunScript(source, origin)
	})
	if err != nil {
		e.lastResult = ""
		return nil, e.fail(err)
	}
	e.lastError = ""
	e.lastResult = e.resultString(val)
	return val, nil
}

// Stats returns the execution counters of this engine.
func (e *Engine) Stats() *Stats {
	return e.stats
}

// run times f under the configured timeout and records it as an execution of origin.
func (e *Engine) run(origin string, f func() (*v8go.Value, error)) (*v8go.Value, error) {
	started := time.Now()
	val, err := e.withTimeout(f)
	e.stats.RecordExecution(origin, time.Since(started), err)
	return val, err
}

func (e *Engine) withTimeout(f func() (*v8go.Value, error)) (*v8go.Value, error) {
	if e.timeout <= 0 {
		return f()
	}
	timedOut := &atomic.Bool{}
	timer := time.AfterFunc(e.timeout, func() {
		timedOut.Store(true)
		e.iso.TerminateExecution()
	})
	val, err := f()
	timer.Stop()
	if timedOut.Load() {
		return nil, protogame.WithStack(ErrTimeout)
	}
	return val, err
}

// fail records err as the last error. Script exceptions are flattened to their
// message and stack, since *v8go.JSError carries no stack of our own.
func (e *Engine) fail(err error) error {
	e.lastError = describe(err)
	if errors.Is(err, ErrTimeout) {
		return err
	}
	return protogame.WithStack(errors.New(e.lastError))
}

func describe(err error) string {
	jsErr := &v8go.JSError{}
	if errors.As(err, &jsErr) {
		if jsErr.StackTrace != "" {
			return jsErr.StackTrace
		}
		if jsErr.Location != "" {
			return fmt.Sprintf("%s (at %s)", jsErr.Message, jsErr.Location)
		}
		return jsErr.Message
	}
	return err.Error()
}

func (e *Engine) resultString(val *v8go.Value) string {
	if val == nil || val.IsUndefined() {
		return "undefined"
	}
	if val.IsObject() && !val.IsFunction() {
		if s, err := v8go.JSONStringify(e.vctx, val); err == nil {
			return s
		}
	}
	return val.String()
}

// RegisterGlobalFunction installs f as globalThis[name].
func (e *Engine) RegisterGlobalFunction(name string, f Function) error {
	if !e.IsInitialized() {
		return protogame.WithStack(ErrNotInitialized)
	}
	return protogame.WithStack(e.vctx.Global().Set(name, e.functionTemplate(f).GetFunction(e.vctx)))
}

func (e *Engine) functionTemplate(f Function) *v8go.FunctionTemplate {
	return v8go.NewFunctionTemplate(e.iso, func(info *v8go.FunctionCallbackInfo) *v8go.Value {
		return f(e, info)
	})
}

// HasFunction reports whether globalThis[name] is callable.
func (e *Engine) HasFunction(name string) bool {
	if !e.IsInitialized() {
		return false
	}
	val, err := e.vctx.Global().Get(name)
	return err == nil && val.IsFunction()
}

// CallGlobal calls globalThis[name] with args encoded as JSON values.
func (e *Engine) CallGlobal(name string, args ...any) (string, error) {
	if !e.IsInitialized() {
		return "", protogame.WithStack(ErrNotInitialized)
	}
	val, err := e.vctx.Global().Get(name)
	if err != nil {
		return "", protogame.WithStack(err)
	}
	if !val.IsFunction() {
		return "", protogame.WithStack(errors.Wrap(ErrNotFunction, name))
	}
	fn, err := val.AsFunction()
	if err != nil {
		return "", protogame.WithStack(err)
	}
	jsArgs := make([]v8go.Valuer, len(args))
	for i, arg := range args {
		if jsArgs[i], err = e.toValue(arg); err != nil {
			return "", err
		}
	}
	result, err := e.run(name+"()", func() (*v8go.Value, error) {
		return fn.Call(e.vctx.Global(), jsArgs...)
	})
	if err != nil {
		return "", e.fail(err)
	}
	e.lastError = ""
	return e.resultString(result), nil
}

// toValue converts a Go value by way of JSON, nil becomes undefined.
func (e *Engine) toValue(v any) (*v8go.Value, error) {
	if v == nil {
		return v8go.Undefined(e.iso), nil
	}
	b, err := goccy.Marshal(v)
	if err != nil {
		return nil, protogame.WithStack(err)
	}
	val, err := v8go.JSONParse(e.vctx, string(b))
	if err != nil {
		return nil, protogame.WithStack(err)
	}
	return val, nil
}

func (e *Engine) Global(name string) (*v8go.Value, error) {
	if !e.IsInitialized() {
		return nil, protogame.WithStack(ErrNotInitialized)
	}
	val, err := e.vctx.Global().Get(name)
	return val, protogame.WithStack(err)
}

func (e *Engine) installBuiltins() error {
	console := v8go.NewObjectTemplate(e.iso)
	for name, prefix := range map[string]string{
		"log":   "",
		"info":  "",
		"warn":  "WARN: ",
		"error": "ERROR: ",
	} {
		if err := console.Set(name, e.functionTemplate(e.logFunc(prefix))); err != nil {
			return protogame.WithStack(err)
		}
	}
	consoleObj, err := console.NewInstance(e.vctx)
	if err != nil {
		return protogame.WithStack(err)
	}
	if err := e.vctx.Global().Set("console", consoleObj); err != nil {
		return protogame.WithStack(err)
	}
	for name, f := range map[string]Function{
		"print": e.logFunc(""),
		"debug": debugFunc,
		"gc":    gcFunc,
	} {
		if err := e.RegisterGlobalFunction(name, f); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) formatArgs(info *v8go.FunctionCallbackInfo) string {
	parts := []string{}
	for _, arg := range info.Args() {
		stringArg := arg.String()
		if stringArg == "[object Object]" || arg.IsArray() {
			if jsonArg, err := v8go.JSONStringify(e.vctx, arg); err == nil {
				stringArg = jsonArg
			}
		}
		parts = append(parts, stringArg)
	}
	return strings.Join(parts, " ")
}

func (e *Engine) logFunc(prefix string) Function {
	return func(e *Engine, info *v8go.FunctionCallbackInfo) *v8go.Value {
		e.console.Println(prefix + e.formatArgs(info))
		return nil
	}
}

func debugFunc(e *Engine, info *v8go.FunctionCallbackInfo) *v8go.Value {
	log.Printf("JS debug: %s", e.formatArgs(info))
	return nil
}

// gcFunc reports heap usage. V8 decides when to collect.
func gcFunc(e *Engine, info *v8go.FunctionCallbackInfo) *v8go.Value {
	used, total := e.HeapStatistics()
	e.console.Printf("Heap: %d of %d bytes used", used, total)
	val, err := e.toValue(map[string]uint64{"used": used, "total": total})
	if err != nil {
		return e.Throw("%v", err)
	}
	return val
}

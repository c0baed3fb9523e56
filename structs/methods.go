package structs

import (
	"fmt"
	"time"
)

// MethodInfo describes one native method exposed to scripts.
type MethodInfo struct {
	Name        string
	Description string
	Params      Params
	Returns     string
}

// MethodResult is what a native method hands back to script code.
// Failures travel as values so that nothing is thrown across the script boundary.
type MethodResult struct {
	Success bool
	Value   any
	Error   string
}

func Success(value any) MethodResult {
	return MethodResult{Success: true, Value: value}
}

func Failure(format string, args ...any) MethodResult {
	return MethodResult{Error: fmt.Sprintf(format, args...)}
}

// Scriptable is a native object registered on the script global scope.
type Scriptable interface {
	Methods() []MethodInfo
	CallMethod(name string, args []Arg) MethodResult
	Properties() []string
	Property(name string) any
}

// ReloadRecord is the outcome of one reload session.
type ReloadRecord struct {
	ID       string        `json:"id"`
	Paths    []string      `json:"paths"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
}

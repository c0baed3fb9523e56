package js

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"rogchap.com/v8go"
)

const (
	// SlowExecutionThreshold is one frame at 60 frames per second.
	SlowExecutionThreshold = 16 * time.Millisecond
	// recentBufferSize is the maximum number of recent notable executions (errors + slow) to keep.
	recentBufferSize = 100
	// maxScripts is the maximum number of origins to track.
	maxScripts = 1000
	// maxErrorMessageLength is the maximum length of error messages stored.
	maxErrorMessageLength = 128
)

// ErrorCategory classifies the source of an error.
type ErrorCategory string

const (
	CategoryJS      ErrorCategory = "js"
	CategoryTimeout ErrorCategory = "timeout"
	CategoryOther   ErrorCategory = "other"
)

// ErrorLocation is where a script error occurred. A zero Line means unknown.
type ErrorLocation struct {
	File   string
	Line   int
	Column int
}

func (l ErrorLocation) String() string {
	switch {
	case l.File == "":
		return "(unknown)"
	case l.Line == 0:
		return l.File
	case l.Column == 0:
		return fmt.Sprintf("%s:%d", l.File, l.Line)
	}
	return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
}

// ExecutionRecord captures a notable execution (error or slow) for debugging.
type ExecutionRecord struct {
	Timestamp time.Time
	Origin    string
	Duration  time.Duration
	IsError   bool
	Category  ErrorCategory // Only set if IsError
	Location  ErrorLocation // Only set if IsError
	Message   string        // Only set if IsError (truncated)
}

type scriptStats struct {
	executions uint64
	errors     uint64
	slow       uint64
	total      time.Duration
	max        time.Duration
	lastSeen   time.Time
	lastError  string
}

// ScriptSnapshot is a copy of the counters for one script origin.
type ScriptSnapshot struct {
	Origin       string
	Executions   uint64
	Errors       uint64
	SlowCount    uint64
	AvgTime      time.Duration
	MaxTime      time.Duration
	ErrorPercent float64
	LastSeen     time.Time
	LastError    string
}

type ScriptSortField int

const (
	SortScriptByTime   ScriptSortField = iota // Total execution time
	SortScriptByExecs                         // Execution count
	SortScriptBySlow                          // Slow count
	SortScriptByErrors                        // Error count
)

// Stats tracks execution time and errors per script origin. Recording happens on
// the engine goroutine, snapshots may be taken from anywhere.
type Stats struct {
	mu      sync.RWMutex
	now     func() time.Time
	scripts map[string]*scriptStats
	recent  []ExecutionRecord
	next    int
}

func NewStats() *Stats {
	return &Stats{
		now:     time.Now,
		scripts: map[string]*scriptStats{},
	}
}

// RecordExecution counts one run of origin that took duration and failed with err,
// or succeeded if err is nil.
func (s *Stats) RecordExecution(origin string, duration time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	script, found := s.scripts[origin]
	if !found {
		if len(s.scripts) >= maxScripts {
			s.evictOldestLocked()
		}
		script = &scriptStats{}
		s.scripts[origin] = script
	}
	script.executions++
	script.total += duration
	script.lastSeen = now
	if duration > script.max {
		script.max = duration
	}
	slow := duration >= SlowExecutionThreshold
	if slow {
		script.slow++
	}
	if err == nil && !slow {
		return
	}
	record := ExecutionRecord{
		Timestamp: now,
		Origin:    origin,
		Duration:  duration,
	}
	if err != nil {
		script.errors++
		record.IsError = true
		record.Category, record.Location, record.Message = classifyError(err)
		record.Message = truncateMessage(record.Message)
		script.lastError = record.Message
	}
	s.addRecentLocked(record)
}

func (s *Stats) addRecentLocked(record ExecutionRecord) {
	if len(s.recent) < recentBufferSize {
		s.recent = append(s.recent, record)
		s.next = len(s.recent) % recentBufferSize
		return
	}
	s.recent[s.next] = record
	s.next = (s.next + 1) % recentBufferSize
}

func (s *Stats) evictOldestLocked() {
	oldest := ""
	var oldestSeen time.Time
	for origin, script := range s.scripts {
		if oldest == "" || script.lastSeen.Before(oldestSeen) {
			oldest, oldestSeen = origin, script.lastSeen
		}
	}
	delete(s.scripts, oldest)
}

func snapshot(origin string, script *scriptStats) ScriptSnapshot {
	result := ScriptSnapshot{
		Origin:     origin,
		Executions: script.executions,
		Errors:     script.errors,
		SlowCount:  script.slow,
		MaxTime:    script.max,
		LastSeen:   script.lastSeen,
		LastError:  script.lastError,
	}
	if script.executions > 0 {
		result.AvgTime = script.total / time.Duration(script.executions)
		result.ErrorPercent = 100 * float64(script.errors) / float64(script.executions)
	}
	return result
}

// TopScripts returns the top n origins sorted by the specified field, all of them if
// n is not positive.
func (s *Stats) TopScripts(by ScriptSortField, n int) []ScriptSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ScriptSnapshot, 0, len(s.scripts))
	for origin, script := range s.scripts {
		result = append(result, snapshot(origin, script))
	}

	less := map[ScriptSortField]func(a, b ScriptSnapshot) bool{
		SortScriptByTime: func(a, b ScriptSnapshot) bool {
			return a.AvgTime*time.Duration(a.Executions) > b.AvgTime*time.Duration(b.Executions)
		},
		SortScriptByExecs:  func(a, b ScriptSnapshot) bool { return a.Executions > b.Executions },
		SortScriptBySlow:   func(a, b ScriptSnapshot) bool { return a.SlowCount > b.SlowCount },
		SortScriptByErrors: func(a, b ScriptSnapshot) bool { return a.Errors > b.Errors },
	}[by]
	if less == nil {
		less = func(a, b ScriptSnapshot) bool { return false }
	}
	sort.SliceStable(result, func(i, j int) bool {
		if less(result[i], result[j]) {
			return true
		}
		if less(result[j], result[i]) {
			return false
		}
		return result[i].Origin < result[j].Origin
	})

	if n > 0 && len(result) > n {
		result = result[:n]
	}
	return result
}

// Script returns the counters of origin, or nil if it never ran.
func (s *Stats) Script(origin string) *ScriptSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	script, found := s.scripts[origin]
	if !found {
		return nil
	}
	result := snapshot(origin, script)
	return &result
}

// RecentRecords returns up to n of the latest notable executions, newest first.
func (s *Stats) RecentRecords(n int) []ExecutionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]ExecutionRecord, 0, len(s.recent))
	for i := 0; i < len(s.recent); i++ {
		idx := (s.next - 1 - i + len(s.recent)) % len(s.recent)
		result = append(result, s.recent[idx])
		if n > 0 && len(result) == n {
			break
		}
	}
	return result
}

func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts = map[string]*scriptStats{}
	s.recent = nil
	s.next = 0
}

// classifyError extracts category, location, and message from an error.
func classifyError(err error) (ErrorCategory, ErrorLocation, string) {
	var jsErr *v8go.JSError
	if errors.As(err, &jsErr) {
		return CategoryJS, parseJSLocation(jsErr.Location), jsErr.Message
	}
	if errors.Is(err, ErrTimeout) {
		return CategoryTimeout, ErrorLocation{}, "script execution timeout"
	}
	return CategoryOther, ErrorLocation{}, err.Error()
}

// parseJSLocation parses locations like "/Data/Scripts/JSGame.js:10:5" or
// "JSGame.js:10", from the right so colons in the file name survive.
func parseJSLocation(loc string) ErrorLocation {
	if loc == "" {
		return ErrorLocation{}
	}
	lastColon := strings.LastIndex(loc, ":")
	if lastColon == -1 {
		return ErrorLocation{File: loc}
	}
	last, err := strconv.Atoi(loc[lastColon+1:])
	if err != nil {
		return ErrorLocation{File: loc}
	}
	beforeLast := loc[:lastColon]
	secondColon := strings.LastIndex(beforeLast, ":")
	if secondColon == -1 {
		return ErrorLocation{File: beforeLast, Line: last}
	}
	between, err := strconv.Atoi(beforeLast[secondColon+1:])
	if err != nil {
		return ErrorLocation{File: beforeLast, Line: last}
	}
	return ErrorLocation{File: beforeLast[:secondColon], Line: between, Column: last}
}

func truncateMessage(msg string) string {
	msg = strings.ReplaceAll(msg, "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", "")
	// Truncate by runes to avoid splitting UTF-8 characters.
	runes := []rune(msg)
	if len(runes) > maxErrorMessageLength {
		return string(runes[:maxErrorMessageLength-3]) + "..."
	}
	return msg
}

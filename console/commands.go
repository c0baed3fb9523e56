package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/buildkite/shellwords"
	"github.com/pkg/errors"
	"github.com/rodaine/table"
	"github.com/zond/protogame"
	"github.com/zond/protogame/game"
	"github.com/zond/protogame/js"
	"github.com/zond/protogame/lang"
	"github.com/zond/protogame/structs"
)

const (
	defaultHistory = 10
	defaultScripts = 10
)

var sortFields = map[string]js.ScriptSortField{
	"time":   js.SortScriptByTime,
	"execs":  js.SortScriptByExecs,
	"slow":   js.SortScriptBySlow,
	"errors": js.SortScriptByErrors,
}

func ms(d time.Duration) string {
	return fmt.Sprintf("%.1f", float64(d)/float64(time.Millisecond))
}

type command struct {
	names map[string]bool
	usage string
	help  string
	f     func(s *session, args []string, line string) error
}

type commands []command

func (c commands) find(name string) *command {
	for i := range c {
		if c[i].names[name] {
			return &c[i]
		}
	}
	return nil
}

func m(s ...string) map[string]bool {
	res := map[string]bool{}
	for _, p := range s {
		res[p] = true
	}
	return res
}

// session is one console client, either an interactive terminal or a single exec
// request.
type session struct {
	console *Console
	ctx     context.Context
	out     io.Writer
	quit    bool
	logging bool
}

// execute runs one command line. Quit requests set s.quit.
func (s *session) execute(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	args, err := shellwords.SplitPosix(line)
	if err != nil {
		return protogame.WithStack(err)
	}
	if len(args) == 0 {
		return nil
	}
	cmd := s.console.commands.find(args[0])
	if cmd == nil {
		fmt.Fprintf(s.out, "Unknown command: %q, try \"help\"\n", args[0])
		return nil
	}
	return cmd.f(s, args, line)
}

// onMain runs f on the game loop and waits for its result. The result travels
// through a buffered channel, so f may still run after the session gave up
// waiting without touching anything the session reads.
func onMain[T any](s *session, f func() T) (T, error) {
	results := make(chan T, 1)
	s.console.iface.Enqueue(func() {
		results <- f()
	})
	select {
	case result := <-results:
		return result, nil
	case <-s.ctx.Done():
		var zero T
		return zero, protogame.WithStack(s.ctx.Err())
	}
}

func (s *session) call(method string, args ...structs.Arg) (structs.MethodResult, error) {
	return onMain(s, func() structs.MethodResult {
		return s.console.iface.CallMethod(method, args)
	})
}

type statusReport struct {
	stats     game.ReloadStats
	statsErr  error
	files     []string
	gameStats game.Stats
}

type reloadReport struct {
	result    structs.MethodResult
	lastError string
}

type evalReport struct {
	result string
	err    error
}

func (s *session) watchedFiles() ([]string, error) {
	return onMain(s, func() []string {
		if w := s.console.iface.Watcher(); w != nil {
			return w.WatchedFiles()
		}
		return nil
	})
}

func (s *session) printResult(result structs.MethodResult) {
	if result.Success {
		fmt.Fprintln(s.out, result.Value)
	} else {
		fmt.Fprintf(s.out, "Error: %s\n", result.Error)
	}
}

func usage(s *session, cmd string) error {
	fmt.Fprintf(s.out, "usage: %s\n", s.console.commands.find(cmd).usage)
	return nil
}

func (c *Console) buildCommands() {
	c.commands = commands{
		{
			names: m("help", "?"),
			usage: "help",
			help:  "List commands",
			f: func(s *session, args []string, line string) error {
				t := table.New("Command", "Description").WithWriter(s.out)
				for _, cmd := range s.console.commands {
					t.AddRow(cmd.usage, cmd.help)
				}
				t.Print()
				return nil
			},
		},
		{
			names: m("status"),
			usage: "status",
			help:  "Show hot reload and game status",
			f: func(s *session, args []string, line string) error {
				report, err := onMain(s, func() statusReport {
					r := statusReport{gameStats: s.console.iface.Game().Stats()}
					r.stats, r.statsErr = s.console.iface.ReloadStats()
					if w := s.console.iface.Watcher(); w != nil {
						r.files = w.WatchedFiles()
					}
					return r
				})
				if err != nil {
					return err
				}
				stats, statsErr, files, gs := report.stats, report.statsErr, report.files, report.gameStats
				t := table.New("Key", "Value").WithWriter(s.out)
				t.AddRow("game state", gs.State)
				t.AddRow("frames", gs.Frames)
				t.AddRow("props", gs.Props)
				t.AddRow("watching", lang.Card(len(files), "file"))
				if statsErr != nil {
					t.AddRow("hot reload", statsErr.Error())
				} else {
					t.AddRow("hot reload", enabled(stats.Enabled))
					t.AddRow("reloads", fmt.Sprintf("%d (%d ok, %d failed)", stats.Attempts, stats.Successes, stats.Failures))
					t.AddRow("pending", lang.Card(stats.Pending, "change"))
					if stats.LastError != "" {
						t.AddRow("last error", stats.LastError)
					}
				}
				t.Print()
				return nil
			},
		},
		{
			names: m("files", "ls"),
			usage: "files",
			help:  "List watched files",
			f: func(s *session, args []string, line string) error {
				files, err := s.watchedFiles()
				if err != nil {
					return err
				}
				t := table.New("File", "Modified").WithWriter(s.out)
				for _, file := range files {
					modified := "missing"
					if info, err := os.Stat(s.console.iface.FullPath(file)); err == nil {
						modified = info.ModTime().Format(time.RFC3339)
					}
					t.AddRow(file, modified)
				}
				t.Print()
				return nil
			},
		},
		{
			names: m("watch"),
			usage: "watch <file>...",
			help:  "Watch files below Run",
			f: func(s *session, args []string, line string) error {
				if len(args) < 2 {
					return usage(s, args[0])
				}
				for _, file := range args[1:] {
					result, err := s.call("addWatchedFile", structs.String(file))
					if err != nil {
						return err
					}
					if result.Success && result.Value == true {
						fmt.Fprintf(s.out, "Watching %s\n", file)
					} else if result.Success {
						fmt.Fprintf(s.out, "Cannot watch %s\n", file)
					} else {
						s.printResult(result)
					}
				}
				return nil
			},
		},
		{
			names: m("unwatch"),
			usage: "unwatch <file>...",
			help:  "Stop watching files",
			f: func(s *session, args []string, line string) error {
				if len(args) < 2 {
					return usage(s, args[0])
				}
				for _, file := range args[1:] {
					result, err := s.call("removeWatchedFile", structs.String(file))
					if err != nil {
						return err
					}
					if result.Success {
						fmt.Fprintf(s.out, "Stopped watching %s\n", file)
					} else {
						s.printResult(result)
					}
				}
				return nil
			},
		},
		{
			names: m("reload"),
			usage: "reload <file>",
			help:  "Reload a script now",
			f: func(s *session, args []string, line string) error {
				if len(args) != 2 {
					return usage(s, args[0])
				}
				report, err := onMain(s, func() reloadReport {
					r := reloadReport{result: s.console.iface.CallMethod("reloadScript", []structs.Arg{structs.String(args[1])})}
					if reloader := s.console.iface.Reloader(); reloader != nil {
						r.lastError = reloader.LastError()
					}
					return r
				})
				if err != nil {
					return err
				}
				result, lastError := report.result, report.lastError
				switch {
				case !result.Success:
					s.printResult(result)
				case result.Value == true:
					fmt.Fprintf(s.out, "Reloaded %s\n", args[1])
				default:
					fmt.Fprintf(s.out, "Reload of %s failed: %s\n", args[1], lastError)
				}
				return nil
			},
		},
		{
			names: m("enable"),
			usage: "enable",
			help:  "Enable hot reload",
			f: func(s *session, args []string, line string) error {
				result, err := s.call("enableHotReload")
				if err != nil {
					return err
				}
				if result.Success {
					fmt.Fprintln(s.out, "Hot reload enabled")
				} else {
					s.printResult(result)
				}
				return nil
			},
		},
		{
			names: m("disable"),
			usage: "disable",
			help:  "Disable hot reload",
			f: func(s *session, args []string, line string) error {
				result, err := s.call("disableHotReload")
				if err != nil {
					return err
				}
				if result.Success {
					fmt.Fprintln(s.out, "Hot reload disabled")
				} else {
					s.printResult(result)
				}
				return nil
			},
		},
		{
			names: m("history"),
			usage: "history [count]",
			help:  "Show recent reload sessions",
			f: func(s *session, args []string, line string) error {
				n := defaultHistory
				if len(args) > 2 {
					return usage(s, args[0])
				}
				if len(args) == 2 {
					var err error
					if n, err = strconv.Atoi(args[1]); err != nil || n < 0 {
						return usage(s, args[0])
					}
				}
				history := s.console.iface.History()
				if history == nil {
					fmt.Fprintln(s.out, "No reload history configured")
					return nil
				}
				records, err := history.Recent(n)
				if err != nil {
					return err
				}
				t := table.New("Started", "Duration", "Result", "Paths").WithWriter(s.out)
				for _, record := range records {
					result := "ok"
					if !record.Success {
						result = record.Error
					}
					t.AddRow(record.Started.Format(time.RFC3339), record.Duration.Round(time.Microsecond), result, strings.Join(record.Paths, ", "))
				}
				t.Print()
				fmt.Fprintln(s.out, lang.Card(len(records), "reload"))
				return nil
			},
		},
		{
			names: m("scripts"),
			usage: "scripts [time|execs|slow|errors] [count]",
			help:  "Show script execution statistics",
			f: func(s *session, args []string, line string) error {
				if len(args) > 3 {
					return usage(s, args[0])
				}
				by, n := js.SortScriptByTime, defaultScripts
				if len(args) > 1 {
					field, found := sortFields[args[1]]
					if !found {
						return usage(s, args[0])
					}
					by = field
				}
				if len(args) > 2 {
					var err error
					if n, err = strconv.Atoi(args[2]); err != nil || n < 0 {
						return usage(s, args[0])
					}
				}
				if s.console.stats == nil {
					fmt.Fprintln(s.out, "No script statistics available")
					return nil
				}
				scripts := s.console.stats.TopScripts(by, n)
				if len(scripts) == 0 {
					fmt.Fprintln(s.out, "No scripts recorded.")
					return nil
				}
				t := table.New("Origin", "Execs", "Avg(ms)", "Max(ms)", "Slow", "Errs", "Err%").WithWriter(s.out)
				for _, script := range scripts {
					t.AddRow(script.Origin, script.Executions, ms(script.AvgTime), ms(script.MaxTime), script.SlowCount, script.Errors, fmt.Sprintf("%.1f", script.ErrorPercent))
				}
				t.Print()
				return nil
			},
		},
		{
			names: m("errors"),
			usage: "errors [count]",
			help:  "Show recent script errors and slow executions",
			f: func(s *session, args []string, line string) error {
				if len(args) > 2 {
					return usage(s, args[0])
				}
				n := defaultScripts
				if len(args) == 2 {
					var err error
					if n, err = strconv.Atoi(args[1]); err != nil || n < 0 {
						return usage(s, args[0])
					}
				}
				if s.console.stats == nil {
					fmt.Fprintln(s.out, "No script statistics available")
					return nil
				}
				records := s.console.stats.RecentRecords(n)
				if len(records) == 0 {
					fmt.Fprintln(s.out, "No errors or slow executions recorded.")
					return nil
				}
				t := table.New("Time", "Origin", "Duration(ms)", "Category", "Location", "Message").WithWriter(s.out)
				for _, record := range records {
					category, location := "slow", ""
					if record.IsError {
						category, location = string(record.Category), record.Location.String()
					}
					t.AddRow(record.Timestamp.Format(time.TimeOnly), record.Origin, ms(record.Duration), category, location, record.Message)
				}
				t.Print()
				return nil
			},
		},
		{
			names: m("js", "eval"),
			usage: "js <source>",
			help:  "Evaluate script source in the game",
			f: func(s *session, args []string, line string) error {
				source := strings.TrimSpace(strings.TrimPrefix(line, args[0]))
				if source == "" {
					return usage(s, args[0])
				}
				if s.console.eval == nil {
					fmt.Fprintln(s.out, "No script engine")
					return nil
				}
				report, err := onMain(s, func() evalReport {
					result, err := s.console.eval.Eval(source, "<console>")
					return evalReport{result: result, err: err}
				})
				if err != nil {
					return err
				}
				result, evalErr := report.result, report.err
				if evalErr != nil {
					fmt.Fprintf(s.out, "Error: %v\n", evalErr)
				} else {
					fmt.Fprintln(s.out, result)
				}
				return nil
			},
		},
		{
			names: m("attract"),
			usage: "attract on|off",
			help:  "Switch attract mode",
			f: func(s *session, args []string, line string) error {
				if len(args) != 2 {
					return usage(s, args[0])
				}
				on, err := onOff(args[1])
				if err != nil {
					return usage(s, args[0])
				}
				if _, err := onMain(s, func() bool {
					s.console.iface.Game().SetAttractMode(on)
					return on
				}); err != nil {
					return err
				}
				fmt.Fprintf(s.out, "Attract mode %s\n", enabled(on))
				return nil
			},
		},
		{
			names: m("log"),
			usage: "log on|off",
			help:  "Stream script console output",
			f: func(s *session, args []string, line string) error {
				if len(args) != 2 {
					return usage(s, args[0])
				}
				on, err := onOff(args[1])
				if err != nil {
					return usage(s, args[0])
				}
				if s.console.fanout == nil {
					fmt.Fprintln(s.out, "No script console output available")
					return nil
				}
				if on {
					s.console.fanout.Push(s.out)
				} else {
					s.console.fanout.Drop(s.out)
				}
				s.logging = on
				fmt.Fprintf(s.out, "Script output %s\n", enabled(on))
				return nil
			},
		},
		{
			names: m("shutdown"),
			usage: "shutdown",
			help:  "Stop the game",
			f: func(s *session, args []string, line string) error {
				if s.console.shutdown == nil {
					fmt.Fprintln(s.out, "Shutdown not available")
					return nil
				}
				fmt.Fprintln(s.out, "Shutting down")
				s.console.shutdown()
				s.quit = true
				return nil
			},
		},
		{
			names: m("quit", "exit"),
			usage: "quit",
			help:  "Close the console",
			f: func(s *session, args []string, line string) error {
				s.quit = true
				return nil
			},
		},
	}
	sort.SliceStable(c.commands, func(i, j int) bool {
		return c.commands[i].usage < c.commands[j].usage
	})
}

func onOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, errors.Errorf("expected on or off, got %q", s)
}

func enabled(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/zond/protogame"
	"github.com/zond/protogame/app"
	"github.com/zond/protogame/console"
	"github.com/zond/protogame/game"
	"github.com/zond/protogame/js"
	"github.com/zond/protogame/js/imports"
	"github.com/zond/protogame/pemfile"
	"github.com/zond/protogame/storage"
	"github.com/zond/protogame/structs"
	"github.com/zond/protogame/watcher"
	"gopkg.in/natefinch/lumberjack.v2"
)

func init() {
	// The script engine belongs to the main thread.
	runtime.LockOSThread()
}

func main() {
	config := structs.DefaultConfig()

	configPath := flag.String("config", "", "JSON or YAML config file, applied before the other flags.")
	savePath := flag.String("save_config", "", "Write the effective config to this file and exit.")
	flag.StringVar(&config.ProjectRoot, "root", config.ProjectRoot, "Project root containing the Run directory.")
	flag.IntVar(&config.FrameRate, "fps", config.FrameRate, "Frames per second.")
	flag.BoolVar(&config.HotReload, "hot_reload", config.HotReload, "Reload watched scripts when they change.")
	flag.Int64Var(&config.PollingIntervalMS, "poll_ms", config.PollingIntervalMS, "Milliseconds between checks of watched files.")
	flag.Int64Var(&config.BatchDelayMS, "batch_ms", config.BatchDelayMS, "Milliseconds of quiet before changed files are reported.")
	flag.Int64Var(&config.ScriptTimeoutMS, "script_timeout_ms", config.ScriptTimeoutMS, "Terminate scripts running longer than this, 0 disables.")
	flag.BoolVar(&config.RestoreState, "restore_state", config.RestoreState, "Write preserved globals back after a reload.")
	flag.StringVar(&config.HistoryPath, "history", config.HistoryPath, "Reload history database, empty disables.")
	flag.StringVar(&config.AuditLogPath, "audit_log", config.AuditLogPath, "JSON reload audit log, empty disables.")
	flag.StringVar(&config.ConsoleAddr, "console", config.ConsoleAddr, "Where to listen for SSH console connections, empty disables.")
	flag.StringVar(&config.ConsoleAuthorizedKeys, "console_keys", config.ConsoleAuthorizedKeys, "authorized_keys file for the console, empty accepts any key.")
	flag.StringVar(&config.LogFile, "log", config.LogFile, "Also write logs to this rotated file.")

	flag.Parse()

	if *configPath != "" {
		loaded, err := structs.LoadConfig(*configPath)
		if err != nil {
			log.Fatal(err)
		}
		// Flags given on the command line win over the file.
		flags := *config
		*config = *loaded
		flag.Visit(func(f *flag.Flag) {
			override(config, &flags, f.Name)
		})
	}

	if *savePath != "" {
		if err := config.Save(*savePath); err != nil {
			log.Fatal(err)
		}
		return
	}

	if config.LogFile != "" {
		log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   config.ResolvePath(config.LogFile),
			MaxSize:    config.LogMaxSizeMB,
			MaxBackups: config.LogMaxBackups,
			MaxAge:     config.LogMaxAgeDays,
		}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config); err != nil {
		log.Println(err)
		log.Println(protogame.StackTrace(err))
		os.Exit(1)
	}
}

func override(dst *structs.Config, src *structs.Config, name string) {
	switch name {
	case "root":
		dst.ProjectRoot = src.ProjectRoot
	case "fps":
		dst.FrameRate = src.FrameRate
	case "hot_reload":
		dst.HotReload = src.HotReload
	case "poll_ms":
		dst.PollingIntervalMS = src.PollingIntervalMS
	case "batch_ms":
		dst.BatchDelayMS = src.BatchDelayMS
	case "script_timeout_ms":
		dst.ScriptTimeoutMS = src.ScriptTimeoutMS
	case "restore_state":
		dst.RestoreState = src.RestoreState
	case "history":
		dst.HistoryPath = src.HistoryPath
	case "audit_log":
		dst.AuditLogPath = src.AuditLogPath
	case "console":
		dst.ConsoleAddr = src.ConsoleAddr
	case "console_keys":
		dst.ConsoleAuthorizedKeys = src.ConsoleAuthorizedKeys
	case "log":
		dst.LogFile = src.LogFile
	}
}

func run(ctx context.Context, config *structs.Config) error {
	root, err := filepath.Abs(config.ProjectRoot)
	if err != nil {
		return protogame.WithStack(err)
	}
	config.ProjectRoot = root

	fanout := &console.Fanout{}
	engine, err := js.New(js.Options{
		Console: io.MultiWriter(os.Stdout, fanout),
		Timeout: config.ScriptTimeout(),
	})
	if err != nil {
		return err
	}

	opts := []game.Option{
		game.WithSource(imports.NewResolver(filepath.Join(root, watcher.RunDir), imports.DefaultTTL)),
	}
	var history *storage.History
	if config.HistoryPath != "" {
		historyOpts := []storage.Option{}
		if config.AuditLogPath != "" {
			audit, err := storage.NewAuditLogger(config.ResolvePath(config.AuditLogPath))
			if err != nil {
				engine.Close()
				return err
			}
			historyOpts = append(historyOpts, storage.WithAuditLog(audit))
		}
		if history, err = storage.Open(ctx, config.ResolvePath(config.HistoryPath), historyOpts...); err != nil {
			engine.Close()
			return err
		}
		opts = append(opts, game.WithHistory(history))
	}

	iface := game.NewScriptInterface(game.New(), config, engine, opts...)
	a := app.New(iface, engine, app.WithFrameRate(config.FrameRate))
	// Startup order, shut down in reverse.
	a.Own("script engine", func() error {
		engine.Close()
		return nil
	})
	if history != nil {
		a.Own("reload history", history.Close)
	}
	defer func() {
		if err := a.Shutdown(); err != nil {
			log.Printf("Shutdown: %v", err)
		}
	}()

	if err := engine.RegisterObject(game.ObjectName, iface); err != nil {
		return err
	}
	if err := iface.InitializeHotReload(engine, root); err != nil {
		return err
	}
	a.Own("hot reload", func() error {
		iface.ShutdownHotReload()
		return nil
	})
	if err := iface.LoadScripts(); err != nil {
		return err
	}

	if config.ConsoleAddr != "" {
		c, err := startConsole(config, iface, engine, fanout, a.RequestQuit)
		if err != nil {
			return err
		}
		a.Own("console", c.Close)
	}

	started := time.Now()
	err = a.Run(ctx)
	log.Printf("Ran for %v", time.Since(started).Round(time.Second))
	return err
}

func startConsole(config *structs.Config, iface *game.ScriptInterface, engine *js.Engine, fanout *console.Fanout, shutdown func()) (*console.Console, error) {
	keyPath := config.ResolvePath(config.ConsoleHostKey)
	signer, generated, err := pemfile.KeyParams{
		Comment:       "protogame console",
		KeyPath:       keyPath,
		SSHPubKeyPath: keyPath + ".pub",
	}.LoadOrGenerate()
	if err != nil {
		return nil, err
	}
	if generated {
		log.Printf("Generated console host key in %q", keyPath)
	}
	opts := []console.Option{
		console.WithHostKey(signer),
		console.WithEvaluator(engine),
		console.WithFanout(fanout),
		console.WithScriptStats(engine.Stats()),
		console.WithShutdown(shutdown),
	}
	if config.ConsoleAuthorizedKeys != "" {
		keys, err := pemfile.LoadAuthorizedKeys(config.ResolvePath(config.ConsoleAuthorizedKeys))
		if err != nil {
			return nil, err
		}
		opts = append(opts, console.WithAuthorizedKeys(keys))
	}
	c := console.New(iface, opts...)
	if err := c.Start(config.ConsoleAddr); err != nil {
		return nil, err
	}
	return c, nil
}

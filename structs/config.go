package structs

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zond/protogame"
	"gopkg.in/yaml.v3"

	goccy "github.com/goccy/go-json"
)

const (
	// Bootstrap, input binding and game logic, in load order.
	EngineScript = "Data/Scripts/JSEngine.js"
	InputScript  = "Data/Scripts/InputSystem.js"
	GameScript   = "Data/Scripts/JSGame.js"
)

// Migration moves a live instance held at Holder[Field] onto a freshly defined construct.
// With Rebind the instance keeps every field and only swaps prototype, otherwise a new
// instance is constructed and the Preserve fields are copied over.
type Migration struct {
	Holder   string   `json:"holder" yaml:"holder"`
	Field    string   `json:"field" yaml:"field"`
	Preserve []string `json:"preserve,omitempty" yaml:"preserve,omitempty"`
	Rebind   bool     `json:"rebind,omitempty" yaml:"rebind,omitempty"`
}

// ReloadPolicy decides how one logical script module is re-executed.
// Module matches the script file name without extension, Global is the
// top-level binding the module defines and defaults to Module.
type ReloadPolicy struct {
	Module   string      `json:"module" yaml:"module"`
	Global   string      `json:"global,omitempty" yaml:"global,omitempty"`
	Redefine bool        `json:"redefine" yaml:"redefine"`
	Migrate  []Migration `json:"migrate,omitempty" yaml:"migrate,omitempty"`
}

// BindingName returns the global the module defines.
func (p ReloadPolicy) BindingName() string {
	if p.Global != "" {
		return p.Global
	}
	return p.Module
}

// Config is everything the host reads at startup.
// Durations are stored as milliseconds to keep config files readable.
type Config struct {
	ProjectRoot       string `json:"projectRoot" yaml:"projectRoot"`
	FrameRate         int    `json:"frameRate" yaml:"frameRate"`
	ScriptTimeoutMS   int64  `json:"scriptTimeoutMS" yaml:"scriptTimeoutMS"`
	HotReload         bool   `json:"hotReload" yaml:"hotReload"`
	PollingIntervalMS int64  `json:"pollingIntervalMS" yaml:"pollingIntervalMS"`
	BatchDelayMS      int64  `json:"batchDelayMS" yaml:"batchDelayMS"`

	WatchedFiles     []string          `json:"watchedFiles" yaml:"watchedFiles"`
	PreserveState    bool              `json:"preserveState" yaml:"preserveState"`
	RestoreState     bool              `json:"restoreState" yaml:"restoreState"`
	PreservedGlobals map[string]string `json:"preservedGlobals" yaml:"preservedGlobals"`
	Policies         []ReloadPolicy    `json:"policies" yaml:"policies"`

	HistoryPath  string `json:"historyPath" yaml:"historyPath"`
	AuditLogPath string `json:"auditLogPath" yaml:"auditLogPath"`

	ConsoleAddr           string `json:"consoleAddr" yaml:"consoleAddr"`
	ConsoleHostKey        string `json:"consoleHostKey" yaml:"consoleHostKey"`
	ConsoleAuthorizedKeys string `json:"consoleAuthorizedKeys" yaml:"consoleAuthorizedKeys"`

	LogFile       string `json:"logFile" yaml:"logFile"`
	LogMaxSizeMB  int    `json:"logMaxSizeMB" yaml:"logMaxSizeMB"`
	LogMaxBackups int    `json:"logMaxBackups" yaml:"logMaxBackups"`
	LogMaxAgeDays int    `json:"logMaxAgeDays" yaml:"logMaxAgeDays"`
}

// DefaultConfig returns the settings the game ships with.
func DefaultConfig() *Config {
	return &Config{
		ProjectRoot:       ".",
		FrameRate:         60,
		HotReload:         true,
		PollingIntervalMS: 500,
		BatchDelayMS:      100,
		WatchedFiles:      []string{EngineScript, InputScript, GameScript},
		PreserveState:     true,
		PreservedGlobals: map[string]string{
			"inputSystemVersion": "globalThis.jsGameInstance.inputSystemVersion",
			"shouldRender":       "globalThis.shouldRender",
			"gameFrameCount":     "globalThis.jsGameInstance.frameCount",
		},
		Policies: []ReloadPolicy{
			{
				Module:   "JSEngine",
				Redefine: true,
				Migrate:  []Migration{{Holder: "globalThis", Field: "jsEngine", Rebind: true}},
			},
			{
				Module:   "InputSystem",
				Redefine: true,
				Migrate: []Migration{{
					Holder:   "globalThis.jsGameInstance",
					Field:    "inputSystem",
					Preserve: []string{"lastF1State"},
				}},
			},
			{
				Module:   "JSGame",
				Redefine: true,
				Migrate:  []Migration{{Holder: "globalThis", Field: "jsGameInstance", Rebind: true}},
			},
		},
		HistoryPath:    "reload_history.sqlite",
		ConsoleHostKey: "console.pem",
		LogMaxSizeMB:   100,
		LogMaxBackups:  5,
		LogMaxAgeDays:  14,
	}
}

func (c *Config) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalMS) * time.Millisecond
}

func (c *Config) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMS) * time.Millisecond
}

func (c *Config) ScriptTimeout() time.Duration {
	return time.Duration(c.ScriptTimeoutMS) * time.Millisecond
}

// ResolvePath makes p relative to the project root unless it is already absolute.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.ProjectRoot, p)
}

// LoadConfig reads path on top of DefaultConfig. Files ending in .yaml or .yml
// are parsed as YAML, everything else as JSON.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, protogame.WithStack(err)
	}
	result := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, result); err != nil {
			return nil, protogame.WithStack(err)
		}
	default:
		if err := goccy.Unmarshal(b, result); err != nil {
			return nil, protogame.WithStack(err)
		}
	}
	return result, nil
}

// Save writes the config as indented JSON.
func (c *Config) Save(path string) error {
	b, err := goccy.MarshalIndent(c, "", "  ")
	if err != nil {
		return protogame.WithStack(err)
	}
	return protogame.WithStack(os.WriteFile(path, b, 0600))
}

package game

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zond/protogame/structs"
)

const (
	ObjectName = "game"

	attractModeProperty = "attractMode"
	gameStateProperty   = "gameState"
)

type method struct {
	info structs.MethodInfo
	call func(args []structs.Arg) structs.MethodResult
}

var (
	noParams   = structs.Params{}
	vecParams  = structs.Params{structs.KindNumber, structs.KindNumber, structs.KindNumber}
	pathParams = structs.Params{structs.KindString}
)

func (s *ScriptInterface) buildMethods() {
	table := []method{
		{structs.MethodInfo{Name: "createCube", Description: "Create a cube at a position", Params: vecParams, Returns: "string"}, s.createCube},
		{structs.MethodInfo{Name: "moveProp", Description: "Move the prop at an index to a new position", Params: structs.Params{structs.KindNumber, structs.KindNumber, structs.KindNumber, structs.KindNumber}, Returns: "string"}, s.moveProp},
		{structs.MethodInfo{Name: "getPlayerPosition", Description: "Get the player position", Params: noParams, Returns: "object"}, s.getPlayerPosition},
		{structs.MethodInfo{Name: "movePlayerCamera", Description: "Offset the player camera, for shake effects", Params: vecParams, Returns: "string"}, s.movePlayerCamera},
		{structs.MethodInfo{Name: "update", Description: "Advance the game by game and system delta seconds", Params: structs.Params{structs.KindNumber, structs.KindNumber}, Returns: "string"}, s.update},
		{structs.MethodInfo{Name: "render", Description: "Render the game", Params: noParams, Returns: "string"}, s.render},
		{structs.MethodInfo{Name: "executeCommand", Description: "Execute script source", Params: structs.Params{structs.KindString}, Returns: "string"}, s.executeCommand},
		{structs.MethodInfo{Name: "executeFile", Description: "Execute a script file below Run", Params: pathParams, Returns: "string"}, s.executeFile},
		{structs.MethodInfo{Name: "isAttractMode", Description: "Whether the game is in attract mode", Params: noParams, Returns: "bool"}, s.isAttractMode},
		{structs.MethodInfo{Name: "getGameState", Description: "The current game state", Params: noParams, Returns: "string"}, s.getGameState},
		{structs.MethodInfo{Name: "getFileTimestamp", Description: "Modification time of a file below Run in milliseconds since epoch", Params: pathParams, Returns: "number"}, s.getFileTimestamp},
		{structs.MethodInfo{Name: "enableHotReload", Description: "Enable hot reload", Params: noParams, Returns: "bool"}, s.enableHotReload},
		{structs.MethodInfo{Name: "disableHotReload", Description: "Disable hot reload", Params: noParams, Returns: "bool"}, s.disableHotReload},
		{structs.MethodInfo{Name: "isHotReloadEnabled", Description: "Whether hot reload is enabled", Params: noParams, Returns: "bool"}, s.isHotReloadEnabled},
		{structs.MethodInfo{Name: "addWatchedFile", Description: "Watch a file below Run", Params: pathParams, Returns: "bool"}, s.addWatchedFile},
		{structs.MethodInfo{Name: "removeWatchedFile", Description: "Stop watching a file", Params: pathParams, Returns: "bool"}, s.removeWatchedFile},
		{structs.MethodInfo{Name: "getWatchedFiles", Description: "Comma separated list of watched files", Params: noParams, Returns: "string"}, s.getWatchedFiles},
		{structs.MethodInfo{Name: "reloadScript", Description: "Reload a script file now", Params: pathParams, Returns: "bool"}, s.reloadScript},
		{structs.MethodInfo{Name: "getReloadStats", Description: "Reload counters and last error", Params: noParams, Returns: "object"}, s.getReloadStats},
		{structs.MethodInfo{Name: "getReloadHistory", Description: "The most recent reload sessions", Params: structs.Params{structs.KindNumber}, Returns: "object"}, s.getReloadHistory},
	}
	s.methods = map[string]method{}
	s.order = nil
	for _, m := range table {
		s.methods[m.info.Name] = m
		s.order = append(s.order, m.info)
	}
}

func (s *ScriptInterface) Methods() []structs.MethodInfo {
	return append([]structs.MethodInfo(nil), s.order...)
}

// CallMethod validates args against the method's parameters and dispatches.
func (s *ScriptInterface) CallMethod(name string, args []structs.Arg) structs.MethodResult {
	m, found := s.methods[name]
	if !found {
		return structs.Failure("unknown method: %s", name)
	}
	args = m.info.Params.Normalize(args)
	if err := m.info.Params.Validate(name, args); err != nil {
		return structs.Failure("%v", err)
	}
	return m.call(args)
}

func (s *ScriptInterface) Properties() []string {
	return []string{attractModeProperty, gameStateProperty}
}

func (s *ScriptInterface) Property(name string) any {
	switch name {
	case attractModeProperty:
		return s.game.IsAttractMode()
	case gameStateProperty:
		return s.game.State().String()
	}
	return nil
}

func vec(args []structs.Arg, offset int) structs.Vec3 {
	return structs.Vec3{X: args[offset].Number, Y: args[offset+1].Number, Z: args[offset+2].Number}
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func (s *ScriptInterface) createCube(args []structs.Arg) structs.MethodResult {
	position := vec(args, 0)
	index := s.game.CreateCube(position)
	return structs.Success("Cube " + strconv.Itoa(index) + " created at " + position.String())
}

func (s *ScriptInterface) moveProp(args []structs.Arg) structs.MethodResult {
	index, err := args[0].AsInt()
	if err != nil {
		return structs.Failure("moveProp index: %v", err)
	}
	position := vec(args, 1)
	if err := s.game.MoveProp(index, position); err != nil {
		return structs.Failure("moveProp: %v", err)
	}
	return structs.Success("Prop " + strconv.Itoa(index) + " moved to " + position.String())
}

func (s *ScriptInterface) getPlayerPosition([]structs.Arg) structs.MethodResult {
	return structs.Success(s.game.PlayerPosition())
}

func (s *ScriptInterface) movePlayerCamera(args []structs.Arg) structs.MethodResult {
	offset := vec(args, 0)
	s.game.MovePlayerCamera(offset)
	return structs.Success("Camera moved by " + offset.String())
}

func (s *ScriptInterface) update(args []structs.Arg) structs.MethodResult {
	s.game.Update(seconds(args[0].Number), seconds(args[1].Number))
	return structs.Success("Update Success")
}

func (s *ScriptInterface) render([]structs.Arg) structs.MethodResult {
	s.game.Render()
	return structs.Success("Render Success")
}

func (s *ScriptInterface) executeCommand(args []structs.Arg) structs.MethodResult {
	if s.engine == nil || !s.engine.IsInitialized() {
		return structs.Failure("script engine not initialized")
	}
	if err := s.engine.ExecuteScript(args[0].Str); err != nil {
		return structs.Failure("executeCommand: %s", s.engine.LastError())
	}
	return structs.Success(s.engine.LastResult())
}

func (s *ScriptInterface) executeFile(args []structs.Arg) structs.MethodResult {
	if s.engine == nil || !s.engine.IsInitialized() {
		return structs.Failure("script engine not initialized")
	}
	if err := s.engine.ExecuteScriptFile(s.FullPath(args[0].Str)); err != nil {
		return structs.Failure("executeFile %s: %v", args[0].Str, err)
	}
	return structs.Success("File executed: " + args[0].Str)
}

func (s *ScriptInterface) isAttractMode([]structs.Arg) structs.MethodResult {
	return structs.Success(s.game.IsAttractMode())
}

func (s *ScriptInterface) getGameState([]structs.Arg) structs.MethodResult {
	return structs.Success(s.game.State().String())
}

func (s *ScriptInterface) getFileTimestamp(args []structs.Arg) structs.MethodResult {
	info, err := os.Stat(s.FullPath(args[0].Str))
	if err != nil {
		return structs.Failure("File does not exist: %s", args[0].Str)
	}
	return structs.Success(float64(info.ModTime().UnixMilli()))
}

func (s *ScriptInterface) enableHotReload([]structs.Arg) structs.MethodResult {
	if err := s.EnableHotReload(); err != nil {
		return structs.Failure("%v", err)
	}
	return structs.Success(true)
}

func (s *ScriptInterface) disableHotReload([]structs.Arg) structs.MethodResult {
	if err := s.DisableHotReload(); err != nil {
		return structs.Failure("%v", err)
	}
	return structs.Success(true)
}

func (s *ScriptInterface) isHotReloadEnabled([]structs.Arg) structs.MethodResult {
	return structs.Success(s.IsHotReloadEnabled())
}

func (s *ScriptInterface) addWatchedFile(args []structs.Arg) structs.MethodResult {
	if s.watcher == nil {
		return structs.Failure("%v", ErrHotReloadNotInitialized)
	}
	added := s.watcher.AddWatchedFile(args[0].Str)
	if added && s.IsHotReloadEnabled() {
		s.watcher.StartWatching()
	}
	return structs.Success(added)
}

func (s *ScriptInterface) removeWatchedFile(args []structs.Arg) structs.MethodResult {
	if s.watcher == nil {
		return structs.Failure("%v", ErrHotReloadNotInitialized)
	}
	s.watcher.RemoveWatchedFile(args[0].Str)
	return structs.Success(true)
}

func (s *ScriptInterface) getWatchedFiles([]structs.Arg) structs.MethodResult {
	if s.watcher == nil {
		return structs.Success("")
	}
	return structs.Success(strings.Join(s.watcher.WatchedFiles(), ", "))
}

func (s *ScriptInterface) reloadScript(args []structs.Arg) structs.MethodResult {
	if s.reloader == nil {
		return structs.Failure("%v", ErrHotReloadNotInitialized)
	}
	return structs.Success(s.reloader.ReloadScript(s.FullPath(args[0].Str)) == nil)
}

// ReloadStats is what getReloadStats returns to scripts.
type ReloadStats struct {
	Attempts  int    `json:"attempts"`
	Successes int    `json:"successes"`
	Failures  int    `json:"failures"`
	LastError string `json:"lastError"`
	Reloading bool   `json:"reloading"`
	Pending   int    `json:"pending"`
	Enabled   bool   `json:"enabled"`
}

func (s *ScriptInterface) ReloadStats() (ReloadStats, error) {
	if s.reloader == nil {
		return ReloadStats{}, ErrHotReloadNotInitialized
	}
	stats := s.reloader.Stats()
	return ReloadStats{
		Attempts:  stats.Attempts,
		Successes: stats.Successes,
		Failures:  stats.Failures,
		LastError: s.reloader.LastError(),
		Reloading: s.reloader.IsReloading(),
		Pending:   s.PendingCount(),
		Enabled:   s.IsHotReloadEnabled(),
	}, nil
}

func (s *ScriptInterface) getReloadStats([]structs.Arg) structs.MethodResult {
	stats, err := s.ReloadStats()
	if err != nil {
		return structs.Failure("%v", err)
	}
	return structs.Success(stats)
}

func (s *ScriptInterface) getReloadHistory(args []structs.Arg) structs.MethodResult {
	if s.history == nil {
		return structs.Failure("no reload history configured")
	}
	n, err := args[0].AsInt()
	if err != nil || n < 0 {
		return structs.Failure("getReloadHistory needs a non negative integer count")
	}
	records, err := s.history.Recent(n)
	if err != nil {
		return structs.Failure("getReloadHistory: %v", err)
	}
	return structs.Success(records)
}

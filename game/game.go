// Package game holds the game state scripts drive and the bridge that exposes it,
// together with hot reload control, to the script engine.
package game

import (
	"log"
	"time"

	"github.com/pkg/errors"
	"github.com/zond/protogame/structs"
)

type State int

const (
	StateAttract State = iota
	StatePlaying
)

func (s State) String() string {
	if s == StateAttract {
		return "attract"
	}
	return "game"
}

type Prop struct {
	ID       int          `json:"id"`
	Position structs.Vec3 `json:"position"`
	Created  time.Time    `json:"created"`
}

type Player struct {
	Position structs.Vec3 `json:"position"`
	// Camera is an offset from Position, used for shake effects.
	Camera structs.Vec3 `json:"camera"`
}

// Stats is a snapshot of the simulation counters.
type Stats struct {
	Frames      int64         `json:"frames"`
	Renders     int64         `json:"renders"`
	GameTime    time.Duration `json:"gameTime"`
	SystemTime  time.Duration `json:"systemTime"`
	Props       int           `json:"props"`
	State       string        `json:"state"`
	PlayerAt    structs.Vec3  `json:"playerAt"`
	CameraShake structs.Vec3  `json:"cameraShake"`
}

// Game is the minimal world scripts act on. It is owned by the main loop and not
// safe for concurrent use.
type Game struct {
	state    State
	props    []Prop
	player   Player
	frames   int64
	renders  int64
	gameTime time.Duration
	sysTime  time.Duration
	nextID   int
}

func New() *Game {
	return &Game{
		state:  StateAttract,
		player: Player{Position: structs.Vec3{X: -2, Z: 1}},
	}
}

func (g *Game) State() State {
	return g.state
}

func (g *Game) IsAttractMode() bool {
	return g.state == StateAttract
}

func (g *Game) SetAttractMode(attract bool) {
	if attract {
		g.state = StateAttract
	} else {
		g.state = StatePlaying
	}
	log.Printf("Game: State changed to %v", g.state)
}

// CreateCube adds a prop and returns its index.
func (g *Game) CreateCube(position structs.Vec3) int {
	g.props = append(g.props, Prop{ID: g.nextID, Position: position, Created: time.Now()})
	g.nextID++
	return len(g.props) - 1
}

func (g *Game) MoveProp(index int, position structs.Vec3) error {
	if index < 0 || index >= len(g.props) {
		return errors.Errorf("prop index %d out of range [0, %d)", index, len(g.props))
	}
	g.props[index].Position = position
	return nil
}

func (g *Game) Props() []Prop {
	return append([]Prop(nil), g.props...)
}

func (g *Game) PlayerPosition() structs.Vec3 {
	return g.player.Position
}

// MovePlayerCamera nudges the camera by offset. The offset decays in Update.
func (g *Game) MovePlayerCamera(offset structs.Vec3) {
	g.player.Camera = g.player.Camera.Add(offset)
}

func (g *Game) Camera() structs.Vec3 {
	return g.player.Position.Add(g.player.Camera)
}

// Update advances the simulation. Game time only passes outside attract mode.
func (g *Game) Update(gameDelta, systemDelta time.Duration) {
	g.frames++
	g.sysTime += systemDelta
	if g.state == StatePlaying {
		g.gameTime += gameDelta
	}
	g.player.Camera = structs.Vec3{
		X: g.player.Camera.X * 0.9,
		Y: g.player.Camera.Y * 0.9,
		Z: g.player.Camera.Z * 0.9,
	}
}

func (g *Game) Render() {
	g.renders++
}

func (g *Game) Stats() Stats {
	return Stats{
		Frames:      g.frames,
		Renders:     g.renders,
		GameTime:    g.gameTime,
		SystemTime:  g.sysTime,
		Props:       len(g.props),
		State:       g.state.String(),
		PlayerAt:    g.player.Position,
		CameraShake: g.player.Camera,
	}
}

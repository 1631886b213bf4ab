package domain

import (
	"strings"
	"time"
)

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// EngineID is recorded as MoveRecord.By for moves produced by the search engine.
const EngineID = "engine"

// Color identifies chess side.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

func (c Color) Opposite() Color {
	switch c {
	case White:
		return Black
	case Black:
		return White
	default:
		return ""
	}
}

func (c Color) Valid() bool { return c == White || c == Black }

// ParseColor accepts white/black and the w/b shorthands.
func ParseColor(s string) (Color, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "white", "w":
		return White, true
	case "black", "b":
		return Black, true
	default:
		return "", false
	}
}

type Mode string

const (
	ModeHumanVsHuman  Mode = "human_vs_human"
	ModeHumanVsEngine Mode = "human_vs_engine"
)

// Phase is the lifecycle state of a game: fresh -> active -> ended, ended -> fresh via reset.
type Phase string

const (
	PhaseFresh  Phase = "fresh"
	PhaseActive Phase = "active"
	PhaseEnded  Phase = "ended"
)

const (
	defaultEngineSkill    = 10
	defaultMoveTimeMillis = 1000
	maxEngineSkill        = 20
)

// Configuration is fixed at reset and immutable until the next reset.
type Configuration struct {
	Mode           Mode   `json:"mode"`
	HumanColor     Color  `json:"humanColor,omitempty"`
	EngineSkill    int    `json:"engineSkill,omitempty"`
	EngineDepth    int    `json:"engineDepth,omitempty"`
	MoveTimeMillis int    `json:"moveTimeMillis,omitempty"`
	StartPosition  string `json:"startPosition,omitempty"`
}

// Normalize fills defaults and clamps engine parameters.
func (c Configuration) Normalize() Configuration {
	out := c
	out.StartPosition = strings.TrimSpace(out.StartPosition)
	if out.Mode != ModeHumanVsEngine {
		out.Mode = ModeHumanVsHuman
		out.HumanColor = ""
		out.EngineSkill = 0
		out.EngineDepth = 0
		out.MoveTimeMillis = 0
		return out
	}
	if !out.HumanColor.Valid() {
		out.HumanColor = White
	}
	if out.EngineSkill <= 0 {
		out.EngineSkill = defaultEngineSkill
	}
	if out.EngineSkill > maxEngineSkill {
		out.EngineSkill = maxEngineSkill
	}
	if out.EngineDepth < 0 {
		out.EngineDepth = 0
	}
	if out.MoveTimeMillis < 0 {
		out.MoveTimeMillis = 0
	}
	if out.EngineDepth == 0 && out.MoveTimeMillis == 0 {
		out.MoveTimeMillis = defaultMoveTimeMillis
	}
	return out
}

// EngineColor returns the side played by the engine, or "" for human_vs_human.
func (c Configuration) EngineColor() Color {
	if c.Mode != ModeHumanVsEngine {
		return ""
	}
	return c.HumanColor.Opposite()
}

// Evaluation is optional engine metadata attached to an engine move.
type Evaluation struct {
	ScoreCP int      `json:"scoreCp"`
	Mate    int      `json:"mate,omitempty"`
	Depth   int      `json:"depth,omitempty"`
	PV      []string `json:"pv,omitempty"`
}

// MoveRecord is one applied move. Ply is 1-based and strictly increasing.
type MoveRecord struct {
	Ply      int         `json:"ply"`
	UCI      string      `json:"uci"`
	SAN      string      `json:"san"`
	Position string      `json:"position"`
	PlayedAt time.Time   `json:"playedAt"`
	By       string      `json:"by,omitempty"`
	Eval     *Evaluation `json:"eval,omitempty"`
}

const (
	ReasonCheckmate            = "checkmate"
	ReasonStalemate            = "stalemate"
	ReasonInsufficientMaterial = "insufficient_material"
	ReasonFivefoldRepetition   = "fivefold_repetition"
	ReasonSeventyFiveMoveRule  = "seventy_five_move_rule"
	ReasonThreefoldRepetition  = "threefold_repetition"
	ReasonFiftyMoveRule        = "fifty_move_rule"
	ReasonResignation          = "resignation"
	ReasonAgreement            = "agreement"
	ReasonInactivity           = "inactivity"
	ReasonAborted              = "aborted"
)

// Outcome is nil while a game is active. Winner is empty for a draw.
type Outcome struct {
	Winner Color  `json:"winner,omitempty"`
	Reason string `json:"reason"`
}

func (o *Outcome) Draw() bool { return o != nil && o.Winner == "" }

// GameState is the authoritative state of one game, owned by its pipeline.
type GameState struct {
	GameID          string        `json:"gameId"`
	InitialPosition string        `json:"initialPosition"`
	Position        string        `json:"position"`
	MoveLog         []MoveRecord  `json:"moveLog"`
	Config          Configuration `json:"configuration"`
	Phase           Phase         `json:"phase"`
	Active          bool          `json:"active"`
	Outcome         *Outcome      `json:"outcome,omitempty"`
	StartedAt       time.Time     `json:"startedAt"`
	LastActivityAt  time.Time     `json:"lastActivityAt"`
}

// NewGameState returns a fresh game at the given position.
func NewGameState(gameID, position string, cfg Configuration, now time.Time) *GameState {
	return &GameState{
		GameID:          gameID,
		InitialPosition: position,
		Position:        position,
		MoveLog:         []MoveRecord{},
		Config:          cfg,
		Phase:           PhaseFresh,
		Active:          true,
		StartedAt:       now,
		LastActivityAt:  now,
	}
}

// Turn is derived from the side-to-move field of Position.
func (s *GameState) Turn() Color { return TurnOf(s.Position) }

func (s *GameState) Ply() int { return len(s.MoveLog) }

func (s *GameState) Ended() bool { return s.Phase == PhaseEnded || s.Outcome != nil }

func (s *GameState) LastMove() *MoveRecord {
	if len(s.MoveLog) == 0 {
		return nil
	}
	mv := s.MoveLog[len(s.MoveLog)-1]
	return &mv
}

// UCIHistory returns the applied moves in UCI notation, oldest first.
func (s *GameState) UCIHistory() []string {
	out := make([]string, 0, len(s.MoveLog))
	for _, mv := range s.MoveLog {
		out = append(out, mv.UCI)
	}
	return out
}

// SANHistory returns the applied moves in SAN, oldest first.
func (s *GameState) SANHistory() []string {
	out := make([]string, 0, len(s.MoveLog))
	for _, mv := range s.MoveLog {
		out = append(out, mv.SAN)
	}
	return out
}

// Clone returns a deep copy safe to hand outside the pipeline lock.
func (s *GameState) Clone() *GameState {
	if s == nil {
		return nil
	}
	out := *s
	out.MoveLog = make([]MoveRecord, len(s.MoveLog))
	for i, mv := range s.MoveLog {
		out.MoveLog[i] = mv.clone()
	}
	if s.Outcome != nil {
		o := *s.Outcome
		out.Outcome = &o
	}
	return &out
}

func (m MoveRecord) clone() MoveRecord {
	if m.Eval != nil {
		ev := *m.Eval
		ev.PV = append([]string(nil), m.Eval.PV...)
		m.Eval = &ev
	}
	return m
}

// TurnOf reads the side to move from a FEN string. Malformed input reports white.
func TurnOf(fen string) Color {
	fields := strings.Fields(fen)
	if len(fields) >= 2 && fields[1] == "b" {
		return Black
	}
	return White
}

// ConnectionRecord describes one live connection. It is never persisted.
type ConnectionRecord struct {
	ConnectionID string    `json:"connectionId"`
	DisplayLabel string    `json:"displayLabel"`
	JoinedAt     time.Time `json:"joinedAt"`
}

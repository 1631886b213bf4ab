// Package protocol defines the JSON messages exchanged with connected clients.
// Every message is an object tagged by its "type" field. The inbound and
// outbound sets are closed: unknown tags are rejected, never ignored.
package protocol

import (
	"github.com/park285/cheese-sync/internal/domain"
)

type Kind string

// inbound
const (
	KindJoin       Kind = "join"
	KindSubmitMove Kind = "submit_move"
	KindReset      Kind = "reset"
	KindEndGame    Kind = "end_game"
	KindPing       Kind = "ping"
)

// outbound
const (
	KindStateSnapshot     Kind = "state_snapshot"
	KindRoster            Kind = "roster"
	KindMoveApplied       Kind = "move_applied"
	KindRejected          Kind = "rejected"
	KindGameReset         Kind = "game_reset"
	KindGameEnded         Kind = "game_ended"
	KindParticipantJoined Kind = "participant_joined"
	KindParticipantLeft   Kind = "participant_left"
	KindPong              Kind = "pong"
)

// Inbound is a message sent by a client.
type Inbound interface {
	Kind() Kind
	inbound()
}

type Join struct {
	ConnectionID string `json:"connectionId,omitempty"`
	DisplayLabel string `json:"displayLabel,omitempty"`
}

type SubmitMove struct {
	Move                  string `json:"move"`
	ResultingPositionHint string `json:"resultingPositionHint,omitempty"`
	RequestID             string `json:"requestId,omitempty"`
}

type Reset struct {
	Configuration *domain.Configuration `json:"configuration,omitempty"`
	RequestID     string                `json:"requestId,omitempty"`
}

type EndGame struct {
	Reason    string `json:"reason"`
	Winner    string `json:"winner,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

type Ping struct{}

func (Join) Kind() Kind       { return KindJoin }
func (SubmitMove) Kind() Kind { return KindSubmitMove }
func (Reset) Kind() Kind      { return KindReset }
func (EndGame) Kind() Kind    { return KindEndGame }
func (Ping) Kind() Kind       { return KindPing }

func (Join) inbound()       {}
func (SubmitMove) inbound() {}
func (Reset) inbound()      {}
func (EndGame) inbound()    {}
func (Ping) inbound()       {}

// Outbound is a message sent by the server. Type carries the tag on the wire.
type Outbound interface {
	Kind() Kind
	outbound()
}

// GameView is the wire form of a GameState with derived fields filled in.
type GameView struct {
	*domain.GameState
	Turn domain.Color `json:"turn"`
	Ply  int          `json:"ply"`
}

func NewGameView(s *domain.GameState) GameView {
	return GameView{GameState: s, Turn: s.Turn(), Ply: s.Ply()}
}

type StateSnapshot struct {
	Type   Kind                      `json:"type"`
	Game   GameView                  `json:"game"`
	Roster []domain.ConnectionRecord `json:"roster"`
}

type Roster struct {
	Type         Kind                      `json:"type"`
	Participants []domain.ConnectionRecord `json:"participants"`
}

type MoveApplied struct {
	Type     Kind              `json:"type"`
	Move     domain.MoveRecord `json:"move"`
	Position string            `json:"position"`
	Turn     domain.Color      `json:"turn"`
	Ply      int               `json:"ply"`
}

type Rejected struct {
	Type      Kind   `json:"type"`
	Reason    string `json:"reason"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

type GameReset struct {
	Type          Kind                 `json:"type"`
	Position      string               `json:"position"`
	Turn          domain.Color         `json:"turn"`
	Configuration domain.Configuration `json:"configuration"`
}

type GameEnded struct {
	Type   Kind         `json:"type"`
	Winner domain.Color `json:"winner"`
	Reason string       `json:"reason"`
}

type Participant struct {
	Type         Kind   `json:"type"`
	ConnectionID string `json:"connectionId"`
	DisplayLabel string `json:"displayLabel"`
}

type Pong struct {
	Type Kind `json:"type"`
}

func (m StateSnapshot) Kind() Kind { return KindStateSnapshot }
func (m Roster) Kind() Kind        { return KindRoster }
func (m MoveApplied) Kind() Kind   { return KindMoveApplied }
func (m Rejected) Kind() Kind      { return KindRejected }
func (m GameReset) Kind() Kind     { return KindGameReset }
func (m GameEnded) Kind() Kind     { return KindGameEnded }
func (m Participant) Kind() Kind   { return m.Type }
func (m Pong) Kind() Kind          { return KindPong }

func (StateSnapshot) outbound() {}
func (Roster) outbound()        {}
func (MoveApplied) outbound()   {}
func (Rejected) outbound()      {}
func (GameReset) outbound()     {}
func (GameEnded) outbound()     {}
func (Participant) outbound()   {}
func (Pong) outbound()          {}

func NewStateSnapshot(s *domain.GameState, roster []domain.ConnectionRecord) StateSnapshot {
	return StateSnapshot{Type: KindStateSnapshot, Game: NewGameView(s), Roster: nonNil(roster)}
}

func NewRoster(roster []domain.ConnectionRecord) Roster {
	return Roster{Type: KindRoster, Participants: nonNil(roster)}
}

func NewMoveApplied(mv domain.MoveRecord) MoveApplied {
	return MoveApplied{Type: KindMoveApplied, Move: mv, Position: mv.Position, Turn: domain.TurnOf(mv.Position), Ply: mv.Ply}
}

// NewRejected builds a rejection from err. Non-domain errors report rejected.
func NewRejected(err error, requestID string) Rejected {
	code := domain.CodeOf(err)
	if code == "" {
		code = "rejected"
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Rejected{Type: KindRejected, Reason: code, Message: msg, RequestID: requestID}
}

func NewGameReset(s *domain.GameState) GameReset {
	return GameReset{Type: KindGameReset, Position: s.Position, Turn: s.Turn(), Configuration: s.Config}
}

func NewGameEnded(o domain.Outcome) GameEnded {
	return GameEnded{Type: KindGameEnded, Winner: o.Winner, Reason: o.Reason}
}

func NewParticipantJoined(rec domain.ConnectionRecord) Participant {
	return Participant{Type: KindParticipantJoined, ConnectionID: rec.ConnectionID, DisplayLabel: rec.DisplayLabel}
}

func NewParticipantLeft(rec domain.ConnectionRecord) Participant {
	return Participant{Type: KindParticipantLeft, ConnectionID: rec.ConnectionID, DisplayLabel: rec.DisplayLabel}
}

func NewPong() Pong { return Pong{Type: KindPong} }

func nonNil(r []domain.ConnectionRecord) []domain.ConnectionRecord {
	if r == nil {
		return []domain.ConnectionRecord{}
	}
	return r
}

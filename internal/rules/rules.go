// Package rules adapts the corentings/chess rules engine to the game pipeline.
//
// The adapter never keeps chess state between calls. Each Play rebuilds the
// game from its initial position and UCI history so that repetition and
// move-count rules observe the full history.
package rules

import (
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/park285/cheese-sync/internal/domain"
)

// Ply is the result of applying one move.
type Ply struct {
	UCI      string
	SAN      string
	Position string
	Turn     domain.Color
	Outcome  *domain.Outcome
}

// Engine is the rules boundary used by the pipeline.
type Engine interface {
	Validate(fen string) (string, error)
	Play(initial string, history []string, raw string) (Ply, error)
}

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

// Standard returns the standard starting position.
func Standard() string { return domain.StartFEN }

// Validate parses a FEN and returns its canonical form. Empty input and
// "startpos" select the standard position.
func (a *Adapter) Validate(fen string) (canonical string, err error) {
	defer func() {
		if r := recover(); r != nil {
			canonical = ""
			err = domain.Validation(domain.CodeBadConfiguration, fmt.Sprintf("invalid position: %v", r))
		}
	}()
	fen = strings.TrimSpace(fen)
	if fen == "" || fen == "startpos" {
		return domain.StartFEN, nil
	}
	opt, ferr := nchess.FEN(fen)
	if ferr != nil {
		return "", &domain.Error{Kind: domain.KindValidation, Code: domain.CodeBadConfiguration, Message: "invalid position", Err: ferr}
	}
	return nchess.NewGame(opt).FEN(), nil
}

// Play applies raw (UCI preferred, SAN fallback) on top of initial+history.
// Every failure is a validation error; a panic inside the rules library is
// reported as rules_engine_fault.
func (a *Adapter) Play(initial string, history []string, raw string) (ply Ply, err error) {
	defer func() {
		if r := recover(); r != nil {
			ply = Ply{}
			err = domain.Validation(domain.CodeRulesEngineFault, fmt.Sprintf("rules engine fault: %v", r))
		}
	}()

	rawMove := strings.TrimSpace(raw)
	if rawMove == "" {
		return Ply{}, domain.Validation(domain.CodeEmptyMove, "empty move")
	}

	game, rerr := replay(initial, history)
	if rerr != nil {
		return Ply{}, &domain.Error{Kind: domain.KindValidation, Code: domain.CodeRulesEngineFault, Message: "history replay failed", Err: rerr}
	}
	if game.Outcome() != nchess.NoOutcome {
		return Ply{}, domain.Validation(domain.CodeGameOver, "game is over")
	}

	notationUCI := nchess.UCINotation{}
	notationSAN := nchess.AlgebraicNotation{}
	pos := game.Position()
	move, derr := notationUCI.Decode(pos, strings.ToLower(rawMove))
	if derr != nil {
		move, derr = notationSAN.Decode(pos, rawMove)
		if derr != nil {
			return Ply{}, domain.Validation(domain.CodeIllegalMove, fmt.Sprintf("illegal move %q", rawMove))
		}
	}
	if merr := game.Move(move, nil); merr != nil {
		return Ply{}, domain.Validation(domain.CodeIllegalMove, fmt.Sprintf("illegal move %q", rawMove))
	}

	fen := game.FEN()
	return Ply{
		UCI:      strings.ToLower(notationUCI.Encode(pos, move)),
		SAN:      notationSAN.Encode(pos, move),
		Position: fen,
		Turn:     domain.TurnOf(fen),
		Outcome:  outcomeOf(game),
	}, nil
}

func replay(initial string, history []string) (*nchess.Game, error) {
	game, err := newGame(initial)
	if err != nil {
		return nil, err
	}
	notation := nchess.UCINotation{}
	for _, mv := range history {
		move, err := notation.Decode(game.Position(), strings.ToLower(strings.TrimSpace(mv)))
		if err != nil {
			return nil, fmt.Errorf("decode move %s: %w", mv, err)
		}
		if err := game.Move(move, nil); err != nil {
			return nil, fmt.Errorf("apply move %s: %w", mv, err)
		}
	}
	return game, nil
}

func newGame(initial string) (*nchess.Game, error) {
	initial = strings.TrimSpace(initial)
	if initial == "" || initial == "startpos" || initial == domain.StartFEN {
		return nchess.NewGame(), nil
	}
	opt, err := nchess.FEN(initial)
	if err != nil {
		return nil, fmt.Errorf("parse fen: %w", err)
	}
	return nchess.NewGame(opt), nil
}

func outcomeOf(game *nchess.Game) *domain.Outcome {
	var winner domain.Color
	switch game.Outcome() {
	case nchess.WhiteWon:
		winner = domain.White
	case nchess.BlackWon:
		winner = domain.Black
	case nchess.Draw:
		winner = ""
	default:
		return nil
	}
	return &domain.Outcome{Winner: winner, Reason: reasonOf(game.Method())}
}

func reasonOf(method nchess.Method) string {
	switch method {
	case nchess.Checkmate:
		return domain.ReasonCheckmate
	case nchess.Stalemate:
		return domain.ReasonStalemate
	case nchess.InsufficientMaterial:
		return domain.ReasonInsufficientMaterial
	case nchess.FivefoldRepetition:
		return domain.ReasonFivefoldRepetition
	case nchess.SeventyFiveMoveRule:
		return domain.ReasonSeventyFiveMoveRule
	case nchess.ThreefoldRepetition:
		return domain.ReasonThreefoldRepetition
	case nchess.FiftyMoveRule:
		return domain.ReasonFiftyMoveRule
	default:
		return strings.ToLower(method.String())
	}
}

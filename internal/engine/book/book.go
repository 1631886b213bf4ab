// Package book answers early engine moves from a polyglot opening book and
// names openings by ECO code.
package book

import (
	"fmt"
	"os"
	"strings"
	"sync"

	chesslib "github.com/corentings/chess/v2"
	"github.com/corentings/chess/v2/opening"

	"github.com/park285/cheese-sync/internal/domain"
)

// Book wraps a loaded polyglot book. A nil *Book never has a move.
type Book struct {
	poly *chesslib.PolyglotBook
}

// Open loads a polyglot .bin file.
func Open(path string) (*Book, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("polyglot book path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open polyglot book %q: %w", path, err)
	}
	defer file.Close()

	poly, err := chesslib.LoadFromReader(file)
	if err != nil {
		return nil, fmt.Errorf("load polyglot book %q: %w", path, err)
	}
	return &Book{poly: poly}, nil
}

// Move returns the heaviest book move for the position reached by playing
// moves from initial. ok is false when the position is not in the book.
func (b *Book) Move(initial string, moves []string) (move string, ok bool, err error) {
	if b == nil || b.poly == nil {
		return "", false, nil
	}
	game, err := replay(initial, moves)
	if err != nil {
		return "", false, err
	}

	hashStr, err := chesslib.NewZobristHasher().HashPosition(game.FEN())
	if err != nil {
		return "", false, fmt.Errorf("compute polyglot hash: %w", err)
	}
	entries := b.poly.FindMoves(chesslib.ZobristHashToUint64(hashStr))
	if len(entries) == 0 {
		return "", false, nil
	}

	best := entries[0]
	for _, e := range entries[1:] {
		if e.Weight > best.Weight {
			best = e
		}
	}
	mv := chesslib.DecodeMove(best.Move).ToMove()
	uci := strings.ToLower(mv.String())
	if err := game.PushNotationMove(uci, chesslib.UCINotation{}, nil); err != nil {
		return "", false, fmt.Errorf("book move %q invalid for position: %w", uci, err)
	}
	return uci, true, nil
}

var (
	ecoOnce sync.Once
	ecoBook *opening.BookECO
)

// Classify names the opening of a game played from the standard start.
// Custom starts and unknown lines return empty strings.
func Classify(initial string, moves []string) (code, title string) {
	if len(moves) == 0 {
		return "", ""
	}
	if initial != "" && initial != domain.StartFEN {
		return "", ""
	}
	game, err := replay("", moves)
	if err != nil {
		return "", ""
	}
	ecoOnce.Do(func() { ecoBook = opening.NewBookECO() })
	if eco := ecoBook.Find(game.Moves()); eco != nil {
		return eco.Code(), eco.Title()
	}
	return "", ""
}

func replay(initial string, moves []string) (*chesslib.Game, error) {
	game := chesslib.NewGame()
	if fen := strings.TrimSpace(initial); fen != "" && fen != domain.StartFEN {
		option, err := chesslib.FEN(fen)
		if err != nil {
			return nil, fmt.Errorf("parse fen %q: %w", fen, err)
		}
		game = chesslib.NewGame(option)
	}
	for _, mv := range moves {
		if err := game.PushNotationMove(mv, chesslib.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("apply move %q: %w", mv, err)
		}
	}
	return game, nil
}

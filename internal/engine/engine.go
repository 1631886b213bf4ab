// Package engine picks opponent moves through a pool of UCI engine processes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-sync/internal/domain"
	"github.com/park285/cheese-sync/internal/engine/book"
	"github.com/park285/cheese-sync/internal/engine/uci"
	"github.com/park285/cheese-sync/internal/obslog"
)

const (
	defaultHashMB     = 16
	defaultBookMaxPly = 12
)

var ErrNoMove = errors.New("engine returned no move")

// Request describes the position to search: the initial FEN plus the UCI
// moves played since.
type Request struct {
	Initial        string
	Moves          []string
	SkillLevel     int
	Depth          int
	MoveTimeMillis int
}

type Result struct {
	Move string
	Eval *domain.Evaluation
}

// RequestFor builds a search request for the current state of s.
func RequestFor(s *domain.GameState) Request {
	return Request{
		Initial:        s.InitialPosition,
		Moves:          s.UCIHistory(),
		SkillLevel:     s.Config.EngineSkill,
		Depth:          s.Config.EngineDepth,
		MoveTimeMillis: s.Config.MoveTimeMillis,
	}
}

// Budget is the wall-clock bound a caller should allow for one BestMove.
func Budget(req Request) time.Duration {
	return uci.SearchTimeout(uci.Limits{Depth: req.Depth, MoveTimeMillis: req.MoveTimeMillis}) + time.Second
}

type Engine struct {
	pool    *uci.Pool
	threads int

	book       *book.Book
	bookMaxPly int
}

func New(binaryPath string, capacity int) (*Engine, error) {
	pool, err := uci.NewPool(uci.PoolConfig{BinaryPath: strings.TrimSpace(binaryPath), Capacity: capacity})
	if err != nil {
		return nil, err
	}
	return &Engine{pool: pool, threads: 1}, nil
}

// UseBook answers positions before maxPly from b without searching.
func (e *Engine) UseBook(b *book.Book, maxPly int) {
	if maxPly <= 0 {
		maxPly = defaultBookMaxPly
	}
	e.book = b
	e.bookMaxPly = maxPly
}

func (e *Engine) BestMove(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	if e.book != nil && len(req.Moves) < e.bookMaxPly {
		mv, ok, err := e.book.Move(req.Initial, req.Moves)
		switch {
		case err != nil:
			obslog.L().Warn("engine_book_error", zap.Int("ply", len(req.Moves)), zap.Error(err))
		case ok:
			obslog.L().Debug("engine_book_move", zap.String("move", mv), zap.Int("ply", len(req.Moves)))
			return Result{Move: mv}, nil
		}
	}
	limits := uci.Limits{Depth: req.Depth, MoveTimeMillis: req.MoveTimeMillis}
	if limits.Depth <= 0 && limits.MoveTimeMillis <= 0 {
		limits.MoveTimeMillis = 1000
	}

	opt := uci.Options{Threads: e.threads, SkillLevel: clampSkill(req.SkillLevel), HashMB: defaultHashMB}
	session, err := e.pool.Acquire(ctx, opt)
	if err != nil {
		return Result{}, fmt.Errorf("acquire engine: %w", err)
	}
	var releaseErr error
	defer func() { e.pool.Release(session, releaseErr) }()

	if err := session.NewGame(ctx); err != nil {
		releaseErr = err
		return Result{}, err
	}
	fen := req.Initial
	if fen == domain.StartFEN {
		fen = ""
	}
	resp, err := session.Search(ctx, uci.SearchRequest{FEN: fen, Moves: req.Moves, Limits: limits})
	if err != nil {
		releaseErr = err
		return Result{}, err
	}
	if resp.BestMove == "" {
		return Result{}, ErrNoMove
	}

	obslog.L().Debug("engine_best_move",
		zap.String("move", resp.BestMove),
		zap.Int("ply", len(req.Moves)),
		zap.Int("depth", resp.Info.Depth),
		zap.Int("score_cp", resp.Info.ScoreCP),
		zap.Duration("took", time.Since(start)),
	)
	return Result{
		Move: strings.ToLower(resp.BestMove),
		Eval: &domain.Evaluation{
			ScoreCP: resp.Info.ScoreCP,
			Mate:    resp.Info.Mate,
			Depth:   resp.Info.Depth,
			PV:      resp.Info.Principal,
		},
	}, nil
}

func (e *Engine) Close() error {
	if e == nil || e.pool == nil {
		return nil
	}
	return e.pool.Close()
}

func clampSkill(v int) int {
	if v < 0 {
		return 0
	}
	if v > 20 {
		return 20
	}
	return v
}

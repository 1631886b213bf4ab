// Package pipeline owns the authoritative state of one game.
//
// Every mutation runs under a single mutex: validate through the rules
// engine, apply, then queue the resulting events on the hub before the lock
// is released. Lock order is therefore broadcast order. Clients never apply
// moves locally; every connection, the originator included, converges from
// the move_applied echo.
package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/cheese-sync/internal/domain"
	"github.com/park285/cheese-sync/internal/engine"
	"github.com/park285/cheese-sync/internal/obslog"
	"github.com/park285/cheese-sync/internal/protocol"
	"github.com/park285/cheese-sync/internal/rules"
	"github.com/park285/cheese-sync/internal/session"
)

const (
	defaultArchiveTimeout = 5 * time.Second
	engineRetryAttempts   = 2
	engineRetryDelay      = 250 * time.Millisecond
)

// ErrClosed is returned by mutations on a pipeline after Close.
var ErrClosed = domain.NotFound(domain.CodeGameClosed, "game is closed")

// Searcher produces opponent moves in human_vs_engine games.
type Searcher interface {
	BestMove(ctx context.Context, req engine.Request) (engine.Result, error)
}

// Archiver receives every game that reaches an outcome.
type Archiver interface {
	Archive(ctx context.Context, s *domain.GameState) error
}

type Options struct {
	GameID   string
	Rules    rules.Engine
	Hub      session.Options
	Searcher Searcher
	Archiver Archiver
	Logger   *zap.Logger
	Now      func() time.Time
}

type Pipeline struct {
	id       string
	rules    rules.Engine
	hub      *session.Hub
	searcher Searcher
	archiver Archiver
	log      *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	state     *domain.GameState
	version   uint64
	persisted uint64
	epoch     uint64
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts a fresh game in the default configuration.
func New(opt Options) *Pipeline {
	p := build(opt)
	start, err := p.rules.Validate("")
	if err != nil {
		start = domain.StartFEN
	}
	p.state = domain.NewGameState(p.id, start, domain.Configuration{}.Normalize(), p.now())
	// a fresh game has nothing worth persisting until it changes
	p.version, p.persisted = 1, 1
	return p
}

// Restore resumes a recovered game. The state is taken as-is, without move
// replay, and is considered persisted.
func Restore(opt Options, s *domain.GameState) *Pipeline {
	p := build(opt)
	st := s.Clone()
	st.GameID = p.id
	if st.MoveLog == nil {
		st.MoveLog = []domain.MoveRecord{}
	}
	p.state = st
	p.version, p.persisted = 1, 1
	p.mu.Lock()
	p.scheduleEngineLocked()
	p.mu.Unlock()
	return p
}

func build(opt Options) *Pipeline {
	log := opt.Logger
	if log == nil {
		log = obslog.L()
	}
	now := opt.Now
	if now == nil {
		now = time.Now
	}
	r := opt.Rules
	if r == nil {
		r = rules.New()
	}
	id := strings.TrimSpace(opt.GameID)
	hubOpt := opt.Hub
	hubOpt.GameID = id
	if hubOpt.Logger == nil {
		hubOpt.Logger = log
	}
	if hubOpt.Now == nil {
		hubOpt.Now = now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		id:       id,
		rules:    r,
		hub:      session.NewHub(hubOpt),
		searcher: opt.Searcher,
		archiver: opt.Archiver,
		log:      log.With(zap.String("game_id", id)),
		now:      now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (p *Pipeline) ID() string { return p.id }

func (p *Pipeline) Hub() *session.Hub { return p.hub }

// SubmitMove validates raw against the current position and applies it.
// A rejected move changes nothing and is reported only to the caller.
// hint, the position the client expects, is logged on mismatch and never used.
func (p *Pipeline) SubmitMove(ctx context.Context, by, raw, hint string) (domain.MoveRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.MoveRecord{}, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return domain.MoveRecord{}, ErrClosed
	}
	st := p.state
	if st.Ended() {
		p.mu.Unlock()
		return domain.MoveRecord{}, domain.Validation(domain.CodeGameOver, "game is over")
	}
	if ec := st.Config.EngineColor(); ec != "" && st.Turn() == ec && by != domain.EngineID {
		p.mu.Unlock()
		return domain.MoveRecord{}, domain.Validation(domain.CodeEngineTurn, "engine to move")
	}
	ply, err := p.rules.Play(st.InitialPosition, st.UCIHistory(), raw)
	if err != nil {
		p.mu.Unlock()
		p.log.Debug("move_rejected", zap.String("by", by), zap.String("move", raw), zap.String("reason", domain.CodeOf(err)))
		return domain.MoveRecord{}, err
	}
	mv := p.applyLocked(ply, by, nil)
	if h := strings.TrimSpace(hint); h != "" && h != ply.Position {
		p.log.Info("position_hint_mismatch", zap.Int("ply", mv.Ply), zap.String("hint", h), zap.String("position", ply.Position))
	}
	finished := p.finishedLocked()
	p.scheduleEngineLocked()
	p.mu.Unlock()

	p.log.Info("move_applied",
		zap.String("by", by),
		zap.Int("ply", mv.Ply),
		zap.String("uci", mv.UCI),
		zap.String("san", mv.SAN),
	)
	p.archive(finished)
	return mv, nil
}

// Reset replaces the game wholesale. It succeeds on any open pipeline: an
// invalid start position falls back to the standard one.
func (p *Pipeline) Reset(ctx context.Context, cfg domain.Configuration) (*domain.GameState, error) {
	cfg = cfg.Normalize()
	start, err := p.rules.Validate(cfg.StartPosition)
	if err != nil {
		p.log.Warn("reset_invalid_start", zap.String("start_position", cfg.StartPosition), zap.Error(err))
		start = domain.StartFEN
		cfg.StartPosition = ""
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.epoch++
	p.state = domain.NewGameState(p.id, start, cfg, p.now())
	p.version++
	p.hub.Publish(protocol.NewGameReset(p.state), nil)
	snap := p.state.Clone()
	p.scheduleEngineLocked()
	p.mu.Unlock()

	p.log.Info("game_reset", zap.String("mode", string(cfg.Mode)), zap.String("position", start))
	return snap, nil
}

// EndGame records an outcome. winner is white, black or empty for a draw.
func (p *Pipeline) EndGame(ctx context.Context, reason, winner string) (domain.Outcome, error) {
	var w domain.Color
	if strings.TrimSpace(winner) != "" {
		c, ok := domain.ParseColor(winner)
		if !ok {
			return domain.Outcome{}, domain.Validation(domain.CodeInvalidWinner, "winner must be white, black or empty")
		}
		w = c
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = domain.ReasonAgreement
		if w != "" {
			reason = domain.ReasonResignation
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return domain.Outcome{}, ErrClosed
	}
	if p.state.Ended() {
		p.mu.Unlock()
		return domain.Outcome{}, domain.Validation(domain.CodeGameOver, "game is over")
	}
	out := domain.Outcome{Winner: w, Reason: reason}
	p.endLocked(out)
	finished := p.finishedLocked()
	p.mu.Unlock()

	p.log.Info("game_ended", zap.String("winner", string(w)), zap.String("reason", reason))
	p.archive(finished)
	return out, nil
}

// Snapshot returns a copy of the current state. Clients call it (through
// state_snapshot) to reconcile after a gap.
func (p *Pipeline) Snapshot() *domain.GameState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Clone()
}

func (p *Pipeline) Roster() []domain.ConnectionRecord {
	return p.hub.Registry().ListActive()
}

// Join registers a connection. The returned snapshot is the same one the
// connection receives as its first message. An empty connection id is
// replaced by a generated one.
func (p *Pipeline) Join(ctx context.Context, rec domain.ConnectionRecord, h session.Handle) (*domain.GameState, session.JoinResult, error) {
	rec.ConnectionID = strings.TrimSpace(rec.ConnectionID)
	if rec.ConnectionID == "" {
		rec.ConnectionID = uuid.NewString()
	}
	rec.DisplayLabel = strings.TrimSpace(rec.DisplayLabel)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, session.JoinResult{}, ErrClosed
	}
	snap := p.state.Clone()
	reply := p.hub.Join(rec, h, snap)
	p.mu.Unlock()

	select {
	case res := <-reply:
		if res.Err != nil {
			return nil, res, res.Err
		}
		return snap, res, nil
	case <-ctx.Done():
		return nil, session.JoinResult{}, ctx.Err()
	}
}

// Resync sends h a fresh state_snapshot, ordered after every event already
// queued. Clients use it to reconcile after a gap.
func (p *Pipeline) Resync(h session.Handle) {
	p.mu.Lock()
	snap := p.state.Clone()
	p.hub.Resync(h, snap)
	p.mu.Unlock()
}

// Reply sends msg to h alone.
func (p *Pipeline) Reply(h session.Handle, msg protocol.Outbound) {
	p.hub.Send(h, msg)
}

// Leave removes the connection owned by h and notifies the others.
func (p *Pipeline) Leave(ctx context.Context, h session.Handle) (domain.ConnectionRecord, bool) {
	select {
	case res := <-p.hub.Leave(h):
		return res.Record, res.OK
	case <-ctx.Done():
		return domain.ConnectionRecord{}, false
	}
}

// Checkpoint returns a copy of the state with its version. dirty reports
// changes not yet acknowledged through MarkPersisted.
func (p *Pipeline) Checkpoint() (*domain.GameState, uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Clone(), p.version, p.version != p.persisted
}

// MarkPersisted acknowledges that the state at version reached the store.
func (p *Pipeline) MarkPersisted(version uint64) {
	p.mu.Lock()
	if version > p.persisted {
		p.persisted = version
	}
	p.mu.Unlock()
}

// RetireIfInactive ends an active game whose last activity is older than
// window. It reports whether the game was retired.
func (p *Pipeline) RetireIfInactive(now time.Time, window time.Duration) bool {
	p.mu.Lock()
	st := p.state
	if p.closed || st.Ended() || !st.Active || now.Sub(st.LastActivityAt) < window {
		p.mu.Unlock()
		return false
	}
	idle := now.Sub(st.LastActivityAt)
	p.endLocked(domain.Outcome{Reason: domain.ReasonInactivity})
	finished := p.finishedLocked()
	p.mu.Unlock()

	p.log.Info("game_retired", zap.Duration("idle", idle))
	p.archive(finished)
	return true
}

// Close stops engine work and closes every connection. Mutations after
// Close fail with ErrClosed; Snapshot and Checkpoint keep working.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
	p.hub.Close()
}

func (p *Pipeline) applyLocked(ply rules.Ply, by string, eval *domain.Evaluation) domain.MoveRecord {
	st := p.state
	now := p.now()
	mv := domain.MoveRecord{
		Ply:      st.Ply() + 1,
		UCI:      ply.UCI,
		SAN:      ply.SAN,
		Position: ply.Position,
		PlayedAt: now,
		By:       by,
		Eval:     eval,
	}
	st.MoveLog = append(st.MoveLog, mv)
	st.Position = ply.Position
	st.Phase = domain.PhaseActive
	st.LastActivityAt = now
	p.version++
	p.hub.Publish(protocol.NewMoveApplied(mv), nil)
	if ply.Outcome != nil {
		p.endLocked(*ply.Outcome)
	}
	return mv
}

func (p *Pipeline) endLocked(out domain.Outcome) {
	st := p.state
	o := out
	st.Outcome = &o
	st.Active = false
	st.Phase = domain.PhaseEnded
	st.LastActivityAt = p.now()
	p.epoch++
	p.version++
	p.hub.Publish(protocol.NewGameEnded(out), nil)
}

func (p *Pipeline) finishedLocked() *domain.GameState {
	if p.state.Outcome == nil {
		return nil
	}
	return p.state.Clone()
}

func (p *Pipeline) archive(s *domain.GameState) {
	if s == nil || p.archiver == nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), defaultArchiveTimeout)
		defer cancel()
		if err := p.archiver.Archive(ctx, s); err != nil {
			p.log.Error("game_archive_error", zap.Error(err))
			return
		}
		p.log.Info("game_archived", zap.String("reason", s.Outcome.Reason), zap.Int("plies", s.Ply()))
	}()
}

// scheduleEngineLocked starts a search when the engine is to move. The reply
// is applied only if no move, reset or end happened in the meantime.
func (p *Pipeline) scheduleEngineLocked() {
	if p.searcher == nil || p.ctx.Err() != nil {
		return
	}
	st := p.state
	ec := st.Config.EngineColor()
	if ec == "" || st.Ended() || st.Turn() != ec {
		return
	}
	req := engine.RequestFor(st)
	epoch, ply := p.epoch, st.Ply()
	p.wg.Add(1)
	go p.engineReply(epoch, ply, req)
}

func (p *Pipeline) engineReply(epoch uint64, ply int, req engine.Request) {
	defer p.wg.Done()

	var (
		res engine.Result
		err error
	)
	for attempt := 1; attempt <= engineRetryAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(p.ctx, engine.Budget(req))
		res, err = p.searcher.BestMove(ctx, req)
		cancel()
		if err == nil {
			break
		}
		if p.ctx.Err() != nil {
			return
		}
		p.log.Warn("engine_search_error", zap.Int("attempt", attempt), zap.Int("ply", ply), zap.Error(err))
		if attempt < engineRetryAttempts {
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(engineRetryDelay):
			}
		}
	}
	if err != nil {
		p.log.Error("engine_search_failed", zap.Int("ply", ply), zap.Error(err))
		return
	}

	p.mu.Lock()
	st := p.state
	if p.closed || p.epoch != epoch || st.Ply() != ply || st.Ended() {
		p.mu.Unlock()
		p.log.Debug("engine_reply_stale", zap.Int("ply", ply), zap.String("move", res.Move))
		return
	}
	played, err := p.rules.Play(st.InitialPosition, st.UCIHistory(), res.Move)
	if err != nil {
		p.mu.Unlock()
		p.log.Error("engine_move_rejected", zap.String("move", res.Move), zap.Error(err))
		return
	}
	mv := p.applyLocked(played, domain.EngineID, res.Eval)
	finished := p.finishedLocked()
	p.mu.Unlock()

	p.log.Info("move_applied",
		zap.String("by", domain.EngineID),
		zap.Int("ply", mv.Ply),
		zap.String("uci", mv.UCI),
		zap.String("san", mv.SAN),
	)
	p.archive(finished)
}

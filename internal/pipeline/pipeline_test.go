package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-sync/internal/domain"
	"github.com/park285/cheese-sync/internal/engine"
	"github.com/park285/cheese-sync/internal/protocol"
	"github.com/park285/cheese-sync/internal/session"
)

type fakeHandle struct {
	mu     sync.Mutex
	msgs   [][]byte
	closed bool
	reason string
}

func (f *fakeHandle) Send(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, append([]byte(nil), payload...))
	return nil
}

func (f *fakeHandle) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.reason = reason
	}
}

func (f *fakeHandle) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeHandle) messages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.msgs...)
}

func (f *fakeHandle) kinds() []protocol.Kind {
	var out []protocol.Kind
	for _, m := range f.messages() {
		var env struct {
			Type protocol.Kind `json:"type"`
		}
		_ = json.Unmarshal(m, &env)
		out = append(out, env.Type)
	}
	return out
}

func (f *fakeHandle) count(kind protocol.Kind) int {
	n := 0
	for _, k := range f.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

// position folds the events a client would receive into its final view.
func (f *fakeHandle) position(t *testing.T) (string, int) {
	t.Helper()
	pos, ply := "", 0
	for _, m := range f.messages() {
		var env struct {
			Type protocol.Kind `json:"type"`
		}
		if err := json.Unmarshal(m, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		switch env.Type {
		case protocol.KindStateSnapshot:
			var s protocol.StateSnapshot
			if err := json.Unmarshal(m, &s); err != nil {
				t.Fatalf("decode snapshot: %v", err)
			}
			pos, ply = s.Game.Position, s.Game.Ply
		case protocol.KindMoveApplied:
			var mv protocol.MoveApplied
			if err := json.Unmarshal(m, &mv); err != nil {
				t.Fatalf("decode move: %v", err)
			}
			if mv.Ply != ply+1 {
				t.Fatalf("ply gap: have %d got %d", ply, mv.Ply)
			}
			pos, ply = mv.Position, mv.Ply
		case protocol.KindGameReset:
			var r protocol.GameReset
			if err := json.Unmarshal(m, &r); err != nil {
				t.Fatalf("decode reset: %v", err)
			}
			pos, ply = r.Position, 0
		}
	}
	return pos, ply
}

func (f *fakeHandle) lastOf(t *testing.T, kind protocol.Kind) []byte {
	t.Helper()
	msgs := f.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		var env struct {
			Type protocol.Kind `json:"type"`
		}
		if err := json.Unmarshal(msgs[i], &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Type == kind {
			return msgs[i]
		}
	}
	t.Fatalf("no %s message", kind)
	return nil
}

type fakeSearcher struct {
	move  string
	gate  chan struct{}
	calls atomic.Int32
	err   error
}

func (f *fakeSearcher) BestMove(ctx context.Context, req engine.Request) (engine.Result, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return engine.Result{}, ctx.Err()
		}
	}
	if f.err != nil {
		return engine.Result{}, f.err
	}
	return engine.Result{Move: f.move, Eval: &domain.Evaluation{ScoreCP: 15, Depth: 8}}, nil
}

type fakeArchiver struct {
	mu    sync.Mutex
	games []*domain.GameState
}

func (f *fakeArchiver) Archive(_ context.Context, s *domain.GameState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.games = append(f.games, s)
	return nil
}

func (f *fakeArchiver) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.games)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestPipeline(t *testing.T, opt Options) *Pipeline {
	t.Helper()
	if opt.GameID == "" {
		opt.GameID = "g1"
	}
	opt.Logger = zap.NewNop()
	p := New(opt)
	t.Cleanup(p.Close)
	return p
}

func joinAs(t *testing.T, p *Pipeline, id string) (*fakeHandle, *domain.GameState) {
	t.Helper()
	h := &fakeHandle{}
	snap, _, err := p.Join(context.Background(), domain.ConnectionRecord{ConnectionID: id, DisplayLabel: id}, h)
	if err != nil {
		t.Fatalf("join %s: %v", id, err)
	}
	return h, snap
}

func flush(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Hub().Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestSubmitMoveRejectAndReset(t *testing.T) {
	p := newTestPipeline(t, Options{})
	a, _ := joinAs(t, p, "a")
	ctx := context.Background()

	mv, err := p.SubmitMove(ctx, "a", "e2e4", "")
	if err != nil {
		t.Fatalf("e2e4: %v", err)
	}
	if mv.Ply != 1 || mv.SAN != "e4" {
		t.Fatalf("unexpected move record: %+v", mv)
	}

	// white pawn move again while black is to move
	if _, err := p.SubmitMove(ctx, "a", "e2e4", ""); domain.CodeOf(err) != domain.CodeIllegalMove {
		t.Fatalf("expected illegal_move, got %v", err)
	}
	if _, err := p.SubmitMove(ctx, "b", "e7e5", ""); err != nil {
		t.Fatalf("e7e5: %v", err)
	}
	if got := p.Snapshot().Ply(); got != 2 {
		t.Fatalf("ply = %d, want 2", got)
	}

	snap, err := p.Reset(ctx, domain.Configuration{Mode: domain.ModeHumanVsHuman})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if snap.Ply() != 0 || snap.Position != domain.StartFEN || snap.Phase != domain.PhaseFresh {
		t.Fatalf("reset state wrong: %+v", snap)
	}

	waitFor(t, "game_reset", func() bool { return a.count(protocol.KindGameReset) == 1 })
	if got := a.count(protocol.KindMoveApplied); got != 2 {
		t.Fatalf("move_applied count = %d, want 2", got)
	}
	if got := a.count(protocol.KindRejected); got != 0 {
		t.Fatalf("rejections must not be broadcast, got %d", got)
	}
}

func TestRejectedMoveLeavesVersion(t *testing.T) {
	p := newTestPipeline(t, Options{})
	ctx := context.Background()

	_, before, _ := p.Checkpoint()
	for _, raw := range []string{"", "zz", "e2e5", "Ke2"} {
		if _, err := p.SubmitMove(ctx, "a", raw, ""); !domain.IsValidation(err) {
			t.Fatalf("%q: expected validation error, got %v", raw, err)
		}
	}
	st, after, dirty := p.Checkpoint()
	if before != after || dirty {
		t.Fatalf("rejections changed version: %d -> %d dirty=%v", before, after, dirty)
	}
	if st.Ply() != 0 || st.Position != domain.StartFEN {
		t.Fatalf("state changed: %+v", st)
	}
}

func TestConcurrentSubmitsApplyOnce(t *testing.T) {
	p := newTestPipeline(t, Options{})
	ctx := context.Background()

	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.SubmitMove(ctx, "a", "e2e4", ""); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 1 {
		t.Fatalf("accepted %d submissions, want 1", ok.Load())
	}
	if got := p.Snapshot().Ply(); got != 1 {
		t.Fatalf("ply = %d, want 1", got)
	}
}

func TestConnectionsConverge(t *testing.T) {
	p := newTestPipeline(t, Options{})
	ctx := context.Background()
	a, _ := joinAs(t, p, "a")

	for _, m := range []string{"e2e4", "c7c5"} {
		if _, err := p.SubmitMove(ctx, "a", m, ""); err != nil {
			t.Fatalf("%s: %v", m, err)
		}
	}
	b, _ := joinAs(t, p, "b")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = p.SubmitMove(ctx, "a", "g1f3", "")
	}()
	go func() {
		defer wg.Done()
		p.Reset(ctx, domain.Configuration{})
	}()
	wg.Wait()
	// the race above decides whose turn it is; only legal moves land
	for _, m := range []string{"d2d4", "d7d5", "d7d6"} {
		_, _ = p.SubmitMove(ctx, "b", m, "")
	}
	flush(t, p)

	want := p.Snapshot()
	for name, h := range map[string]*fakeHandle{"a": a, "b": b} {
		waitFor(t, name+" convergence", func() bool {
			pos, ply := h.position(t)
			return pos == want.Position && ply == want.Ply()
		})
	}
}

func TestReconnectGetsCurrentSnapshot(t *testing.T) {
	p := newTestPipeline(t, Options{})
	ctx := context.Background()
	old, _ := joinAs(t, p, "a")

	for _, m := range []string{"d2d4", "g8f6", "c2c4"} {
		if _, err := p.SubmitMove(ctx, "a", m, ""); err != nil {
			t.Fatalf("%s: %v", m, err)
		}
	}
	fresh := &fakeHandle{}
	snap, res, err := p.Join(ctx, domain.ConnectionRecord{ConnectionID: "a"}, fresh)
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if !res.Replaced {
		t.Fatalf("expected replaced")
	}
	cur := p.Snapshot()
	if snap.Position != cur.Position || snap.Ply() != 3 {
		t.Fatalf("snapshot mismatch: %s/%d vs %s/%d", snap.Position, snap.Ply(), cur.Position, cur.Ply())
	}
	waitFor(t, "old handle close", old.isClosed)
	if got := len(p.Roster()); got != 1 {
		t.Fatalf("roster size = %d, want 1", got)
	}
}

func TestJoinGeneratesConnectionID(t *testing.T) {
	p := newTestPipeline(t, Options{})
	_, res, err := p.Join(context.Background(), domain.ConnectionRecord{DisplayLabel: " guest "}, &fakeHandle{})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if res.Record.ConnectionID == "" || res.Record.DisplayLabel != "guest" {
		t.Fatalf("unexpected record: %+v", res.Record)
	}
}

func TestLeaveBroadcasts(t *testing.T) {
	p := newTestPipeline(t, Options{})
	a, _ := joinAs(t, p, "a")
	b, _ := joinAs(t, p, "b")

	rec, ok := p.Leave(context.Background(), b)
	if !ok || rec.ConnectionID != "b" {
		t.Fatalf("leave: %+v %v", rec, ok)
	}
	waitFor(t, "participant_left", func() bool { return a.count(protocol.KindParticipantLeft) == 1 })
}

func TestEndGame(t *testing.T) {
	arch := &fakeArchiver{}
	p := newTestPipeline(t, Options{Archiver: arch})
	ctx := context.Background()

	if _, err := p.EndGame(ctx, "", "purple"); domain.CodeOf(err) != domain.CodeInvalidWinner {
		t.Fatalf("expected invalid_winner, got %v", err)
	}
	out, err := p.EndGame(ctx, "", "black")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if out.Winner != domain.Black || out.Reason != domain.ReasonResignation {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if _, err := p.EndGame(ctx, "", ""); domain.CodeOf(err) != domain.CodeGameOver {
		t.Fatalf("expected game_over, got %v", err)
	}
	if _, err := p.SubmitMove(ctx, "a", "e2e4", ""); domain.CodeOf(err) != domain.CodeGameOver {
		t.Fatalf("expected game_over for move, got %v", err)
	}
	st := p.Snapshot()
	if st.Active || st.Phase != domain.PhaseEnded {
		t.Fatalf("state not ended: %+v", st)
	}
	waitFor(t, "archive", func() bool { return arch.len() == 1 })

	p.Reset(ctx, domain.Configuration{})
	out, err = p.EndGame(ctx, "", "")
	if err != nil || out.Reason != domain.ReasonAgreement || !out.Draw() {
		t.Fatalf("draw by agreement: %+v %v", out, err)
	}
}

func TestCheckmateEndsAndArchives(t *testing.T) {
	arch := &fakeArchiver{}
	p := newTestPipeline(t, Options{Archiver: arch})
	a, _ := joinAs(t, p, "a")
	ctx := context.Background()

	for _, m := range []string{"f2f3", "e7e5", "g2g4", "d8h4"} {
		if _, err := p.SubmitMove(ctx, "a", m, ""); err != nil {
			t.Fatalf("%s: %v", m, err)
		}
	}
	st := p.Snapshot()
	if st.Outcome == nil || st.Outcome.Winner != domain.Black || st.Outcome.Reason != domain.ReasonCheckmate {
		t.Fatalf("unexpected outcome: %+v", st.Outcome)
	}
	waitFor(t, "archive", func() bool { return arch.len() == 1 })
	waitFor(t, "game_ended", func() bool { return a.count(protocol.KindGameEnded) == 1 })
	kinds := a.kinds()
	if kinds[len(kinds)-2] != protocol.KindMoveApplied || kinds[len(kinds)-1] != protocol.KindGameEnded {
		t.Fatalf("final events = %v", kinds[len(kinds)-2:])
	}
}

func TestResetInvalidStartFallsBack(t *testing.T) {
	p := newTestPipeline(t, Options{})
	snap, err := p.Reset(context.Background(), domain.Configuration{StartPosition: "not a fen"})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if snap.Position != domain.StartFEN || snap.Config.StartPosition != "" {
		t.Fatalf("expected standard start, got %+v", snap)
	}

	custom := "4k3/8/8/8/8/8/4P3/4K3 w - - 0 1"
	if snap, err = p.Reset(context.Background(), domain.Configuration{StartPosition: custom}); err != nil {
		t.Fatalf("reset custom: %v", err)
	}
	if snap.InitialPosition != custom {
		t.Fatalf("custom start ignored: %s", snap.InitialPosition)
	}
	if _, err := p.SubmitMove(context.Background(), "a", "e2e4", ""); err != nil {
		t.Fatalf("move from custom start: %v", err)
	}
}

func TestEngineReplies(t *testing.T) {
	s := &fakeSearcher{move: "e7e5"}
	p := newTestPipeline(t, Options{Searcher: s})
	ctx := context.Background()

	p.Reset(ctx, domain.Configuration{Mode: domain.ModeHumanVsEngine, HumanColor: domain.White})
	if _, err := p.SubmitMove(ctx, "a", "e2e4", ""); err != nil {
		t.Fatalf("e2e4: %v", err)
	}
	waitFor(t, "engine reply", func() bool { return p.Snapshot().Ply() == 2 })

	last := p.Snapshot().LastMove()
	if last.By != domain.EngineID || last.UCI != "e7e5" {
		t.Fatalf("unexpected engine move: %+v", last)
	}
	if last.Eval == nil || last.Eval.ScoreCP != 15 {
		t.Fatalf("missing evaluation: %+v", last.Eval)
	}
}

func TestEngineTurnRejectsHuman(t *testing.T) {
	s := &fakeSearcher{move: "e2e4", gate: make(chan struct{})}
	p := newTestPipeline(t, Options{Searcher: s})
	ctx := context.Background()

	p.Reset(ctx, domain.Configuration{Mode: domain.ModeHumanVsEngine, HumanColor: domain.Black})
	if _, err := p.SubmitMove(ctx, "a", "e2e4", ""); domain.CodeOf(err) != domain.CodeEngineTurn {
		t.Fatalf("expected engine_turn, got %v", err)
	}
	close(s.gate)
	waitFor(t, "engine opening", func() bool { return p.Snapshot().Ply() == 1 })
	if _, err := p.SubmitMove(ctx, "a", "e7e5", ""); err != nil {
		t.Fatalf("human reply: %v", err)
	}
}

func TestStaleEngineReplyDropped(t *testing.T) {
	s := &fakeSearcher{move: "e2e4", gate: make(chan struct{})}
	p := New(Options{GameID: "g1", Searcher: s, Logger: zap.NewNop()})
	ctx := context.Background()

	p.Reset(ctx, domain.Configuration{Mode: domain.ModeHumanVsEngine, HumanColor: domain.Black})
	waitFor(t, "search start", func() bool { return s.calls.Load() == 1 })
	p.Reset(ctx, domain.Configuration{Mode: domain.ModeHumanVsHuman})
	close(s.gate)
	p.Close()

	if got := p.Snapshot().Ply(); got != 0 {
		t.Fatalf("stale engine move applied, ply = %d", got)
	}
}

func TestEngineFailureLeavesGame(t *testing.T) {
	s := &fakeSearcher{err: errors.New("engine down")}
	p := New(Options{GameID: "g1", Searcher: s, Logger: zap.NewNop()})
	p.Reset(context.Background(), domain.Configuration{Mode: domain.ModeHumanVsEngine, HumanColor: domain.Black})
	waitFor(t, "retries", func() bool { return s.calls.Load() == engineRetryAttempts })
	p.Close()
	if st := p.Snapshot(); st.Ply() != 0 || st.Ended() {
		t.Fatalf("engine failure changed game: %+v", st)
	}
}

func TestRestoreSchedulesEngine(t *testing.T) {
	s := &fakeSearcher{move: "e2e4"}
	cfg := domain.Configuration{Mode: domain.ModeHumanVsEngine, HumanColor: domain.Black}.Normalize()
	st := domain.NewGameState("g1", domain.StartFEN, cfg, time.Now())
	p := Restore(Options{GameID: "g1", Searcher: s, Logger: zap.NewNop()}, st)
	t.Cleanup(p.Close)

	waitFor(t, "engine move", func() bool { return p.Snapshot().Ply() == 1 })
	if _, _, dirty := p.Checkpoint(); !dirty {
		t.Fatalf("engine move should mark the game dirty")
	}
}

func TestCheckpointAndMarkPersisted(t *testing.T) {
	p := newTestPipeline(t, Options{})
	if _, _, dirty := p.Checkpoint(); dirty {
		t.Fatalf("fresh game should not be dirty")
	}
	if _, err := p.SubmitMove(context.Background(), "a", "e2e4", ""); err != nil {
		t.Fatalf("e2e4: %v", err)
	}
	st, v, dirty := p.Checkpoint()
	if !dirty || st.Ply() != 1 {
		t.Fatalf("expected dirty after move")
	}
	p.MarkPersisted(v - 1)
	if _, _, dirty := p.Checkpoint(); !dirty {
		t.Fatalf("older version must not clear dirty")
	}
	p.MarkPersisted(v)
	if _, _, dirty := p.Checkpoint(); dirty {
		t.Fatalf("expected clean after MarkPersisted")
	}
}

func TestRetireIfInactive(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	arch := &fakeArchiver{}
	p := newTestPipeline(t, Options{Archiver: arch, Now: func() time.Time { return clock }})
	a, _ := joinAs(t, p, "a")

	if _, err := p.SubmitMove(context.Background(), "a", "e2e4", ""); err != nil {
		t.Fatalf("e2e4: %v", err)
	}
	if p.RetireIfInactive(base.Add(23*time.Hour), 24*time.Hour) {
		t.Fatalf("retired before the window elapsed")
	}
	if !p.RetireIfInactive(base.Add(25*time.Hour), 24*time.Hour) {
		t.Fatalf("expected retirement")
	}
	if p.RetireIfInactive(base.Add(50*time.Hour), 24*time.Hour) {
		t.Fatalf("ended game retired twice")
	}
	st := p.Snapshot()
	if st.Outcome == nil || st.Outcome.Reason != domain.ReasonInactivity || st.Active {
		t.Fatalf("unexpected state: %+v", st)
	}
	waitFor(t, "archive", func() bool { return arch.len() == 1 })
	waitFor(t, "game_ended", func() bool { return a.count(protocol.KindGameEnded) == 1 })
}

var _ session.Handle = (*fakeHandle)(nil)

func TestResyncSendsCurrentSnapshot(t *testing.T) {
	p := newTestPipeline(t, Options{})
	a, _ := joinAs(t, p, "a")
	b, _ := joinAs(t, p, "b")
	if _, err := p.SubmitMove(context.Background(), "a", "e2e4", ""); err != nil {
		t.Fatalf("e2e4: %v", err)
	}
	p.Resync(a)
	waitFor(t, "resync", func() bool { return a.count(protocol.KindStateSnapshot) == 2 })
	waitFor(t, "b move", func() bool { return b.count(protocol.KindMoveApplied) == 1 })
	if got := b.count(protocol.KindStateSnapshot); got != 1 {
		t.Fatalf("b snapshots = %d, want 1", got)
	}
	pos, ply := a.position(t)
	if ply != 1 || pos != p.Snapshot().Position {
		t.Fatalf("resynced view %s/%d", pos, ply)
	}
	last := a.lastOf(t, protocol.KindStateSnapshot)
	var s protocol.StateSnapshot
	if err := json.Unmarshal(last, &s); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(s.Roster) != 2 {
		t.Fatalf("resync roster = %+v, want a and b", s.Roster)
	}
}

func TestResyncRosterIncludesFreshJoin(t *testing.T) {
	p := newTestPipeline(t, Options{})
	a, _ := joinAs(t, p, "a")
	joinAs(t, p, "b")
	p.Resync(a)
	joinAs(t, p, "c")
	p.Resync(a)
	waitFor(t, "resyncs", func() bool { return a.count(protocol.KindStateSnapshot) == 3 })
	var s protocol.StateSnapshot
	if err := json.Unmarshal(a.lastOf(t, protocol.KindStateSnapshot), &s); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	ids := map[string]bool{}
	for _, r := range s.Roster {
		ids[r.ConnectionID] = true
	}
	if len(ids) != 3 || !ids["a"] || !ids["b"] || !ids["c"] {
		t.Fatalf("roster = %+v, want a, b and c", s.Roster)
	}
}

func TestCloseRejectsMutations(t *testing.T) {
	p := newTestPipeline(t, Options{})
	ctx := context.Background()
	if _, err := p.SubmitMove(ctx, "a", "e2e4", ""); err != nil {
		t.Fatalf("e2e4: %v", err)
	}
	_, before, _ := p.Checkpoint()
	p.MarkPersisted(before)
	p.Close()

	if _, err := p.SubmitMove(ctx, "a", "e7e5", ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("move after close: %v", err)
	}
	if _, err := p.Reset(ctx, domain.Configuration{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("reset after close: %v", err)
	}
	if _, err := p.EndGame(ctx, "resignation", "white"); !errors.Is(err, ErrClosed) {
		t.Fatalf("end after close: %v", err)
	}
	h := &fakeHandle{}
	if _, _, err := p.Join(ctx, domain.ConnectionRecord{ConnectionID: "late"}, h); !errors.Is(err, ErrClosed) {
		t.Fatalf("join after close: %v", err)
	}
	if domain.CodeOf(ErrClosed) != domain.CodeGameClosed {
		t.Fatalf("code = %s", domain.CodeOf(ErrClosed))
	}

	st, after, dirty := p.Checkpoint()
	if dirty || after != before {
		t.Fatalf("state changed after close: version %d -> %d dirty=%v", before, after, dirty)
	}
	if st.Ply() != 1 || st.Outcome != nil {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestConcurrentResetsLeaveOneConfiguration(t *testing.T) {
	p := newTestPipeline(t, Options{})
	a, _ := joinAs(t, p, "a")
	b, _ := joinAs(t, p, "b")
	ctx := context.Background()
	if _, err := p.SubmitMove(ctx, "a", "e2e4", ""); err != nil {
		t.Fatalf("e2e4: %v", err)
	}

	const n = 8
	cfgs := make([]domain.Configuration, n)
	for i := range cfgs {
		cfgs[i] = domain.Configuration{Mode: domain.ModeHumanVsEngine, HumanColor: domain.White, EngineSkill: i + 1}
	}
	var wg sync.WaitGroup
	for _, cfg := range cfgs {
		wg.Add(1)
		go func(cfg domain.Configuration) {
			defer wg.Done()
			if _, err := p.Reset(ctx, cfg); err != nil {
				t.Errorf("reset: %v", err)
			}
		}(cfg)
	}
	wg.Wait()
	flush(t, p)

	st := p.Snapshot()
	matches := 0
	for _, cfg := range cfgs {
		if st.Config == cfg.Normalize() {
			matches++
		}
	}
	if matches != 1 {
		t.Fatalf("final config %+v matches %d submitted configs", st.Config, matches)
	}
	if st.Ply() != 0 || st.Phase != domain.PhaseFresh || st.Position != domain.StartFEN {
		t.Fatalf("reset state wrong: %+v", st)
	}

	for name, h := range map[string]*fakeHandle{"a": a, "b": b} {
		waitFor(t, name+" resets", func() bool { return h.count(protocol.KindGameReset) == n })
		var r protocol.GameReset
		if err := json.Unmarshal(h.lastOf(t, protocol.KindGameReset), &r); err != nil {
			t.Fatalf("decode reset: %v", err)
		}
		if r.Configuration != st.Config || r.Position != st.Position {
			t.Fatalf("%s last reset %+v, state %+v", name, r, st.Config)
		}
	}
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
	"go.uber.org/zap"

	"github.com/park285/cheese-sync/internal/domain"
	"github.com/park285/cheese-sync/internal/games"
	"github.com/park285/cheese-sync/internal/msgcat"
	"github.com/park285/cheese-sync/internal/pipeline"
	"github.com/park285/cheese-sync/internal/store"
	"github.com/park285/cheese-sync/internal/transport/api"
)

func seededStore(t *testing.T) *store.Memory {
	t.Helper()
	mem := store.NewMemory()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := domain.NewGameState("alpha", domain.StartFEN, domain.Configuration{}.Normalize(), now)
	s.MoveLog = []domain.MoveRecord{{UCI: "e2e4", SAN: "e4", Ply: 1, By: "c1"}}
	s.Phase = domain.PhaseActive
	if err := mem.Save(context.Background(), store.FromState(s, now)); err != nil {
		t.Fatalf("save: %v", err)
	}
	b := domain.NewGameState("beta", domain.StartFEN, domain.Configuration{}.Normalize(), now)
	if err := mem.Save(context.Background(), store.FromState(b, now)); err != nil {
		t.Fatalf("save: %v", err)
	}
	return mem
}

func run(t *testing.T, mem store.Store, clientOpts []api.Option, args ...string) (string, error) {
	t.Helper()
	open := func(context.Context, store.Options) (store.Store, error) { return mem, nil }
	cmd := newRootCommand(open, clientOpts...)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand(nil)
	for _, name := range []string{"list", "show", "clear", "state", "move", "reset", "end"} {
		sub, _, err := cmd.Find([]string{name})
		if err != nil || sub.Name() != name {
			t.Fatalf("command %s missing: %v", name, err)
		}
	}
}

func TestListAndShow(t *testing.T) {
	mem := seededStore(t)

	out, err := run(t, mem, nil, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "alpha") || !strings.Contains(out, "beta") || !strings.Contains(out, "GAME") {
		t.Fatalf("list output:\n%s", out)
	}

	out, err = run(t, mem, nil, "--format", "json", "list")
	if err != nil {
		t.Fatalf("list json: %v", err)
	}
	var rows []snapshotSummary
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("decode %s: %v", out, err)
	}
	if len(rows) != 2 || rows[0].GameID != "alpha" || rows[0].Ply != 1 {
		t.Fatalf("rows = %+v", rows)
	}

	out, err = run(t, mem, nil, "show", "alpha")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "moves:     e4") || !strings.Contains(out, "ply:       1") {
		t.Fatalf("show output:\n%s", out)
	}

	if _, err := run(t, mem, nil, "show", "gamma"); err == nil {
		t.Fatalf("expected error for missing snapshot")
	}
	if _, err := run(t, mem, nil, "--format", "yaml", "list"); err == nil {
		t.Fatalf("expected invalid format error")
	}
}

func TestClear(t *testing.T) {
	mem := seededStore(t)
	out, err := run(t, mem, nil, "clear", "alpha")
	if err != nil || !strings.Contains(out, "cleared alpha") {
		t.Fatalf("clear: %q %v", out, err)
	}
	ids, _ := mem.List(context.Background())
	if len(ids) != 1 || ids[0] != "beta" {
		t.Fatalf("ids after clear = %v", ids)
	}
}

func TestRemoteCommands(t *testing.T) {
	cat, err := msgcat.New("")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	gm := games.NewManager("main", pipeline.Options{Logger: zap.NewNop()})
	t.Cleanup(gm.Close)

	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: api.NewServer(gm, cat, zap.NewNop()).Handler}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })
	opts := []api.Option{api.WithDialer(func(string) (net.Conn, error) { return ln.Dial() })}
	mem := store.NewMemory()

	if _, err := run(t, mem, opts, "--api", "http://cheese.test", "move", "room", "e2e4"); err == nil || !strings.Contains(err.Error(), domain.CodeUnknownGame) {
		t.Fatalf("expected unknown_game before the room exists, got %v", err)
	}
	if _, err := run(t, mem, opts, "--api", "http://cheese.test", "reset", "room"); err != nil {
		t.Fatalf("create room: %v", err)
	}
	out, err := run(t, mem, opts, "--api", "http://cheese.test", "move", "room", "e2e4")
	if err != nil || !strings.Contains(out, "e4 played") {
		t.Fatalf("move: %q %v", out, err)
	}
	if _, err := run(t, mem, opts, "--api", "http://cheese.test", "move", "room", "e2e4"); err == nil || !strings.Contains(err.Error(), domain.CodeIllegalMove) {
		t.Fatalf("expected illegal move rejection, got %v", err)
	}
	out, err = run(t, mem, opts, "--api", "http://cheese.test", "state", "room")
	if err != nil || !strings.Contains(out, "Last move: e4") {
		t.Fatalf("state: %q %v", out, err)
	}
	if _, err := run(t, mem, opts, "--api", "http://cheese.test", "reset", "room", "--mode", "human_vs_human"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	p, _ := gm.Lookup("room")
	if p.Snapshot().Ply() != 0 {
		t.Fatalf("reset did not clear the move log")
	}
	out, err = run(t, mem, opts, "--api", "http://cheese.test", "end", "room", "--winner", "white")
	if err != nil || !strings.Contains(out, "white wins") {
		t.Fatalf("end: %q %v", out, err)
	}
}

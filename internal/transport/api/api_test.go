package api

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
	"go.uber.org/zap"

	"github.com/park285/cheese-sync/internal/domain"
	"github.com/park285/cheese-sync/internal/games"
	"github.com/park285/cheese-sync/internal/msgcat"
	"github.com/park285/cheese-sync/internal/pipeline"
)

func newTestServer(t *testing.T) (*Server, *games.Manager) {
	t.Helper()
	cat, err := msgcat.New("")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	gm := games.NewManager("main", pipeline.Options{Logger: zap.NewNop()})
	t.Cleanup(gm.Close)
	return NewServer(gm, cat, zap.NewNop()), gm
}

func call(s *Server, method, uri, body string) (int, []byte) {
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	if body != "" {
		ctx.Request.SetBodyString(body)
	}
	s.Handler(&ctx)
	return ctx.Response.StatusCode(), append([]byte(nil), ctx.Response.Body()...)
}

func decodeResponse(t *testing.T, raw []byte) Response {
	t.Helper()
	var r Response
	if err := json.Unmarshal(raw, &r); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return r
}

func TestMoveAcceptedAndRejected(t *testing.T) {
	s, gm := newTestServer(t)

	status, body := call(s, fasthttp.MethodPost, "/api/move", `{"move":"e2e4"}`)
	if status != fasthttp.StatusOK {
		t.Fatalf("status = %d body=%s", status, body)
	}
	r := decodeResponse(t, body)
	if r.Result != "accepted" || r.Move == nil || r.Move.SAN != "e4" || r.Turn != domain.Black {
		t.Fatalf("unexpected response: %+v", r)
	}
	if r.Text != "e4 played. black to move." {
		t.Fatalf("text = %q", r.Text)
	}

	status, body = call(s, fasthttp.MethodPost, "/api/move", `{"move":"e2e4"}`)
	if status != fasthttp.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", status)
	}
	r = decodeResponse(t, body)
	if r.Result != "rejected" || r.Reason != domain.CodeIllegalMove {
		t.Fatalf("unexpected rejection: %+v", r)
	}
	if !strings.Contains(r.Text, "not legal") {
		t.Fatalf("text = %q", r.Text)
	}

	p, _ := gm.Lookup("main")
	if last := p.Snapshot().LastMove(); last == nil || last.By != ToolCaller {
		t.Fatalf("move not attributed to the tool caller: %+v", last)
	}
}

func TestStateSummary(t *testing.T) {
	s, _ := newTestServer(t)
	call(s, fasthttp.MethodPost, "/api/reset?game=room", "")
	call(s, fasthttp.MethodPost, "/api/move?game=room", `{"move":"d2d4"}`)

	status, body := call(s, fasthttp.MethodGet, "/api/state?game=room", "")
	if status != fasthttp.StatusOK {
		t.Fatalf("status = %d", status)
	}
	text := string(body)
	for _, want := range []string{"Game room (human_vs_human, active)", "Ply 1, black to move", "Last move: d4", "Opening: ", "Connected: 0"} {
		if !strings.Contains(text, want) {
			t.Fatalf("summary missing %q:\n%s", want, text)
		}
	}
}

func TestResetAndEnd(t *testing.T) {
	s, _ := newTestServer(t)

	status, body := call(s, fasthttp.MethodPost, "/api/reset", `{"configuration":{"mode":"human_vs_engine","humanColor":"white"}}`)
	if status != fasthttp.StatusOK {
		t.Fatalf("reset status = %d", status)
	}
	r := decodeResponse(t, body)
	if r.Result != "reset" || r.Configuration == nil || r.Configuration.Mode != domain.ModeHumanVsEngine || r.Position != domain.StartFEN {
		t.Fatalf("unexpected reset: %+v", r)
	}

	status, body = call(s, fasthttp.MethodPost, "/api/end", `{"winner":"black"}`)
	if status != fasthttp.StatusOK {
		t.Fatalf("end status = %d", status)
	}
	r = decodeResponse(t, body)
	if r.Result != "ended" || r.Winner != domain.Black || r.Text != "Game over: black wins by resignation" {
		t.Fatalf("unexpected end: %+v", r)
	}

	status, body = call(s, fasthttp.MethodPost, "/api/end", `{"winner":"green"}`)
	if status != fasthttp.StatusUnprocessableEntity || decodeResponse(t, body).Reason != domain.CodeInvalidWinner {
		t.Fatalf("expected invalid_winner, got %d %s", status, body)
	}
}

func TestRoutingAndMalformedBody(t *testing.T) {
	s, _ := newTestServer(t)

	if status, body := call(s, fasthttp.MethodGet, "/healthz", ""); status != fasthttp.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz: %d %s", status, body)
	}
	if status, _ := call(s, fasthttp.MethodGet, "/api/move", ""); status != fasthttp.StatusMethodNotAllowed {
		t.Fatalf("GET /api/move = %d", status)
	}
	if status, _ := call(s, fasthttp.MethodGet, "/nope", ""); status != fasthttp.StatusNotFound {
		t.Fatalf("GET /nope = %d", status)
	}
	status, body := call(s, fasthttp.MethodPost, "/api/move", `{"move":`)
	if status != fasthttp.StatusBadRequest || decodeResponse(t, body).Reason != domain.CodeMalformedMessage {
		t.Fatalf("malformed body: %d %s", status, body)
	}
}

func TestClientRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: s.Handler}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	c := NewClient("http://cheese.test", WithDialer(func(string) (net.Conn, error) { return ln.Dial() }))
	ctx := context.Background()

	r, err := c.Move(ctx, "t1", "g1f3")
	if err != nil || r.Result != "rejected" || r.Reason != domain.CodeUnknownGame {
		t.Fatalf("move on unknown game: %+v %v", r, err)
	}
	if r, err = c.Reset(ctx, "t1", nil); err != nil || r.Result != "reset" {
		t.Fatalf("create: %+v %v", r, err)
	}
	r, err = c.Move(ctx, "t1", "g1f3")
	if err != nil || r.Result != "accepted" {
		t.Fatalf("move: %+v %v", r, err)
	}
	r, err = c.Move(ctx, "t1", "g1f3")
	if err != nil || r.Result != "rejected" || r.Reason != domain.CodeIllegalMove {
		t.Fatalf("rejected move: %+v %v", r, err)
	}
	text, err := c.State(ctx, "t1")
	if err != nil || !strings.Contains(text, "Last move: Nf3") {
		t.Fatalf("state: %q %v", text, err)
	}
	if r, err = c.Reset(ctx, "t1", nil); err != nil || r.Result != "reset" {
		t.Fatalf("reset: %+v %v", r, err)
	}
	if r, err = c.End(ctx, "t1", "", ""); err != nil || r.Reason != domain.ReasonAgreement {
		t.Fatalf("end: %+v %v", r, err)
	}
}

func TestUnknownGameIsNotCreated(t *testing.T) {
	s, gm := newTestServer(t)
	before := len(gm.List())

	if status, _ := call(s, fasthttp.MethodGet, "/api/state?game=typo", ""); status != fasthttp.StatusNotFound {
		t.Fatalf("state status = %d, want 404", status)
	}
	status, body := call(s, fasthttp.MethodPost, "/api/move", `{"game":"typo","move":"e2e4"}`)
	if status != fasthttp.StatusNotFound {
		t.Fatalf("move status = %d, want 404", status)
	}
	if r := decodeResponse(t, body); r.Result != "rejected" || r.Reason != domain.CodeUnknownGame || r.Text != "no such game" {
		t.Fatalf("unexpected rejection: %+v", r)
	}
	if status, _ := call(s, fasthttp.MethodPost, "/api/end?game=typo", ""); status != fasthttp.StatusNotFound {
		t.Fatalf("end status = %d, want 404", status)
	}
	if _, ok := gm.Lookup("typo"); ok || len(gm.List()) != before {
		t.Fatalf("unknown id created a game")
	}

	// the default game is always addressable
	if status, _ := call(s, fasthttp.MethodGet, "/api/state", ""); status != fasthttp.StatusOK {
		t.Fatalf("default state status = %d", status)
	}
}

func TestClosedGameAnswersUnavailable(t *testing.T) {
	s, gm := newTestServer(t)
	p, err := gm.Get("")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	p.Close()

	status, body := call(s, fasthttp.MethodPost, "/api/move", `{"move":"e2e4"}`)
	if status != fasthttp.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", status)
	}
	if r := decodeResponse(t, body); r.Reason != domain.CodeGameClosed {
		t.Fatalf("reason = %q", r.Reason)
	}
	if p.Snapshot().Ply() != 0 {
		t.Fatalf("closed game recorded a move")
	}
}

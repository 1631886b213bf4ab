// Package api exposes synchronous game operations over HTTP for tool
// callers that do not hold a websocket.
package api

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/cheese-sync/internal/domain"
	"github.com/park285/cheese-sync/internal/games"
	"github.com/park285/cheese-sync/internal/msgcat"
	"github.com/park285/cheese-sync/internal/obslog"
	"github.com/park285/cheese-sync/internal/pipeline"
)

// ToolCaller is the connection id recorded for moves submitted over HTTP.
const ToolCaller = "api"

const requestTimeout = 10 * time.Second

type MoveRequest struct {
	Game string `json:"game,omitempty"`
	Move string `json:"move"`
	By   string `json:"by,omitempty"`
}

type ResetRequest struct {
	Game          string                `json:"game,omitempty"`
	Configuration *domain.Configuration `json:"configuration,omitempty"`
}

type EndRequest struct {
	Game   string `json:"game,omitempty"`
	Reason string `json:"reason,omitempty"`
	Winner string `json:"winner,omitempty"`
}

// Response is the body of every JSON reply. Result is accepted, rejected,
// reset or ended.
type Response struct {
	Result        string                `json:"result"`
	Reason        string                `json:"reason,omitempty"`
	Message       string                `json:"message,omitempty"`
	Move          *domain.MoveRecord    `json:"move,omitempty"`
	Position      string                `json:"position,omitempty"`
	Turn          domain.Color          `json:"turn,omitempty"`
	Configuration *domain.Configuration `json:"configuration,omitempty"`
	Winner        domain.Color          `json:"winner,omitempty"`
	Text          string                `json:"text,omitempty"`
}

type Server struct {
	games *games.Manager
	text  *Texts
	log   *zap.Logger
}

func NewServer(gm *games.Manager, cat *msgcat.Catalog, logger *zap.Logger) *Server {
	if logger == nil {
		logger = obslog.L()
	}
	return &Server{games: gm, text: NewTexts(cat), log: logger}
}

// Handler routes requests. It is a fasthttp.RequestHandler.
func (s *Server) Handler(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	method := string(ctx.Method())
	switch {
	case path == "/healthz":
		ctx.SetContentType("text/plain; charset=utf-8")
		ctx.SetBodyString("ok")
	case path == "/api/state" && method == fasthttp.MethodGet:
		s.state(ctx)
	case path == "/api/move" && method == fasthttp.MethodPost:
		s.move(ctx)
	case path == "/api/reset" && method == fasthttp.MethodPost:
		s.reset(ctx)
	case path == "/api/end" && method == fasthttp.MethodPost:
		s.end(ctx)
	case strings.HasPrefix(path, "/api/"):
		ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
	default:
		ctx.Error("not found", fasthttp.StatusNotFound)
	}
}

func (s *Server) state(ctx *fasthttp.RequestCtx) {
	p, ok := s.pipeline(ctx, "", false)
	if !ok {
		return
	}
	ctx.SetContentType("text/plain; charset=utf-8")
	ctx.SetBodyString(s.text.Summary(p.Snapshot(), len(p.Roster())))
}

func (s *Server) move(ctx *fasthttp.RequestCtx) {
	var req MoveRequest
	if !s.decode(ctx, &req) {
		return
	}
	p, ok := s.pipeline(ctx, req.Game, false)
	if !ok {
		return
	}
	by := strings.TrimSpace(req.By)
	if by == "" {
		by = ToolCaller
	}
	rctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	mv, err := p.SubmitMove(rctx, by, req.Move, "")
	if err != nil {
		s.reject(ctx, err, s.text.Rejected(req.Move, err))
		return
	}
	turn := domain.TurnOf(mv.Position)
	s.reply(ctx, fasthttp.StatusOK, Response{
		Result:   "accepted",
		Move:     &mv,
		Position: mv.Position,
		Turn:     turn,
		Text:     s.text.Accepted(mv),
	})
}

func (s *Server) reset(ctx *fasthttp.RequestCtx) {
	var req ResetRequest
	if !s.decode(ctx, &req) {
		return
	}
	p, ok := s.pipeline(ctx, req.Game, true)
	if !ok {
		return
	}
	var cfg domain.Configuration
	if req.Configuration != nil {
		cfg = *req.Configuration
	}
	rctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	st, err := p.Reset(rctx, cfg)
	if err != nil {
		s.reject(ctx, err, s.text.Reason(err))
		return
	}
	s.reply(ctx, fasthttp.StatusOK, Response{
		Result:        "reset",
		Position:      st.Position,
		Turn:          st.Turn(),
		Configuration: &st.Config,
		Text:          s.text.Reset(st),
	})
}

func (s *Server) end(ctx *fasthttp.RequestCtx) {
	var req EndRequest
	if !s.decode(ctx, &req) {
		return
	}
	p, ok := s.pipeline(ctx, req.Game, false)
	if !ok {
		return
	}
	rctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	out, err := p.EndGame(rctx, req.Reason, req.Winner)
	if err != nil {
		s.reject(ctx, err, s.text.Reason(err))
		return
	}
	s.reply(ctx, fasthttp.StatusOK, Response{
		Result: "ended",
		Reason: out.Reason,
		Winner: out.Winner,
		Text:   s.text.Ended(out),
	})
}

// pipeline resolves the game from the body or the game query parameter.
// Only reset may create a game; other calls on an unknown id get 404.
func (s *Server) pipeline(ctx *fasthttp.RequestCtx, id string, create bool) (*pipeline.Pipeline, bool) {
	if strings.TrimSpace(id) == "" {
		id = string(ctx.QueryArgs().Peek("game"))
	}
	var (
		p   *pipeline.Pipeline
		err error
	)
	if create {
		p, err = s.games.Get(id)
	} else {
		p, err = s.games.Find(id)
	}
	if err != nil {
		s.reject(ctx, err, s.text.Reason(err))
		return nil, false
	}
	return p, true
}

func (s *Server) decode(ctx *fasthttp.RequestCtx, v any) bool {
	body := ctx.PostBody()
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		s.reply(ctx, fasthttp.StatusBadRequest, Response{
			Result:  "rejected",
			Reason:  domain.CodeMalformedMessage,
			Message: err.Error(),
		})
		return false
	}
	return true
}

func (s *Server) reject(ctx *fasthttp.RequestCtx, err error, text string) {
	var status int
	switch {
	case domain.IsValidation(err):
		status = fasthttp.StatusUnprocessableEntity
	case domain.CodeOf(err) == domain.CodeGameClosed:
		status = fasthttp.StatusServiceUnavailable
	case domain.IsNotFound(err):
		status = fasthttp.StatusNotFound
	default:
		status = fasthttp.StatusInternalServerError
		s.log.Error("api_operation_error", zap.String("path", string(ctx.Path())), zap.Error(err))
	}
	s.reply(ctx, status, Response{
		Result:  "rejected",
		Reason:  reasonCode(err),
		Message: err.Error(),
		Text:    text,
	})
}

func (s *Server) reply(ctx *fasthttp.RequestCtx, status int, resp Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		ctx.Error("encode response", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(raw)
}

func reasonCode(err error) string {
	if code := domain.CodeOf(err); code != "" {
		return code
	}
	return "rejected"
}

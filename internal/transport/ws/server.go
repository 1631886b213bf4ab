// Package ws serves the game protocol over websocket connections.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/park285/cheese-sync/internal/domain"
	"github.com/park285/cheese-sync/internal/games"
	"github.com/park285/cheese-sync/internal/obslog"
	"github.com/park285/cheese-sync/internal/pipeline"
	"github.com/park285/cheese-sync/internal/protocol"
)

const (
	DefaultReadLimit    = 64 << 10
	DefaultJoinTimeout  = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
	leaveTimeout        = 2 * time.Second
)

type Options struct {
	ReadLimit      int64
	JoinTimeout    time.Duration
	PingInterval   time.Duration
	OriginPatterns []string
	Logger         *zap.Logger
}

type Server struct {
	games *games.Manager
	opt   Options
	log   *zap.Logger
}

func NewServer(gm *games.Manager, opt Options) *Server {
	if opt.ReadLimit <= 0 {
		opt.ReadLimit = DefaultReadLimit
	}
	if opt.JoinTimeout <= 0 {
		opt.JoinTimeout = DefaultJoinTimeout
	}
	if opt.PingInterval == 0 {
		opt.PingInterval = DefaultPingInterval
	}
	log := opt.Logger
	if log == nil {
		log = obslog.L()
	}
	return &Server{games: gm, opt: opt, log: log}
}

// ServeHTTP upgrades GET /ws?game=<id>. The first frame must be join; the
// game is created by that join, not by the upgrade.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gameID := r.URL.Query().Get("game")
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  s.opt.OriginPatterns,
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		s.log.Warn("ws_accept_error", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	c.SetReadLimit(s.opt.ReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	conn := newConn(c)

	rec, ok := s.awaitJoin(ctx, conn)
	if !ok {
		conn.Close("join timeout")
		return
	}
	p, err := s.games.Get(gameID)
	if err != nil {
		s.writeDirect(ctx, conn, protocol.NewRejected(err, ""))
		conn.Close(reasonShutdown)
		return
	}
	_, res, err := p.Join(ctx, rec, conn)
	if err != nil {
		conn.Close(reasonShutdown)
		return
	}
	rec = res.Record
	log := s.log.With(zap.String("game_id", p.ID()), zap.String("connection_id", rec.ConnectionID))

	go conn.pingLoop(ctx, s.opt.PingInterval)
	s.readLoop(ctx, p, conn, rec, log)

	lctx, lcancel := context.WithTimeout(context.Background(), leaveTimeout)
	p.Leave(lctx, conn)
	lcancel()
	conn.Close("")
}

// awaitJoin reads frames until a join arrives. Other frames are answered
// with a rejection directly, since the hub does not own the connection yet.
func (s *Server) awaitJoin(ctx context.Context, conn *Conn) (domain.ConnectionRecord, bool) {
	jctx, cancel := context.WithTimeout(ctx, s.opt.JoinTimeout)
	defer cancel()
	for {
		_, raw, err := conn.ws.Read(jctx)
		if err != nil {
			return domain.ConnectionRecord{}, false
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			s.writeDirect(jctx, conn, protocol.NewRejected(err, ""))
			continue
		}
		if j, ok := msg.(protocol.Join); ok {
			return domain.ConnectionRecord{ConnectionID: j.ConnectionID, DisplayLabel: j.DisplayLabel}, true
		}
		s.writeDirect(jctx, conn, protocol.NewRejected(domain.Validation(domain.CodeNotJoined, "join first"), requestID(msg)))
	}
}

func (s *Server) readLoop(ctx context.Context, p *pipeline.Pipeline, conn *Conn, rec domain.ConnectionRecord, log *zap.Logger) {
	for {
		_, raw, err := conn.ws.Read(ctx)
		if err != nil {
			if st := websocket.CloseStatus(err); st == websocket.StatusNormalClosure || st == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				log.Debug("ws_closed", zap.Int("status", int(st)))
			} else {
				log.Info("ws_read_error", zap.Error(domain.Transport(err)))
			}
			return
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			p.Reply(conn, protocol.NewRejected(err, ""))
			continue
		}
		s.dispatch(ctx, p, conn, rec, msg)
	}
}

func (s *Server) dispatch(ctx context.Context, p *pipeline.Pipeline, conn *Conn, rec domain.ConnectionRecord, msg protocol.Inbound) {
	switch m := msg.(type) {
	case protocol.SubmitMove:
		if _, err := p.SubmitMove(ctx, rec.ConnectionID, m.Move, m.ResultingPositionHint); err != nil {
			p.Reply(conn, protocol.NewRejected(err, m.RequestID))
		}
	case protocol.Reset:
		var cfg domain.Configuration
		if m.Configuration != nil {
			cfg = *m.Configuration
		}
		if _, err := p.Reset(ctx, cfg); err != nil {
			p.Reply(conn, protocol.NewRejected(err, m.RequestID))
		}
	case protocol.EndGame:
		if _, err := p.EndGame(ctx, m.Reason, m.Winner); err != nil {
			p.Reply(conn, protocol.NewRejected(err, m.RequestID))
		}
	case protocol.Ping:
		p.Reply(conn, protocol.NewPong())
	case protocol.Join:
		// already joined; treat as a request to reconcile
		p.Resync(conn)
	}
}

func (s *Server) writeDirect(ctx context.Context, conn *Conn, msg protocol.Outbound) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := conn.Send(ctx, payload); err != nil {
		s.log.Debug("ws_direct_write_error", zap.Error(err))
	}
}

func requestID(msg protocol.Inbound) string {
	switch m := msg.(type) {
	case protocol.SubmitMove:
		return strings.TrimSpace(m.RequestID)
	case protocol.Reset:
		return strings.TrimSpace(m.RequestID)
	case protocol.EndGame:
		return strings.TrimSpace(m.RequestID)
	}
	return ""
}

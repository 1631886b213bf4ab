package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-sync/internal/domain"
	"github.com/park285/cheese-sync/internal/obslog"
	"github.com/park285/cheese-sync/internal/protocol"
)

const (
	defaultOutboxSize   = 64
	minOutboxSize       = 4
	defaultWriteTimeout = 5 * time.Second
)

var ErrHubClosed = errors.New("hub closed")

type Options struct {
	GameID       string
	OutboxSize   int
	WriteTimeout time.Duration
	Logger       *zap.Logger
	Now          func() time.Time
}

type JoinResult struct {
	Record   domain.ConnectionRecord
	Roster   []domain.ConnectionRecord
	Replaced bool
	Err      error
}

type LeaveResult struct {
	Record domain.ConnectionRecord
	OK     bool
}

type cmdKind int

const (
	cmdPublish cmdKind = iota
	cmdJoin
	cmdLeave
	cmdEvict
	cmdDirect
	cmdResync
	cmdBarrier
)

type command struct {
	kind    cmdKind
	msg     protocol.Outbound
	exclude Handle
	handle  Handle
	rec     domain.ConnectionRecord
	state   *domain.GameState
	reason  string
	joined  chan JoinResult
	left    chan LeaveResult
	barrier chan struct{}
}

// Hub delivers events to every connection of one game.
//
// Callers enqueue commands without blocking; a single dispatcher goroutine
// applies them in order. Each event is marshaled once and copied into the
// per-connection outboxes, so every connection observes the same sequence.
// Join and Leave travel through the same queue, which makes the snapshot a
// joiner receives line up exactly with the events that follow it.
type Hub struct {
	gameID   string
	registry *Registry
	outboxes map[Handle]*outbox
	size     int
	timeout  time.Duration
	log      *zap.Logger
	now      func() time.Time

	qmu    sync.Mutex
	queue  []command
	closed bool
	signal chan struct{}
	done   chan struct{}
}

func NewHub(opt Options) *Hub {
	size := opt.OutboxSize
	if size <= 0 {
		size = defaultOutboxSize
	}
	if size < minOutboxSize {
		size = minOutboxSize
	}
	timeout := opt.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	log := opt.Logger
	if log == nil {
		log = obslog.L()
	}
	now := opt.Now
	if now == nil {
		now = time.Now
	}
	h := &Hub{
		gameID:   opt.GameID,
		registry: NewRegistry(),
		outboxes: make(map[Handle]*outbox),
		size:     size,
		timeout:  timeout,
		log:      log,
		now:      now,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Hub) Registry() *Registry { return h.registry }

// Publish queues msg for every connection except exclude (which may be nil).
func (h *Hub) Publish(msg protocol.Outbound, exclude Handle) {
	h.push(command{kind: cmdPublish, msg: msg, exclude: exclude})
}

// Send queues msg for handle alone. It is dropped when handle has not joined.
func (h *Hub) Send(handle Handle, msg protocol.Outbound) {
	h.push(command{kind: cmdDirect, msg: msg, handle: handle})
}

// Resync queues a state_snapshot of state for handle alone. The roster is
// read by the dispatcher, in order with queued joins and leaves.
func (h *Hub) Resync(handle Handle, state *domain.GameState) {
	h.push(command{kind: cmdResync, handle: handle, state: state})
}

// Join queues a registration. The joiner receives state_snapshot and roster
// before any later event; the others receive participant_joined.
func (h *Hub) Join(rec domain.ConnectionRecord, handle Handle, state *domain.GameState) <-chan JoinResult {
	reply := make(chan JoinResult, 1)
	if !h.push(command{kind: cmdJoin, rec: rec, handle: handle, state: state, joined: reply}) {
		reply <- JoinResult{Err: ErrHubClosed}
	}
	return reply
}

// Leave queues removal of handle. The transport is not closed.
func (h *Hub) Leave(handle Handle) <-chan LeaveResult {
	reply := make(chan LeaveResult, 1)
	if !h.push(command{kind: cmdLeave, handle: handle, left: reply}) {
		reply <- LeaveResult{}
	}
	return reply
}

// Flush waits until every command queued before the call has been applied.
func (h *Hub) Flush(ctx context.Context) error {
	b := make(chan struct{})
	if !h.push(command{kind: cmdBarrier, barrier: b}) {
		return ErrHubClosed
	}
	select {
	case <-b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue, stops every outbox and closes every transport.
func (h *Hub) Close() {
	h.qmu.Lock()
	if h.closed {
		h.qmu.Unlock()
		<-h.done
		return
	}
	h.closed = true
	h.qmu.Unlock()
	h.wake()
	<-h.done
}

func (h *Hub) push(c command) bool {
	h.qmu.Lock()
	if h.closed {
		h.qmu.Unlock()
		return false
	}
	h.queue = append(h.queue, c)
	h.qmu.Unlock()
	h.wake()
	return true
}

func (h *Hub) wake() {
	select {
	case h.signal <- struct{}{}:
	default:
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	for range h.signal {
		h.qmu.Lock()
		batch := h.queue
		h.queue = nil
		closed := h.closed
		h.qmu.Unlock()

		for _, c := range batch {
			h.apply(c)
		}
		if closed {
			h.shutdown()
			return
		}
	}
}

func (h *Hub) apply(c command) {
	switch c.kind {
	case cmdPublish:
		h.broadcast(c.msg, c.exclude)
	case cmdJoin:
		c.joined <- h.join(c)
	case cmdLeave:
		rec, ok := h.detach(c.handle)
		if ok {
			h.log.Info("participant_leave",
				zap.String("game_id", h.gameID),
				zap.String("connection_id", rec.ConnectionID),
			)
			h.broadcast(protocol.NewParticipantLeft(rec), nil)
		}
		c.left <- LeaveResult{Record: rec, OK: ok}
	case cmdEvict:
		h.evict(c.handle, c.reason)
	case cmdDirect:
		if ob := h.outboxes[c.handle]; ob != nil {
			h.deliver(ob, c.msg)
		}
	case cmdResync:
		if ob := h.outboxes[c.handle]; ob != nil {
			h.deliver(ob, protocol.NewStateSnapshot(c.state, h.registry.ListActive()))
		}
	case cmdBarrier:
		close(c.barrier)
	}
}

func (h *Hub) join(c command) JoinResult {
	rec := c.rec
	if rec.JoinedAt.IsZero() {
		rec.JoinedAt = h.now()
	}
	prior, replaced := h.registry.Join(rec, c.handle)
	if replaced && prior != nil && prior != c.handle {
		if ob := h.outboxes[prior]; ob != nil {
			ob.stop()
			delete(h.outboxes, prior)
		}
		prior.Close("replaced by reconnect")
	}
	ob := h.outboxes[c.handle]
	if ob == nil {
		ob = newOutbox(c.handle, h.size, h.timeout, h.onWriteFail)
		h.outboxes[c.handle] = ob
	}

	roster := h.registry.ListActive()
	if c.state != nil {
		h.deliver(ob, protocol.NewStateSnapshot(c.state, roster))
	}
	h.deliver(ob, protocol.NewRoster(roster))
	if !replaced {
		h.broadcast(protocol.NewParticipantJoined(rec), c.handle)
	}
	h.log.Info("participant_join",
		zap.String("game_id", h.gameID),
		zap.String("connection_id", rec.ConnectionID),
		zap.Bool("reconnect", replaced),
		zap.Int("participants", len(roster)),
	)
	return JoinResult{Record: rec, Roster: roster, Replaced: replaced}
}

func (h *Hub) deliver(ob *outbox, msg protocol.Outbound) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("hub_marshal_error", zap.String("game_id", h.gameID), zap.String("kind", string(msg.Kind())), zap.Error(err))
		return
	}
	if !ob.enqueue(payload) {
		h.evict(ob.handle, "outbox full")
	}
}

func (h *Hub) broadcast(msg protocol.Outbound, exclude Handle) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("hub_marshal_error", zap.String("game_id", h.gameID), zap.String("kind", string(msg.Kind())), zap.Error(err))
		return
	}
	var slow []Handle
	for _, e := range h.registry.ordered() {
		if exclude != nil && e.handle == exclude {
			continue
		}
		ob := h.outboxes[e.handle]
		if ob == nil {
			continue
		}
		if !ob.enqueue(payload) {
			slow = append(slow, e.handle)
		}
	}
	for _, s := range slow {
		h.evict(s, "outbox full")
	}
}

// evict removes a connection whose transport failed and tells the others.
func (h *Hub) evict(handle Handle, reason string) {
	rec, ok := h.detach(handle)
	handle.Close(reason)
	if !ok {
		return
	}
	h.log.Warn("participant_evict",
		zap.String("game_id", h.gameID),
		zap.String("connection_id", rec.ConnectionID),
		zap.String("reason", reason),
	)
	h.broadcast(protocol.NewParticipantLeft(rec), nil)
}

func (h *Hub) detach(handle Handle) (domain.ConnectionRecord, bool) {
	rec, ok := h.registry.Leave(handle)
	if ob := h.outboxes[handle]; ob != nil {
		ob.stop()
		delete(h.outboxes, handle)
	}
	return rec, ok
}

func (h *Hub) onWriteFail(handle Handle, err error) {
	h.log.Warn("participant_write_error",
		zap.String("game_id", h.gameID),
		zap.Error(domain.Transport(err)),
	)
	h.push(command{kind: cmdEvict, handle: handle, reason: "write failed"})
}

func (h *Hub) shutdown() {
	for _, e := range h.registry.ordered() {
		h.detach(e.handle)
		e.handle.Close("server shutdown")
	}
}

// Package games keeps one pipeline per game id.
package games

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/park285/cheese-sync/internal/domain"
	"github.com/park285/cheese-sync/internal/obslog"
	"github.com/park285/cheese-sync/internal/pipeline"
	"github.com/park285/cheese-sync/internal/store"
)

var ErrClosed = domain.NotFound(domain.CodeGameClosed, "game manager closed")

type Manager struct {
	defaultID string
	template  pipeline.Options
	log       *zap.Logger

	mu     sync.Mutex
	games  map[string]*pipeline.Pipeline
	closed bool
}

// NewManager builds pipelines from template. GameID in template is ignored.
func NewManager(defaultID string, template pipeline.Options) *Manager {
	log := template.Logger
	if log == nil {
		log = obslog.L()
	}
	defaultID = strings.TrimSpace(defaultID)
	if defaultID == "" {
		defaultID = "default"
	}
	return &Manager{
		defaultID: defaultID,
		template:  template,
		log:       log,
		games:     make(map[string]*pipeline.Pipeline),
	}
}

func (m *Manager) DefaultID() string { return m.defaultID }

// Get returns the pipeline for id, creating a fresh game on first use.
// An empty id selects the default game.
func (m *Manager) Get(id string) (*pipeline.Pipeline, error) {
	id = m.normalize(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if p, ok := m.games[id]; ok {
		return p, nil
	}
	p := pipeline.New(m.options(id))
	m.games[id] = p
	m.log.Info("game_create", zap.String("game_id", id))
	return p, nil
}

// Find returns an existing pipeline. Only the default game is created on
// demand; any other unknown id fails with CodeUnknownGame.
func (m *Manager) Find(id string) (*pipeline.Pipeline, error) {
	id = m.normalize(id)
	if id == m.defaultID {
		return m.Get(id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if p, ok := m.games[id]; ok {
		return p, nil
	}
	return nil, domain.NotFound(domain.CodeUnknownGame, fmt.Sprintf("no game %q", id))
}

// Lookup returns the pipeline for id without creating one.
func (m *Manager) Lookup(id string) (*pipeline.Pipeline, bool) {
	id = m.normalize(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.games[id]
	return p, ok
}

// List returns every live pipeline ordered by game id.
func (m *Manager) List() []*pipeline.Pipeline {
	m.mu.Lock()
	out := make([]*pipeline.Pipeline, 0, len(m.games))
	for _, p := range m.games {
		out = append(out, p)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Recover loads every stored record once. Active records resume as they
// were saved; ended ones are left for a fresh game on first use. An
// unsupported schema aborts recovery.
func (m *Manager) Recover(ctx context.Context, st store.Store) (int, error) {
	ids, err := st.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list snapshots: %w", err)
	}
	restored := 0
	for _, id := range ids {
		rec, err := st.Load(ctx, id)
		switch {
		case errors.Is(err, store.ErrUnsupportedSchema):
			return restored, fmt.Errorf("recover %s: %w", id, err)
		case errors.Is(err, store.ErrInvalidRecord):
			m.log.Warn("game_recover_skip", zap.String("game_id", id), zap.Error(err))
			continue
		case err != nil:
			return restored, fmt.Errorf("recover %s: %w", id, domain.Persistence(err))
		case rec == nil:
			continue
		}
		if !rec.Active {
			m.log.Info("game_recover_inactive", zap.String("game_id", id))
			continue
		}
		if err := m.restore(rec.State()); err != nil {
			return restored, err
		}
		restored++
	}
	m.log.Info("game_recover_done", zap.Int("stored", len(ids)), zap.Int("restored", restored))
	return restored, nil
}

func (m *Manager) restore(s *domain.GameState) error {
	id := m.normalize(s.GameID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if old, ok := m.games[id]; ok {
		old.Close()
	}
	m.games[id] = pipeline.Restore(m.options(id), s)
	m.log.Info("game_restore",
		zap.String("game_id", id),
		zap.Int("ply", s.Ply()),
		zap.String("phase", string(s.Phase)),
	)
	return nil
}

// Close stops every pipeline. Later Get calls fail with ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	list := make([]*pipeline.Pipeline, 0, len(m.games))
	for _, p := range m.games {
		list = append(list, p)
	}
	m.mu.Unlock()
	for _, p := range list {
		p.Close()
	}
}

func (m *Manager) options(id string) pipeline.Options {
	opt := m.template
	opt.GameID = id
	opt.Logger = m.log
	return opt
}

func (m *Manager) normalize(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return m.defaultID
	}
	return id
}

// Package persist snapshots live games to the store on a timer and retires
// games nobody has touched for a while.
package persist

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-sync/internal/domain"
	"github.com/park285/cheese-sync/internal/obslog"
	"github.com/park285/cheese-sync/internal/pipeline"
	"github.com/park285/cheese-sync/internal/store"
)

const (
	DefaultSnapshotInterval = 30 * time.Second
	DefaultCleanupInterval  = time.Hour
	DefaultInactivityWindow = 24 * time.Hour
	DefaultMaxFailures      = 5
)

// Source lists the games to persist.
type Source interface {
	List() []*pipeline.Pipeline
}

type Options struct {
	SnapshotInterval time.Duration
	CleanupInterval  time.Duration
	InactivityWindow time.Duration
	// MaxFailures consecutive failed snapshot passes trigger OnFatal.
	MaxFailures int
	OnFatal     func(error)
	Logger      *zap.Logger
	Now         func() time.Time
}

type Manager struct {
	store store.Store
	games Source
	opt   Options
	log   *zap.Logger

	pass     sync.Mutex
	failures int
	fatal    sync.Once

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(st store.Store, games Source, opt Options) *Manager {
	if opt.SnapshotInterval <= 0 {
		opt.SnapshotInterval = DefaultSnapshotInterval
	}
	if opt.CleanupInterval <= 0 {
		opt.CleanupInterval = DefaultCleanupInterval
	}
	if opt.InactivityWindow <= 0 {
		opt.InactivityWindow = DefaultInactivityWindow
	}
	if opt.MaxFailures <= 0 {
		opt.MaxFailures = DefaultMaxFailures
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	log := opt.Logger
	if log == nil {
		log = obslog.L()
	}
	return &Manager{store: st, games: games, opt: opt, log: log}
}

// Start runs the snapshot and sweep timers until Stop or ctx ends.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		m.cancel = cancel
		m.done = make(chan struct{})
		go m.run(ctx)
		m.log.Info("persist_start",
			zap.Duration("snapshot_interval", m.opt.SnapshotInterval),
			zap.Duration("cleanup_interval", m.opt.CleanupInterval),
			zap.Duration("inactivity_window", m.opt.InactivityWindow),
		)
	})
}

// Stop halts the timers and writes one final snapshot of every dirty game.
func (m *Manager) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
			<-m.done
		}
		err = m.SnapshotNow(ctx)
		if err != nil {
			m.log.Error("persist_final_snapshot_error", zap.Error(err))
			return
		}
		m.log.Info("persist_stop")
	})
	return err
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	snap := time.NewTicker(m.opt.SnapshotInterval)
	defer snap.Stop()
	sweep := time.NewTicker(m.opt.CleanupInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-snap.C:
			_ = m.SnapshotNow(ctx)
		case <-sweep.C:
			_, _ = m.Sweep(ctx, m.opt.Now())
		}
	}
}

// SnapshotNow saves every game changed since its last successful save.
func (m *Manager) SnapshotNow(ctx context.Context) error {
	m.pass.Lock()
	defer m.pass.Unlock()

	var (
		errs  []error
		saved int
	)
	for _, p := range m.games.List() {
		st, version, dirty := p.Checkpoint()
		if !dirty {
			continue
		}
		if err := m.store.Save(ctx, store.FromState(st, m.opt.Now())); err != nil {
			m.log.Warn("snapshot_save_error", zap.String("game_id", p.ID()), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		p.MarkPersisted(version)
		saved++
	}

	if len(errs) == 0 {
		m.failures = 0
		if saved > 0 {
			m.log.Debug("snapshot_pass", zap.Int("saved", saved))
		}
		return nil
	}

	err := domain.Persistence(errors.Join(errs...))
	m.failures++
	m.log.Error("snapshot_pass_failed",
		zap.Int("failed", len(errs)),
		zap.Int("consecutive", m.failures),
		zap.Error(err),
	)
	if m.failures >= m.opt.MaxFailures && m.opt.OnFatal != nil {
		m.fatal.Do(func() { m.opt.OnFatal(err) })
	}
	return err
}

// Sweep retires games idle longer than the inactivity window and snapshots
// them right away. It returns the number of games retired.
func (m *Manager) Sweep(ctx context.Context, now time.Time) (int, error) {
	retired := 0
	for _, p := range m.games.List() {
		if p.RetireIfInactive(now, m.opt.InactivityWindow) {
			retired++
		}
	}
	if retired == 0 {
		return 0, nil
	}
	m.log.Info("inactivity_sweep", zap.Int("retired", retired))
	return retired, m.SnapshotNow(ctx)
}

// Failures reports the current count of consecutive failed passes.
func (m *Manager) Failures() int {
	m.pass.Lock()
	defer m.pass.Unlock()
	return m.failures
}

package uci

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
)

type PoolConfig struct {
	BinaryPath string
	// Capacity bounds live sessions per distinct Options value.
	Capacity int
}

// Pool reuses engine processes. Sessions are bucketed by Options so a
// returned session never needs to be reconfigured.
type Pool struct {
	binaryPath string
	capacity   int

	mu       sync.Mutex
	buckets  map[string]*bucket
	sessions map[*Session]*bucket
}

var errBucketAtCapacity = errors.New("session bucket at capacity")

func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.BinaryPath == "" {
		return nil, fmt.Errorf("binary path required")
	}
	if _, err := os.Stat(cfg.BinaryPath); err != nil {
		return nil, fmt.Errorf("stockfish binary check: %w", err)
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity()
	}
	return &Pool{
		binaryPath: cfg.BinaryPath,
		capacity:   capacity,
		buckets:    make(map[string]*bucket),
		sessions:   make(map[*Session]*bucket),
	}, nil
}

// Acquire returns an idle session for opt, starting one when the bucket has
// room, or waits for a release.
func (p *Pool) Acquire(ctx context.Context, opt Options) (*Session, error) {
	b := p.bucketFor(opt)
	for {
		select {
		case s := <-b.idle:
			if p.ready(ctx, s, b) {
				return s, nil
			}
			continue
		default:
		}

		s, err := b.create(ctx)
		if err == nil {
			p.track(s, b)
			return s, nil
		}
		if !errors.Is(err, errBucketAtCapacity) {
			return nil, err
		}

		select {
		case s := <-b.idle:
			if p.ready(ctx, s, b) {
				return s, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release returns s to its bucket. A non-nil err discards the session.
func (p *Pool) Release(s *Session, err error) {
	if s == nil {
		return
	}
	p.mu.Lock()
	b, ok := p.sessions[s]
	if !ok {
		p.mu.Unlock()
		_ = s.Close()
		return
	}
	if err != nil {
		delete(p.sessions, s)
		p.mu.Unlock()
		b.discard(s)
		return
	}
	p.mu.Unlock()

	if !b.put(s) {
		p.mu.Lock()
		delete(p.sessions, s)
		p.mu.Unlock()
		b.discard(s)
	}
}

func (p *Pool) Close() error {
	p.mu.Lock()
	buckets := make([]*bucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		buckets = append(buckets, b)
	}
	p.sessions = make(map[*Session]*bucket)
	p.mu.Unlock()

	var errs []error
	for _, b := range buckets {
		errs = append(errs, b.drain()...)
	}
	return errors.Join(errs...)
}

func (p *Pool) ready(ctx context.Context, s *Session, b *bucket) bool {
	if s == nil {
		return false
	}
	if err := s.EnsureReady(ctx); err != nil {
		p.mu.Lock()
		delete(p.sessions, s)
		p.mu.Unlock()
		b.discard(s)
		return false
	}
	p.track(s, b)
	return true
}

func (p *Pool) track(s *Session, b *bucket) {
	p.mu.Lock()
	p.sessions[s] = b
	p.mu.Unlock()
}

func (p *Pool) bucketFor(opt Options) *bucket {
	key := optionsKey(opt)
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[key]
	if !ok {
		b = newBucket(p.binaryPath, opt, p.capacity)
		p.buckets[key] = b
	}
	return b
}

type bucket struct {
	opt        Options
	capacity   int
	binaryPath string

	mu    sync.Mutex
	total int
	idle  chan *Session
}

func newBucket(binaryPath string, opt Options, capacity int) *bucket {
	if capacity <= 0 {
		capacity = 1
	}
	return &bucket{
		opt:        opt,
		capacity:   capacity,
		binaryPath: binaryPath,
		idle:       make(chan *Session, capacity),
	}
}

func (b *bucket) create(ctx context.Context) (*Session, error) {
	b.mu.Lock()
	if b.total >= b.capacity {
		b.mu.Unlock()
		return nil, errBucketAtCapacity
	}
	b.total++
	b.mu.Unlock()

	s, err := NewSession(ctx, b.binaryPath, b.opt)
	if err != nil {
		b.decrement()
		return nil, err
	}
	return s, nil
}

func (b *bucket) put(s *Session) bool {
	select {
	case b.idle <- s:
		return true
	default:
		return false
	}
}

func (b *bucket) discard(s *Session) {
	if s != nil {
		_ = s.Close()
	}
	b.decrement()
}

func (b *bucket) drain() []error {
	var errs []error
	for {
		select {
		case s := <-b.idle:
			if s == nil {
				continue
			}
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
			b.decrement()
		default:
			return errs
		}
	}
}

func (b *bucket) decrement() {
	b.mu.Lock()
	if b.total > 0 {
		b.total--
	}
	b.mu.Unlock()
}

func optionsKey(opt Options) string {
	return fmt.Sprintf("thr=%d|skill=%d|hash=%d", opt.Threads, opt.SkillLevel, opt.HashMB)
}

func defaultCapacity() int {
	cpu := runtime.NumCPU()
	if cpu < 2 {
		return 2
	}
	if cpu > 4 {
		return 4
	}
	return cpu
}

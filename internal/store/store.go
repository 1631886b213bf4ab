// Package store persists game snapshots. It holds no business logic: records
// are written and read back as-is, keyed by game id.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Store is the durable key-value boundary for game records.
type Store interface {
	// Load returns nil, nil when no record exists for gameID.
	Load(ctx context.Context, gameID string) (*Record, error)
	Save(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, gameID string) error
	// List returns stored game ids in ascending order.
	List(ctx context.Context) ([]string, error)
	Close() error
}

const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
)

type Options struct {
	Driver     string
	RedisURL   string
	KeyTTL     time.Duration
	SQLitePath string
}

// Open selects a backend by driver name.
func Open(ctx context.Context, opt Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opt.Driver)) {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverRedis:
		return NewRedis(ctx, opt.RedisURL, opt.KeyTTL)
	case DriverSQLite:
		return OpenSQLite(opt.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opt.Driver)
	}
}

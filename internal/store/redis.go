package store

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	gameKeyPrefix = "sync:game:"
	gameIndexKey  = "sync:games"
)

// Redis stores each record as JSON under sync:game:<id> and tracks ids in a set.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis connects using a redis:// or rediss:// URL. ttl <= 0 keeps keys forever.
func NewRedis(ctx context.Context, redisURL string, ttl time.Duration) (*Redis, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for redis store")
	}
	opts, err := ParseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{rdb: rdb, ttl: ttl}, nil
}

func (s *Redis) Load(ctx context.Context, gameID string) (*Record, error) {
	raw, err := s.rdb.Get(ctx, gameKey(gameID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", gameID, err)
	}
	return Decode(raw)
}

// Save writes the record and its index entry in one MULTI block.
func (s *Redis) Save(ctx context.Context, rec *Record) error {
	raw, err := Encode(rec)
	if err != nil {
		return err
	}
	id := strings.TrimSpace(rec.GameID)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, gameKey(id), raw, s.ttl)
		pipe.SAdd(ctx, gameIndexKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save %s: %w", id, err)
	}
	return nil
}

func (s *Redis) Delete(ctx context.Context, gameID string) error {
	id := strings.TrimSpace(gameID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, gameKey(id))
		pipe.SRem(ctx, gameIndexKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", id, err)
	}
	return nil
}

// List returns indexed ids whose record still exists. Index entries left
// behind by expired keys are pruned.
func (s *Redis) List(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, gameIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		n, err := s.rdb.Exists(ctx, gameKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis exists %s: %w", id, err)
		}
		if n == 0 {
			_ = s.rdb.SRem(ctx, gameIndexKey, id).Err()
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Redis) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func gameKey(id string) string { return gameKeyPrefix + strings.TrimSpace(id) }

// ParseRedisURL converts redis://[:password@]host:port[/db] into client options.
func ParseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redis db %q", p)
		}
		db = n
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Username: u.User.Username(), Password: pass, DB: db}, nil
}

package statuscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "goalclip:status:"

// RedisMirror stores records as JSON strings. A nil client bypasses the mirror.
type RedisMirror struct {
	client *redis.Client
	logger *zap.Logger

	warnedUnavailable atomic.Bool
}

// NewRedisMirror pings addr and returns a mirror; when redis is unreachable the
// mirror is returned in bypass mode.
func NewRedisMirror(ctx context.Context, opts *redis.Options, logger *zap.Logger) *RedisMirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("redis_mirror")
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, bypassing status mirror", zap.String("addr", opts.Addr), zap.Error(err))
		_ = client.Close()
		return &RedisMirror{logger: logger}
	}
	return &RedisMirror{client: client, logger: logger}
}

func (r *RedisMirror) isUnavailable() bool {
	return r == nil || r.client == nil
}

func (r *RedisMirror) warnUnavailableOnce(err error) {
	if r.warnedUnavailable.CompareAndSwap(false, true) {
		r.logger.Warn("redis mirror degraded", zap.Error(err))
	}
}

// Load reads the record for key.
func (r *RedisMirror) Load(ctx context.Context, key string) (Record, bool, error) {
	if r.isUnavailable() {
		return Record{}, false, nil
	}
	b, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, false, nil
		}
		r.warnUnavailableOnce(err)
		return Record{}, false, fmt.Errorf("redis get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode record: %w", err)
	}
	return rec, true, nil
}

// Store writes the record for key with ttl.
func (r *RedisMirror) Store(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	if r.isUnavailable() {
		return nil
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := r.client.Set(ctx, redisKeyPrefix+key, b, ttl).Err(); err != nil {
		r.warnUnavailableOnce(err)
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close releases the client.
func (r *RedisMirror) Close() error {
	if r.isUnavailable() {
		return nil
	}
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

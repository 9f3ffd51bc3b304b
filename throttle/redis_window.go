package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// redisOpTimeout bounds each window operation so a slow redis cannot stall
// an admission decision.
const redisOpTimeout = 250 * time.Millisecond

// RedisWindow is a TokenWindow shared across processes through a redis
// key per minute bucket. Several workers throttling against the same
// upstream credential can then enforce one common TPM budget.
//
// Redis failures degrade to fail-open: the projected sum reads as zero and
// additions are dropped, so a redis outage loosens throttling instead of
// blocking traffic. Failures are logged at debug level.
type RedisWindow struct {
	client redis.UniversalClient
	// prefix namespaces the window keys, typically the backend name.
	prefix string
	logger *zap.Logger
}

// NewRedisWindow creates a RedisWindow on the given client. The prefix
// must be unique per rate-limit domain.
func NewRedisWindow(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisWindow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisWindow{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "redis_window")),
	}
}

// key returns the redis key for the minute bucket containing now.
func (w *RedisWindow) key(now time.Time) string {
	return fmt.Sprintf("paceflow:tpm:%s:%d", w.prefix, now.Unix()/60)
}

// Projected implements TokenWindow.
func (w *RedisWindow) Projected(now time.Time, estimated int) int64 {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	sum, err := w.client.Get(ctx, w.key(now)).Int64()
	if err != nil && err != redis.Nil {
		w.logger.Debug("window read failed, failing open", zap.Error(err))
		return int64(estimated)
	}
	return sum + int64(estimated)
}

// Add implements TokenWindow. The bucket expires after two minutes, one
// minute past its own window, so stale buckets clean themselves up.
func (w *RedisWindow) Add(now time.Time, tokens int) {
	if tokens <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	key := w.key(now)
	pipe := w.client.TxPipeline()
	pipe.IncrBy(ctx, key, int64(tokens))
	pipe.Expire(ctx, key, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		w.logger.Debug("window add failed", zap.Error(err))
	}
}

// RollWait implements TokenWindow.
func (w *RedisWindow) RollWait(now time.Time) time.Duration {
	return now.Truncate(time.Minute).Add(time.Minute).Sub(now)
}

// Reset implements TokenWindow. Only the current bucket is deleted; past
// buckets expire on their own.
func (w *RedisWindow) Reset() {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := w.client.Del(ctx, w.key(time.Now())).Err(); err != nil {
		w.logger.Debug("window reset failed", zap.Error(err))
	}
}

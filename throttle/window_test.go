package throttle

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestFixedWindow_AccumulateAndRoll(t *testing.T) {
	w := NewFixedWindow()
	now := time.Date(2026, 8, 24, 10, 0, 30, 0, time.UTC)

	assert.Equal(t, int64(500), w.Projected(now, 500))

	w.Add(now, 500)
	w.Add(now.Add(10*time.Second), 300)
	assert.Equal(t, int64(900), w.Projected(now.Add(20*time.Second), 100))

	// Crossing the minute boundary discards the accumulator.
	next := now.Add(time.Minute)
	assert.Equal(t, int64(100), w.Projected(next, 100))
}

func TestFixedWindow_RollWait(t *testing.T) {
	w := NewFixedWindow()

	at30 := time.Date(2026, 8, 24, 10, 0, 30, 0, time.UTC)
	assert.Equal(t, 30*time.Second, w.RollWait(at30))

	atBoundary := time.Date(2026, 8, 24, 10, 1, 0, 0, time.UTC)
	assert.Equal(t, time.Minute, w.RollWait(atBoundary))
}

func TestFixedWindow_IgnoresNonPositive(t *testing.T) {
	w := NewFixedWindow()
	now := time.Now()
	w.Add(now, 0)
	w.Add(now, -5)
	assert.Equal(t, int64(0), w.Projected(now, 0))
}

func TestFixedWindow_Reset(t *testing.T) {
	w := NewFixedWindow()
	now := time.Now()
	w.Add(now, 1000)
	w.Reset()
	assert.Equal(t, int64(0), w.Projected(now, 0))
}

func TestRedisWindow_SharedAccumulation(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2026, 8, 24, 10, 0, 30, 0, time.UTC)

	// Two windows with the same prefix see each other's usage.
	a := NewRedisWindow(client, "openai", zaptest.NewLogger(t))
	b := NewRedisWindow(client, "openai", zaptest.NewLogger(t))

	a.Add(now, 400)
	b.Add(now, 200)
	assert.Equal(t, int64(700), a.Projected(now, 100))
	assert.Equal(t, int64(700), b.Projected(now, 100))

	// A different prefix is a separate rate-limit domain.
	other := NewRedisWindow(client, "anthropic", zaptest.NewLogger(t))
	assert.Equal(t, int64(100), other.Projected(now, 100))
}

func TestRedisWindow_BucketPerMinute(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	w := NewRedisWindow(client, "openai", zaptest.NewLogger(t))
	now := time.Date(2026, 8, 24, 10, 0, 30, 0, time.UTC)

	w.Add(now, 500)
	// The next minute starts from a fresh bucket.
	assert.Equal(t, int64(0), w.Projected(now.Add(time.Minute), 0))

	// Buckets carry a TTL so stale minutes clean themselves up.
	ttl := client.TTL(t.Context(), w.key(now)).Val()
	require.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 2*time.Minute)
}

func TestRedisWindow_FailsOpen(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	w := NewRedisWindow(client, "openai", zaptest.NewLogger(t))
	now := time.Now()
	w.Add(now, 500)

	srv.Close()

	// With redis gone the projection degrades to the estimate alone.
	assert.Equal(t, int64(100), w.Projected(now, 100))
	w.Add(now, 100) // must not panic
}

package breaker

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platefinder/placegw/internal/config"
	"github.com/platefinder/placegw/internal/redis"
)

var testLogger = slog.Default()

func newTestRedisClient(t *testing.T) (redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(config.RedisConfig{
		Endpoints: []string{mr.Addr()},
		Mode:      config.RedisModeSingle,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, mr
}

// newTestBreaker returns a breaker with an adjustable clock.
func newTestBreaker(t *testing.T, threshold int, coolDown, maxBackoff time.Duration) (*Breaker, *time.Time) {
	t.Helper()
	client, _ := newTestRedisClient(t)
	b := New(client, threshold, coolDown, maxBackoff, testLogger)
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerAllow(t *testing.T) {
	t.Run("allows when no failures recorded", func(t *testing.T) {
		b, _ := newTestBreaker(t, 3, 30*time.Second, 10*time.Minute)

		d, err := b.Allow(context.Background(), "media")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.False(t, d.Probe)
		assert.Equal(t, StateClosed, d.State)
	})

	t.Run("stays closed below the failure threshold", func(t *testing.T) {
		b, _ := newTestBreaker(t, 3, 30*time.Second, 10*time.Minute)
		ctx := context.Background()

		for i := 0; i < 2; i++ {
			opened, err := b.RecordFailure(ctx, "media")
			require.NoError(t, err)
			assert.False(t, opened)
		}

		d, err := b.Allow(ctx, "media")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, StateClosed, d.State)
		assert.Equal(t, 2, d.Failures)
	})

	t.Run("opens at the failure threshold", func(t *testing.T) {
		b, _ := newTestBreaker(t, 3, 30*time.Second, 10*time.Minute)
		ctx := context.Background()

		for i := 0; i < 2; i++ {
			opened, err := b.RecordFailure(ctx, "media")
			require.NoError(t, err)
			assert.False(t, opened)
		}
		opened, err := b.RecordFailure(ctx, "media")
		require.NoError(t, err)
		assert.True(t, opened)

		d, err := b.Allow(ctx, "media")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, StateOpen, d.State)
		assert.Greater(t, d.RetryAfter, time.Duration(0))
		assert.LessOrEqual(t, d.RetryAfter, 30*time.Second)
	})

	t.Run("grants exactly one probe after the cool-down", func(t *testing.T) {
		b, now := newTestBreaker(t, 1, 30*time.Second, 10*time.Minute)
		ctx := context.Background()

		opened, err := b.RecordFailure(ctx, "media")
		require.NoError(t, err)
		require.True(t, opened)

		*now = now.Add(31 * time.Second)

		d, err := b.Allow(ctx, "media")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.True(t, d.Probe)
		assert.Equal(t, StateHalfOpen, d.State)

		// A second caller while the probe is in flight is refused.
		d2, err := b.Allow(ctx, "media")
		require.NoError(t, err)
		assert.False(t, d2.Allowed)
		assert.Equal(t, StateHalfOpen, d2.State)
	})

	t.Run("an abandoned probe is re-granted after the cool-down", func(t *testing.T) {
		b, now := newTestBreaker(t, 1, 30*time.Second, 10*time.Minute)
		ctx := context.Background()

		opened, err := b.RecordFailure(ctx, "media")
		require.NoError(t, err)
		require.True(t, opened)

		*now = now.Add(31 * time.Second)
		d, err := b.Allow(ctx, "media")
		require.NoError(t, err)
		require.True(t, d.Probe)

		// The probing replica dies before recording an outcome. Before the
		// probe deadline the circuit stays reserved for it.
		*now = now.Add(10 * time.Second)
		d, err = b.Allow(ctx, "media")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, StateHalfOpen, d.State)
		assert.Greater(t, d.RetryAfter, time.Duration(0))

		// After the deadline a fresh probe is granted rather than serving
		// refusals until the key expires.
		*now = now.Add(21 * time.Second)
		d, err = b.Allow(ctx, "media")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.True(t, d.Probe)
		assert.Equal(t, StateHalfOpen, d.State)
	})

	t.Run("circuits are independent per endpoint class", func(t *testing.T) {
		b, _ := newTestBreaker(t, 1, 30*time.Second, 10*time.Minute)
		ctx := context.Background()

		opened, err := b.RecordFailure(ctx, "media")
		require.NoError(t, err)
		require.True(t, opened)

		d, err := b.Allow(ctx, "search")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})
}

func TestBreakerRecovery(t *testing.T) {
	t.Run("successful probe closes the circuit and resets backoff", func(t *testing.T) {
		b, now := newTestBreaker(t, 1, 30*time.Second, 10*time.Minute)
		ctx := context.Background()

		_, err := b.RecordFailure(ctx, "media")
		require.NoError(t, err)

		*now = now.Add(31 * time.Second)
		d, err := b.Allow(ctx, "media")
		require.NoError(t, err)
		require.True(t, d.Probe)

		require.NoError(t, b.RecordSuccess(ctx, "media"))

		d, err = b.Allow(ctx, "media")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, StateClosed, d.State)

		snap, err := b.Snapshot(ctx, "media")
		require.NoError(t, err)
		assert.Equal(t, StateClosed, snap.State)
		assert.Zero(t, snap.OpenCount)
	})

	t.Run("success clears partial failure counts", func(t *testing.T) {
		b, _ := newTestBreaker(t, 3, 30*time.Second, 10*time.Minute)
		ctx := context.Background()

		for i := 0; i < 2; i++ {
			_, err := b.RecordFailure(ctx, "media")
			require.NoError(t, err)
		}

		d, err := b.Allow(ctx, "media")
		require.NoError(t, err)
		assert.True(t, d.NeedsReset())
		require.NoError(t, b.RecordSuccess(ctx, "media"))

		// Two more failures alone must not reach the threshold of three.
		for i := 0; i < 2; i++ {
			opened, err := b.RecordFailure(ctx, "media")
			require.NoError(t, err)
			assert.False(t, opened)
		}
	})

	t.Run("failed probe reopens with doubled cool-down", func(t *testing.T) {
		b, now := newTestBreaker(t, 1, 30*time.Second, 10*time.Minute)
		ctx := context.Background()

		_, err := b.RecordFailure(ctx, "media")
		require.NoError(t, err)

		*now = now.Add(31 * time.Second)
		d, err := b.Allow(ctx, "media")
		require.NoError(t, err)
		require.True(t, d.Probe)

		opened, err := b.RecordFailure(ctx, "media")
		require.NoError(t, err)
		assert.True(t, opened)

		// One cool-down is no longer enough.
		*now = now.Add(31 * time.Second)
		d, err = b.Allow(ctx, "media")
		require.NoError(t, err)
		assert.False(t, d.Allowed)

		// The doubled cool-down (60s) is.
		*now = now.Add(30 * time.Second)
		d, err = b.Allow(ctx, "media")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.True(t, d.Probe)
	})

	t.Run("backoff is capped at max backoff", func(t *testing.T) {
		b, now := newTestBreaker(t, 1, 30*time.Second, time.Minute)
		ctx := context.Background()

		// Fail, probe, fail repeatedly so the open count keeps climbing.
		_, err := b.RecordFailure(ctx, "media")
		require.NoError(t, err)
		for i := 0; i < 4; i++ {
			*now = now.Add(2 * time.Minute)
			d, err := b.Allow(ctx, "media")
			require.NoError(t, err)
			require.True(t, d.Allowed, "iteration %d", i)
			_, err = b.RecordFailure(ctx, "media")
			require.NoError(t, err)
		}

		d, err := b.Allow(ctx, "media")
		require.NoError(t, err)
		require.False(t, d.Allowed)
		assert.LessOrEqual(t, d.RetryAfter, time.Minute)
	})
}

func TestBreakerSnapshot(t *testing.T) {
	t.Run("missing key reads as closed", func(t *testing.T) {
		b, _ := newTestBreaker(t, 3, 30*time.Second, 10*time.Minute)

		snap, err := b.Snapshot(context.Background(), "media")
		require.NoError(t, err)
		assert.Equal(t, StateClosed, snap.State)
		assert.Zero(t, snap.Failures)
	})

	t.Run("reports open state with remaining cool-down", func(t *testing.T) {
		b, _ := newTestBreaker(t, 1, 30*time.Second, 10*time.Minute)
		ctx := context.Background()

		_, err := b.RecordFailure(ctx, "media")
		require.NoError(t, err)

		snap, err := b.Snapshot(ctx, "media")
		require.NoError(t, err)
		assert.Equal(t, StateOpen, snap.State)
		assert.Equal(t, 1, snap.OpenCount)
		assert.Greater(t, snap.RetryAfter, time.Duration(0))
	})

	t.Run("snapshot does not mutate circuit state", func(t *testing.T) {
		b, now := newTestBreaker(t, 1, 30*time.Second, 10*time.Minute)
		ctx := context.Background()

		_, err := b.RecordFailure(ctx, "media")
		require.NoError(t, err)
		*now = now.Add(31 * time.Second)

		// Snapshot sees the probe as due but must not take it.
		_, err = b.Snapshot(ctx, "media")
		require.NoError(t, err)

		d, err := b.Allow(ctx, "media")
		require.NoError(t, err)
		assert.True(t, d.Probe)
	})
}

func TestBreakerRedisDown(t *testing.T) {
	t.Run("returns an error when Redis is unreachable", func(t *testing.T) {
		client, mr := newTestRedisClient(t)
		b := New(client, 3, 30*time.Second, 10*time.Minute, testLogger)
		mr.Close()

		_, err := b.Allow(context.Background(), "media")
		assert.Error(t, err)
	})
}

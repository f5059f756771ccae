package budget

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

func newTestTracker(t *testing.T, limit int64, window time.Duration) (*Tracker, *time.Time, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(config.RedisConfig{
		Endpoints: []string{mr.Addr()},
		Mode:      config.RedisModeSingle,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	tr := New(client, limit, window, testLogger)
	now := time.Now()
	tr.now = func() time.Time { return now }
	return tr, &now, mr
}

func TestTrackerCheck(t *testing.T) {
	t.Run("fresh budget has headroom", func(t *testing.T) {
		tr, _, _ := newTestTracker(t, 100, 24*time.Hour)

		st, err := tr.Check(context.Background())
		require.NoError(t, err)
		assert.True(t, st.OK)
		assert.Zero(t, st.Spent)
		assert.Equal(t, int64(100), st.Remaining())
	})

	t.Run("check does not consume budget", func(t *testing.T) {
		tr, _, _ := newTestTracker(t, 100, 24*time.Hour)
		ctx := context.Background()

		for i := 0; i < 10; i++ {
			_, err := tr.Check(ctx)
			require.NoError(t, err)
		}

		st, err := tr.Check(ctx)
		require.NoError(t, err)
		assert.Zero(t, st.Spent)
	})
}

func TestTrackerRecordSpend(t *testing.T) {
	t.Run("accumulates spend within the window", func(t *testing.T) {
		tr, _, _ := newTestTracker(t, 100, 24*time.Hour)
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			_, err := tr.RecordSpend(ctx, 10)
			require.NoError(t, err)
		}

		st, err := tr.Check(ctx)
		require.NoError(t, err)
		assert.True(t, st.OK)
		assert.Equal(t, int64(50), st.Spent)
		assert.Equal(t, int64(50), st.Remaining())
	})

	t.Run("reports exhaustion at the limit", func(t *testing.T) {
		tr, _, _ := newTestTracker(t, 30, 24*time.Hour)
		ctx := context.Background()

		st, err := tr.RecordSpend(ctx, 30)
		require.NoError(t, err)
		assert.False(t, st.OK)
		assert.Zero(t, st.Remaining())

		st, err = tr.Check(ctx)
		require.NoError(t, err)
		assert.False(t, st.OK)
	})

	t.Run("spend past the limit is still recorded", func(t *testing.T) {
		tr, _, _ := newTestTracker(t, 10, 24*time.Hour)
		ctx := context.Background()

		_, err := tr.RecordSpend(ctx, 25)
		require.NoError(t, err)

		st, err := tr.Check(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(25), st.Spent)
	})

	t.Run("rejects negative spend", func(t *testing.T) {
		tr, _, _ := newTestTracker(t, 10, 24*time.Hour)

		_, err := tr.RecordSpend(context.Background(), -1)
		assert.Error(t, err)
	})

	t.Run("zero limit disables gating but keeps counting", func(t *testing.T) {
		tr, _, _ := newTestTracker(t, 0, 24*time.Hour)
		ctx := context.Background()

		st, err := tr.RecordSpend(ctx, 1000)
		require.NoError(t, err)
		assert.True(t, st.OK)
		assert.Equal(t, int64(1000), st.Spent)
	})
}

func TestTrackerWindowRollover(t *testing.T) {
	t.Run("window resets lazily after it elapses", func(t *testing.T) {
		tr, now, _ := newTestTracker(t, 50, time.Hour)
		ctx := context.Background()

		st, err := tr.RecordSpend(ctx, 50)
		require.NoError(t, err)
		require.False(t, st.OK)

		// Just short of the boundary the budget is still exhausted.
		*now = now.Add(59 * time.Minute)
		st, err = tr.Check(ctx)
		require.NoError(t, err)
		assert.False(t, st.OK)

		// Crossing the boundary resets the counter on the next operation.
		*now = now.Add(2 * time.Minute)
		st, err = tr.Check(ctx)
		require.NoError(t, err)
		assert.True(t, st.OK)
		assert.Zero(t, st.Spent)
	})

	t.Run("rollover starts a fresh window at the current time", func(t *testing.T) {
		tr, now, _ := newTestTracker(t, 50, time.Hour)
		ctx := context.Background()

		_, err := tr.RecordSpend(ctx, 10)
		require.NoError(t, err)

		*now = now.Add(2 * time.Hour)
		st, err := tr.RecordSpend(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(5), st.Spent)
		assert.WithinDuration(t, *now, st.WindowStart, time.Second)
	})
}

func TestTrackerRedisDown(t *testing.T) {
	t.Run("returns an error when Redis is unreachable", func(t *testing.T) {
		tr, _, mr := newTestTracker(t, 50, time.Hour)
		mr.Close()

		_, err := tr.Check(context.Background())
		assert.Error(t, err)
	})
}

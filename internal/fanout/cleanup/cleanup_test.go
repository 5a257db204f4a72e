package cleanup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/notifyhub/internal/common/config"
	"github.com/notifyhub/notifyhub/internal/fanout"
	"github.com/notifyhub/notifyhub/internal/fanout/store"
)

func newTestJob(ttl time.Duration) (*Job, store.Store) {
	st := store.NewMemoryStore(zap.NewNop())
	cfg := &config.NotificationsConfig{SessionTTL: ttl, CleanupInterval: time.Hour}
	return NewJob(zap.NewNop(), st, cfg, nil), st
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("evicts sessions idle past the ttl", func(t *testing.T) {
		job, st := newTestJob(time.Hour)
		job.now = func() time.Time { return now }

		require.NoError(t, st.Sessions().Upsert(ctx, &fanout.Session{ID: "stale", Token: "tok", LastSeen: now.Add(-2 * time.Hour)}))
		require.NoError(t, st.Sessions().Upsert(ctx, &fanout.Session{ID: "fresh", Token: "tok", LastSeen: now.Add(-time.Minute)}))
		// Exactly at the cutoff stays; eviction requires lastSeen strictly
		// before it.
		require.NoError(t, st.Sessions().Upsert(ctx, &fanout.Session{ID: "edge", Token: "tok", LastSeen: now.Add(-time.Hour)}))

		evicted, err := job.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, evicted)

		_, err = st.Sessions().Get(ctx, "stale")
		assert.ErrorIs(t, err, fanout.ErrSessionNotFound)
		_, err = st.Sessions().Get(ctx, "fresh")
		assert.NoError(t, err)
		_, err = st.Sessions().Get(ctx, "edge")
		assert.NoError(t, err)
	})

	t.Run("cascades to subscriptions", func(t *testing.T) {
		job, st := newTestJob(time.Hour)
		job.now = func() time.Time { return now }

		require.NoError(t, st.Sessions().Upsert(ctx, &fanout.Session{ID: "stale", Token: "tok", LastSeen: now.Add(-2 * time.Hour)}))
		require.NoError(t, st.Sessions().Upsert(ctx, &fanout.Session{ID: "fresh", Token: "tok", LastSeen: now}))
		require.NoError(t, st.Subscriptions().CreateAll(ctx, []fanout.Subscription{
			{SessionID: "stale", Topic: "orders"},
			{SessionID: "stale", Topic: "invoices"},
			{SessionID: "fresh", Topic: "orders"},
		}))

		_, err := job.RunOnce(ctx)
		require.NoError(t, err)

		subs, err := st.Subscriptions().ListByTopic(ctx, "orders")
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.Equal(t, "fresh", subs[0].SessionID)

		subs, err = st.Subscriptions().ListByTopic(ctx, "invoices")
		require.NoError(t, err)
		assert.Empty(t, subs)
	})

	t.Run("keeps delivery history", func(t *testing.T) {
		job, st := newTestJob(time.Hour)
		job.now = func() time.Time { return now }

		require.NoError(t, st.Sessions().Upsert(ctx, &fanout.Session{ID: "stale", Token: "tok", LastSeen: now.Add(-2 * time.Hour)}))
		require.NoError(t, st.History().CreateAll(ctx, []*fanout.HistoryRecord{
			{ID: "r1", SessionID: "stale", Token: "tok", Message: fanout.Message{Topic: "orders"}, Timestamp: now},
		}))

		_, err := job.RunOnce(ctx)
		require.NoError(t, err)

		rec, err := st.History().Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "stale", rec.SessionID)
	})

	t.Run("no stale sessions is a no-op", func(t *testing.T) {
		job, st := newTestJob(time.Hour)
		job.now = func() time.Time { return now }

		require.NoError(t, st.Sessions().Upsert(ctx, &fanout.Session{ID: "fresh", Token: "tok", LastSeen: now}))

		evicted, err := job.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, evicted)
	})

	t.Run("eviction spans chunks", func(t *testing.T) {
		job, st := newTestJob(time.Hour)
		job.now = func() time.Time { return now }

		count := store.BatchChunkSize*2 + 3
		for i := 0; i < count; i++ {
			id := fmt.Sprintf("stale-%02d", i)
			require.NoError(t, st.Sessions().Upsert(ctx, &fanout.Session{ID: id, Token: "tok", LastSeen: now.Add(-2 * time.Hour)}))
			require.NoError(t, st.Subscriptions().CreateAll(ctx, []fanout.Subscription{{SessionID: id, Topic: "orders"}}))
		}

		evicted, err := job.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, count, evicted)

		subs, err := st.Subscriptions().ListByTopic(ctx, "orders")
		require.NoError(t, err)
		assert.Empty(t, subs)
	})
}

func TestStartStop(t *testing.T) {
	t.Run("interval schedule", func(t *testing.T) {
		job, _ := newTestJob(time.Hour)
		require.NoError(t, job.Start())
		assert.Error(t, job.Start())
		job.Stop()
		// Stop is idempotent.
		job.Stop()
	})

	t.Run("cron schedule", func(t *testing.T) {
		job, _ := newTestJob(time.Hour)
		job.cronExpr = "*/5 * * * *"
		require.NoError(t, job.Start())
		job.Stop()
	})

	t.Run("invalid cron expression", func(t *testing.T) {
		job, _ := newTestJob(time.Hour)
		job.cronExpr = "not a cron"
		assert.Error(t, job.Start())
	})
}

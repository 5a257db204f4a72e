package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/notifyhub/internal/fanout"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStoreWithClient(zap.NewNop(), client, "test")
}

func TestRedisSessions(t *testing.T) {
	ctx := context.Background()
	st := newTestRedisStore(t)

	now := time.Now().Truncate(time.Millisecond)

	require.NoError(t, st.Sessions().Upsert(ctx, &fanout.Session{ID: "s1", Token: "tok1", AccountID: "acct", LastSeen: now}))

	t.Run("get", func(t *testing.T) {
		sess, err := st.Sessions().Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "tok1", sess.Token)
		assert.Equal(t, "acct", sess.AccountID)
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := st.Sessions().Get(ctx, "nope")
		assert.ErrorIs(t, err, fanout.ErrSessionNotFound)
	})

	t.Run("upsert refreshes token and account index", func(t *testing.T) {
		require.NoError(t, st.Sessions().Upsert(ctx, &fanout.Session{ID: "s1", Token: "tok2", AccountID: "other", LastSeen: now}))

		sess, err := st.Sessions().Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "tok2", sess.Token)

		// The old account no longer resolves the session.
		ids, err := st.Sessions().DeleteByAccount(ctx, "acct")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("get batch spans chunks", func(t *testing.T) {
		var ids []string
		for i := 0; i < BatchChunkSize*2+3; i++ {
			id := "batch-" + string(rune('a'+i))
			ids = append(ids, id)
			require.NoError(t, st.Sessions().Upsert(ctx, &fanout.Session{ID: id, Token: "tok", LastSeen: now}))
		}
		ids = append(ids, "missing")

		sessions, err := st.Sessions().GetBatch(ctx, ids)
		require.NoError(t, err)
		assert.Len(t, sessions, BatchChunkSize*2+3)
	})

	t.Run("list stale is strict", func(t *testing.T) {
		st := newTestRedisStore(t)
		cutoff := now.Add(-time.Hour)
		require.NoError(t, st.Sessions().Upsert(ctx, &fanout.Session{ID: "old", Token: "tok", LastSeen: cutoff.Add(-time.Second)}))
		require.NoError(t, st.Sessions().Upsert(ctx, &fanout.Session{ID: "edge", Token: "tok", LastSeen: cutoff}))
		require.NoError(t, st.Sessions().Upsert(ctx, &fanout.Session{ID: "fresh", Token: "tok", LastSeen: now}))

		stale, err := st.Sessions().ListStale(ctx, cutoff)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, "old", stale[0].ID)
	})

	t.Run("delete by account cascades index", func(t *testing.T) {
		st := newTestRedisStore(t)
		require.NoError(t, st.Sessions().Upsert(ctx, &fanout.Session{ID: "a1", Token: "tok", AccountID: "acct", LastSeen: now}))
		require.NoError(t, st.Sessions().Upsert(ctx, &fanout.Session{ID: "a2", Token: "tok", AccountID: "acct", LastSeen: now}))

		ids, err := st.Sessions().DeleteByAccount(ctx, "acct")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a1", "a2"}, ids)

		_, err = st.Sessions().Get(ctx, "a1")
		assert.ErrorIs(t, err, fanout.ErrSessionNotFound)

		stale, err := st.Sessions().ListStale(ctx, now.Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, stale)
	})
}

func TestRedisSubscriptions(t *testing.T) {
	ctx := context.Background()
	st := newTestRedisStore(t)

	sub1 := fanout.Subscription{SessionID: "s1", Topic: "orders", Filter: fanout.Filter{"region": "eu"}}
	sub2 := fanout.Subscription{SessionID: "s2", Topic: "orders"}
	sub3 := fanout.Subscription{SessionID: "s1", Topic: "invoices"}

	require.NoError(t, st.Subscriptions().CreateAll(ctx, []fanout.Subscription{sub1, sub2, sub3}))
	// Re-creating an existing tuple is a no-op.
	require.NoError(t, st.Subscriptions().CreateAll(ctx, []fanout.Subscription{sub1}))

	t.Run("list by topic", func(t *testing.T) {
		subs, err := st.Subscriptions().ListByTopic(ctx, "orders")
		require.NoError(t, err)
		assert.Len(t, subs, 2)
	})

	t.Run("list by session", func(t *testing.T) {
		subs, err := st.Subscriptions().ListBySession(ctx, "s1")
		require.NoError(t, err)
		assert.Len(t, subs, 2)
	})

	t.Run("filter round-trips", func(t *testing.T) {
		subs, err := st.Subscriptions().ListBySession(ctx, "s1")
		require.NoError(t, err)
		var withFilter *fanout.Subscription
		for i := range subs {
			if subs[i].Topic == "orders" {
				withFilter = &subs[i]
			}
		}
		require.NotNil(t, withFilter)
		assert.True(t, withFilter.Filter.Equal(fanout.Filter{"region": "eu"}))
	})

	t.Run("delete by sessions prunes topic index", func(t *testing.T) {
		require.NoError(t, st.Subscriptions().DeleteBySessions(ctx, []string{"s1"}))

		subs, err := st.Subscriptions().ListByTopic(ctx, "orders")
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.Equal(t, "s2", subs[0].SessionID)

		subs, err = st.Subscriptions().ListBySession(ctx, "s1")
		require.NoError(t, err)
		assert.Empty(t, subs)
	})
}

func TestRedisHistory(t *testing.T) {
	ctx := context.Background()
	st := newTestRedisStore(t)

	msg := fanout.Message{Topic: "orders"}
	require.NoError(t, st.History().CreateAll(ctx, []*fanout.HistoryRecord{
		{ID: "r1", SessionID: "s1", Token: "tok", Message: msg, Timestamp: time.Now()},
		{ID: "r2", SessionID: "s1", Token: "tok", Message: msg, Timestamp: time.Now()},
	}))

	t.Run("list newest first", func(t *testing.T) {
		out, err := st.History().ListBySession(ctx, "s1", 10)
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, "r2", out[0].ID)
	})

	t.Run("limit", func(t *testing.T) {
		out, err := st.History().ListBySession(ctx, "s1", 1)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "r2", out[0].ID)
	})

	t.Run("mark read ownership", func(t *testing.T) {
		require.NoError(t, st.Sessions().Upsert(ctx, &fanout.Session{ID: "s1", Token: "tok", AccountID: "owner", LastSeen: time.Now()}))

		assert.ErrorIs(t, st.History().MarkRead(ctx, "r1", "intruder"), ErrReadForbidden)
		require.NoError(t, st.History().MarkRead(ctx, "r1", "owner"))

		rec, err := st.History().Get(ctx, "r1")
		require.NoError(t, err)
		assert.True(t, rec.Read)
	})

	t.Run("mark read after session eviction", func(t *testing.T) {
		require.NoError(t, st.Sessions().DeleteByIDs(ctx, []string{"s1"}))
		require.NoError(t, st.History().MarkRead(ctx, "r2", "anyone"))
	})
}

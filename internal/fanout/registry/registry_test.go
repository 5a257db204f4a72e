package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/notifyhub/internal/fanout"
	"github.com/notifyhub/notifyhub/internal/fanout/store"
)

// countingStore wraps a Store and counts opened transactions.
type countingStore struct {
	store.Store
	txCount int
}

func (c *countingStore) Transaction(ctx context.Context, fn func(tx store.Store) error) error {
	c.txCount++
	return c.Store.Transaction(ctx, fn)
}

func newTestService() (*Service, *countingStore) {
	st := &countingStore{Store: store.NewMemoryStore(zap.NewNop())}
	return NewService(zap.NewNop(), st), st
}

func TestRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("creates session and subscriptions", func(t *testing.T) {
		svc, st := newTestService()

		desired := []fanout.TopicFilter{
			{Topic: "orders", Filter: fanout.Filter{"region": "eu"}},
			{Topic: "invoices"},
		}
		require.NoError(t, svc.Register(ctx, "s1", "tok", "acct", desired))

		sess, err := st.Sessions().Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "tok", sess.Token)
		assert.Equal(t, "acct", sess.AccountID)

		subs, err := st.Subscriptions().ListBySession(ctx, "s1")
		require.NoError(t, err)
		assert.Len(t, subs, 2)
	})

	t.Run("repeat registration is idempotent", func(t *testing.T) {
		svc, st := newTestService()

		desired := []fanout.TopicFilter{{Topic: "orders"}}
		require.NoError(t, svc.Register(ctx, "s1", "tok", "", desired))
		require.NoError(t, svc.Register(ctx, "s1", "tok", "", desired))

		subs, err := st.Subscriptions().ListBySession(ctx, "s1")
		require.NoError(t, err)
		assert.Len(t, subs, 1)
	})

	t.Run("registration is additive", func(t *testing.T) {
		svc, st := newTestService()

		require.NoError(t, svc.Register(ctx, "s1", "tok", "", []fanout.TopicFilter{{Topic: "orders"}}))
		// A later registration that omits "orders" leaves it in place.
		require.NoError(t, svc.Register(ctx, "s1", "tok", "", []fanout.TopicFilter{{Topic: "invoices"}}))

		subs, err := st.Subscriptions().ListBySession(ctx, "s1")
		require.NoError(t, err)
		assert.Len(t, subs, 2)
	})

	t.Run("refreshes token and lastSeen", func(t *testing.T) {
		svc, st := newTestService()

		earlier := time.Now().Add(-time.Hour)
		svc.now = func() time.Time { return earlier }
		require.NoError(t, svc.Register(ctx, "s1", "tok1", "", nil))

		later := time.Now()
		svc.now = func() time.Time { return later }
		require.NoError(t, svc.Register(ctx, "s1", "tok2", "", nil))

		sess, err := st.Sessions().Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "tok2", sess.Token)
		assert.Equal(t, later, sess.LastSeen)
	})

	t.Run("duplicate tuples within one request collapse", func(t *testing.T) {
		svc, st := newTestService()

		desired := []fanout.TopicFilter{{Topic: "orders"}, {Topic: "orders"}}
		require.NoError(t, svc.Register(ctx, "s1", "tok", "", desired))

		subs, err := st.Subscriptions().ListBySession(ctx, "s1")
		require.NoError(t, err)
		assert.Len(t, subs, 1)
	})

	t.Run("validation failures never reach the store", func(t *testing.T) {
		svc, st := newTestService()

		err := svc.Register(ctx, "", "tok", "", nil)
		assert.ErrorIs(t, err, ErrSessionIDRequired)

		err = svc.Register(ctx, "s1", "", "", nil)
		assert.ErrorIs(t, err, ErrTokenRequired)

		err = svc.Register(ctx, "s1", "tok", "", []fanout.TopicFilter{{Topic: ""}})
		assert.ErrorIs(t, err, fanout.ErrTopicEmpty)

		err = svc.Register(ctx, "s1", "tok", "", []fanout.TopicFilter{
			{Topic: "orders", Filter: fanout.Filter{"bad": []any{1}}},
		})
		assert.ErrorIs(t, err, fanout.ErrInvalidFilterValue)

		assert.Zero(t, st.txCount)
	})
}

func TestUnregister(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService()

	filter := fanout.Filter{"region": "eu"}
	require.NoError(t, svc.Register(ctx, "s1", "tok", "", []fanout.TopicFilter{
		{Topic: "orders", Filter: filter},
		{Topic: "orders"},
	}))

	// Only the exact tuple goes away.
	require.NoError(t, svc.Unregister(ctx, "s1", "orders", filter))

	subs, err := st.Subscriptions().ListBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Nil(t, subs[0].Filter)

	// Unregistering an absent tuple is a no-op.
	require.NoError(t, svc.Unregister(ctx, "s1", "orders", filter))

	assert.ErrorIs(t, svc.Unregister(ctx, "", "orders", nil), ErrSessionIDRequired)
}

func TestLogout(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService()

	require.NoError(t, svc.Register(ctx, "s1", "tok", "acct", []fanout.TopicFilter{{Topic: "orders"}}))
	require.NoError(t, svc.Register(ctx, "s2", "tok", "acct", []fanout.TopicFilter{{Topic: "orders"}}))
	require.NoError(t, svc.Register(ctx, "s3", "tok", "other", []fanout.TopicFilter{{Topic: "orders"}}))

	require.NoError(t, svc.Logout(ctx, "acct"))

	_, err := st.Sessions().Get(ctx, "s1")
	assert.ErrorIs(t, err, fanout.ErrSessionNotFound)
	_, err = st.Sessions().Get(ctx, "s2")
	assert.ErrorIs(t, err, fanout.ErrSessionNotFound)

	subs, err := st.Subscriptions().ListByTopic(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "s3", subs[0].SessionID)

	// Anonymous logout is a no-op.
	require.NoError(t, svc.Logout(ctx, ""))
}

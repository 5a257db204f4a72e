package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/notifyhub/notifyhub/internal/common/config"
	"github.com/notifyhub/notifyhub/internal/fanout"
)

// RedisStore implements Store on Redis. Rows are JSON values with
// secondary-index sets per topic, per session and per account, plus a
// sorted set over lastSeen for the stale-session scan.
//
// Redis has no interactive read-then-write transactions, so the
// Transaction scope serializes through a store-level mutex and batches its
// writes with pipelines. That gives single-instance deployments the same
// lost-update protection the db backend gets from real transactions; it
// does not roll back already-pipelined writes on error.
type RedisStore struct {
	logger *zap.Logger
	client *redis.Client
	prefix string

	txMu *sync.Mutex
	inTx bool
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(logger *zap.Logger, cfg *config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newRedisStore(logger, client, cfg.Prefix), nil
}

// NewRedisStoreWithClient wraps an existing client; used by tests with
// miniredis.
func NewRedisStoreWithClient(logger *zap.Logger, client *redis.Client, prefix string) *RedisStore {
	return newRedisStore(logger, client, prefix)
}

func newRedisStore(logger *zap.Logger, client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "notifyhub"
	}
	return &RedisStore{
		logger: logger.Named("fanout.store.redis"),
		client: client,
		prefix: prefix,
		txMu:   &sync.Mutex{},
	}
}

func (s *RedisStore) sessKey(id string) string        { return s.prefix + ":sess:" + id }
func (s *RedisStore) sessIndexKey() string            { return s.prefix + ":sessions" }
func (s *RedisStore) acctKey(accountID string) string { return s.prefix + ":acct:" + accountID }
func (s *RedisStore) subKey(key string) string        { return s.prefix + ":sub:" + key }
func (s *RedisStore) topicKey(topic string) string    { return s.prefix + ":topic:" + topic }
func (s *RedisStore) bySessKey(id string) string      { return s.prefix + ":bysess:" + id }
func (s *RedisStore) histKey(id string) string        { return s.prefix + ":hist:" + id }
func (s *RedisStore) histIndexKey(id string) string   { return s.prefix + ":histidx:" + id }

// Sessions implements Store.Sessions
func (s *RedisStore) Sessions() SessionStore { return redisSessions{s} }

// Subscriptions implements Store.Subscriptions
func (s *RedisStore) Subscriptions() SubscriptionStore { return redisSubscriptions{s} }

// History implements Store.History
func (s *RedisStore) History() HistoryStore { return redisHistory{s} }

// Transaction implements Store.Transaction
func (s *RedisStore) Transaction(_ context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &RedisStore{logger: s.logger, client: s.client, prefix: s.prefix, txMu: s.txMu, inTx: true}
	return fn(tx)
}

// Ping implements Store.Ping
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store.Close
func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisSessions struct{ st *RedisStore }

var _ SessionStore = redisSessions{}

func (s redisSessions) Upsert(ctx context.Context, sess *fanout.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	// If the session changes accounts, drop it from the old account index.
	var prev fanout.Session
	old, err := s.st.client.Get(ctx, s.st.sessKey(sess.ID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	hadPrev := err == nil && json.Unmarshal([]byte(old), &prev) == nil

	_, err = s.st.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.st.sessKey(sess.ID), raw, 0)
		pipe.ZAdd(ctx, s.st.sessIndexKey(), redis.Z{Score: float64(sess.LastSeen.UnixMilli()), Member: sess.ID})
		if hadPrev && prev.AccountID != "" && prev.AccountID != sess.AccountID {
			pipe.SRem(ctx, s.st.acctKey(prev.AccountID), sess.ID)
		}
		if sess.AccountID != "" {
			pipe.SAdd(ctx, s.st.acctKey(sess.AccountID), sess.ID)
		}
		return nil
	})
	return err
}

func (s redisSessions) Get(ctx context.Context, id string) (*fanout.Session, error) {
	raw, err := s.st.client.Get(ctx, s.st.sessKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fanout.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var sess fanout.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s redisSessions) GetBatch(ctx context.Context, ids []string) ([]*fanout.Session, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	// The client is safe for concurrent use, so chunks resolve in parallel
	// and merge in chunk order.
	chunks := chunkIDs(ids, BatchChunkSize)
	results := make([][]*fanout.Session, len(chunks))
	errs := make([]error, len(chunks))

	var wg sync.WaitGroup
	for i, chunk := range chunks {
		wg.Add(1)
		go func(i int, chunk []string) {
			defer wg.Done()
			results[i], errs[i] = s.getChunk(ctx, chunk)
		}(i, chunk)
	}
	wg.Wait()

	var sessions []*fanout.Session
	for i := range chunks {
		if errs[i] != nil {
			return nil, errs[i]
		}
		sessions = append(sessions, results[i]...)
	}
	return sessions, nil
}

func (s redisSessions) getChunk(ctx context.Context, ids []string) ([]*fanout.Session, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.st.sessKey(id)
	}
	values, err := s.st.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	sessions := make([]*fanout.Session, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // missing id
		}
		var sess fanout.Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return nil, err
		}
		sessions = append(sessions, &sess)
	}
	return sessions, nil
}

func (s redisSessions) ListStale(ctx context.Context, cutoff time.Time) ([]*fanout.Session, error) {
	ids, err := s.st.client.ZRangeByScore(ctx, s.st.sessIndexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	return s.GetBatch(ctx, ids)
}

func (s redisSessions) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	// Resolve owning accounts before deleting so the account indexes can be
	// pruned in the same pipeline.
	sessions, err := s.GetBatch(ctx, ids)
	if err != nil {
		return err
	}

	_, err = s.st.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, s.st.sessKey(id))
			pipe.ZRem(ctx, s.st.sessIndexKey(), id)
		}
		for _, sess := range sessions {
			if sess.AccountID != "" {
				pipe.SRem(ctx, s.st.acctKey(sess.AccountID), sess.ID)
			}
		}
		return nil
	})
	return err
}

func (s redisSessions) DeleteByAccount(ctx context.Context, accountID string) ([]string, error) {
	if accountID == "" {
		return nil, nil
	}
	ids, err := s.st.client.SMembers(ctx, s.st.acctKey(accountID)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	_, err = s.st.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, s.st.sessKey(id))
			pipe.ZRem(ctx, s.st.sessIndexKey(), id)
		}
		pipe.Del(ctx, s.st.acctKey(accountID))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

type redisSubscriptions struct{ st *RedisStore }

var _ SubscriptionStore = redisSubscriptions{}

func (s redisSubscriptions) listByIndex(ctx context.Context, indexKey string) ([]fanout.Subscription, error) {
	keys, err := s.st.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.st.subKey(k)
	}
	values, err := s.st.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, err
	}
	subs := make([]fanout.Subscription, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var sub fanout.Subscription
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (s redisSubscriptions) ListByTopic(ctx context.Context, topic string) ([]fanout.Subscription, error) {
	return s.listByIndex(ctx, s.st.topicKey(topic))
}

func (s redisSubscriptions) ListBySession(ctx context.Context, sessionID string) ([]fanout.Subscription, error) {
	return s.listByIndex(ctx, s.st.bySessKey(sessionID))
}

func (s redisSubscriptions) CreateAll(ctx context.Context, subs []fanout.Subscription) error {
	if len(subs) == 0 {
		return nil
	}
	_, err := s.st.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, sub := range subs {
			raw, err := json.Marshal(sub)
			if err != nil {
				return err
			}
			key := sub.Key()
			// SetNX keeps the tuple unique under concurrent registration.
			pipe.SetNX(ctx, s.st.subKey(key), raw, 0)
			pipe.SAdd(ctx, s.st.topicKey(sub.Topic), key)
			pipe.SAdd(ctx, s.st.bySessKey(sub.SessionID), key)
		}
		return nil
	})
	return err
}

func (s redisSubscriptions) Delete(ctx context.Context, sub fanout.Subscription) error {
	key := sub.Key()
	_, err := s.st.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.st.subKey(key))
		pipe.SRem(ctx, s.st.topicKey(sub.Topic), key)
		pipe.SRem(ctx, s.st.bySessKey(sub.SessionID), key)
		return nil
	})
	return err
}

func (s redisSubscriptions) DeleteBySessions(ctx context.Context, sessionIDs []string) error {
	for _, sessionID := range sessionIDs {
		keys, err := s.st.client.SMembers(ctx, s.st.bySessKey(sessionID)).Result()
		if err != nil {
			return err
		}
		_, err = s.st.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, key := range keys {
				pipe.Del(ctx, s.st.subKey(key))
				// The tuple key embeds the topic between NUL separators.
				if parts := strings.SplitN(key, "\x00", 3); len(parts) == 3 {
					pipe.SRem(ctx, s.st.topicKey(parts[1]), key)
				}
			}
			pipe.Del(ctx, s.st.bySessKey(sessionID))
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

type redisHistory struct{ st *RedisStore }

var _ HistoryStore = redisHistory{}

func (s redisHistory) CreateAll(ctx context.Context, records []*fanout.HistoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := s.st.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, rec := range records {
			raw, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			pipe.Set(ctx, s.st.histKey(rec.ID), raw, 0)
			pipe.LPush(ctx, s.st.histIndexKey(rec.SessionID), rec.ID)
		}
		return nil
	})
	return err
}

func (s redisHistory) Get(ctx context.Context, id string) (*fanout.HistoryRecord, error) {
	raw, err := s.st.client.Get(ctx, s.st.histKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fanout.ErrHistoryNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec fanout.HistoryRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s redisHistory) ListBySession(ctx context.Context, sessionID string, limit int) ([]*fanout.HistoryRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.st.client.LRange(ctx, s.st.histIndexKey(sessionID), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	records := make([]*fanout.HistoryRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, fanout.ErrHistoryNotFound) {
				continue
			}
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s redisHistory) MarkRead(ctx context.Context, id, accountID string) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	owner, err := redisSessions{s.st}.Get(ctx, rec.SessionID)
	if err == nil && owner.AccountID != "" && owner.AccountID != accountID {
		return ErrReadForbidden
	}
	if err != nil && !errors.Is(err, fanout.ErrSessionNotFound) {
		return err
	}

	rec.Read = true
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.st.client.Set(ctx, s.st.histKey(id), raw, 0).Err()
}

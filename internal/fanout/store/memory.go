package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/notifyhub/internal/fanout"
)

// MemoryStore implements Store with in-process maps. It backs the memory
// storage type and doubles as the test fixture for the services.
type MemoryStore struct {
	logger *zap.Logger
	mu     *sync.RWMutex
	data   *memData

	// inTx marks a view handed to a Transaction callback; such views run
	// under the lock already held by Transaction and must not re-lock.
	inTx bool
}

var _ Store = (*MemoryStore)(nil)

type memData struct {
	sessions  map[string]fanout.Session
	subs      map[string]fanout.Subscription
	history   map[string]fanout.HistoryRecord
	histOrder []string
}

func newMemData() *memData {
	return &memData{
		sessions: make(map[string]fanout.Session),
		subs:     make(map[string]fanout.Subscription),
		history:  make(map[string]fanout.HistoryRecord),
	}
}

func (d *memData) snapshot() *memData {
	cp := &memData{
		sessions:  make(map[string]fanout.Session, len(d.sessions)),
		subs:      make(map[string]fanout.Subscription, len(d.subs)),
		history:   make(map[string]fanout.HistoryRecord, len(d.history)),
		histOrder: append([]string(nil), d.histOrder...),
	}
	for k, v := range d.sessions {
		cp.sessions[k] = v
	}
	for k, v := range d.subs {
		cp.subs[k] = v
	}
	for k, v := range d.history {
		cp.history[k] = v
	}
	return cp
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		logger: logger.Named("fanout.store.memory"),
		mu:     &sync.RWMutex{},
		data:   newMemData(),
	}
}

// Sessions implements Store.Sessions
func (s *MemoryStore) Sessions() SessionStore { return memSessions{s} }

// Subscriptions implements Store.Subscriptions
func (s *MemoryStore) Subscriptions() SubscriptionStore { return memSubscriptions{s} }

// History implements Store.History
func (s *MemoryStore) History() HistoryStore { return memHistory{s} }

// Transaction implements Store.Transaction. The callback runs under the
// store's write lock against a non-locking view; on error the data is
// restored from a snapshot, giving real rollback semantics.
func (s *MemoryStore) Transaction(_ context.Context, fn func(tx Store) error) error {
	if s.inTx {
		// Nested scope joins the outer transaction.
		return fn(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.data.snapshot()
	tx := &MemoryStore{logger: s.logger, mu: s.mu, data: s.data, inTx: true}
	if err := fn(tx); err != nil {
		s.data.sessions = snap.sessions
		s.data.subs = snap.subs
		s.data.history = snap.history
		s.data.histOrder = snap.histOrder
		return err
	}
	return nil
}

// Ping implements Store.Ping
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close implements Store.Close
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *MemoryStore) rlock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

type memSessions struct{ st *MemoryStore }

var _ SessionStore = memSessions{}

func (s memSessions) Upsert(_ context.Context, sess *fanout.Session) error {
	defer s.st.lock()()
	s.st.data.sessions[sess.ID] = *sess
	return nil
}

func (s memSessions) Get(_ context.Context, id string) (*fanout.Session, error) {
	defer s.st.rlock()()
	sess, ok := s.st.data.sessions[id]
	if !ok {
		return nil, fanout.ErrSessionNotFound
	}
	out := sess
	return &out, nil
}

func (s memSessions) GetBatch(_ context.Context, ids []string) ([]*fanout.Session, error) {
	defer s.st.rlock()()
	out := make([]*fanout.Session, 0, len(ids))
	for _, id := range ids {
		if sess, ok := s.st.data.sessions[id]; ok {
			cp := sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s memSessions) ListStale(_ context.Context, cutoff time.Time) ([]*fanout.Session, error) {
	defer s.st.rlock()()
	var out []*fanout.Session
	for _, sess := range s.st.data.sessions {
		if sess.LastSeen.Before(cutoff) {
			cp := sess
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s memSessions) DeleteByIDs(_ context.Context, ids []string) error {
	defer s.st.lock()()
	for _, id := range ids {
		delete(s.st.data.sessions, id)
	}
	return nil
}

func (s memSessions) DeleteByAccount(_ context.Context, accountID string) ([]string, error) {
	if accountID == "" {
		return nil, nil
	}
	defer s.st.lock()()
	var deleted []string
	for id, sess := range s.st.data.sessions {
		if sess.AccountID == accountID {
			delete(s.st.data.sessions, id)
			deleted = append(deleted, id)
		}
	}
	sort.Strings(deleted)
	return deleted, nil
}

type memSubscriptions struct{ st *MemoryStore }

var _ SubscriptionStore = memSubscriptions{}

func (s memSubscriptions) ListByTopic(_ context.Context, topic string) ([]fanout.Subscription, error) {
	defer s.st.rlock()()
	var out []fanout.Subscription
	for _, sub := range s.st.data.subs {
		if sub.Topic == topic {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (s memSubscriptions) ListBySession(_ context.Context, sessionID string) ([]fanout.Subscription, error) {
	defer s.st.rlock()()
	var out []fanout.Subscription
	for _, sub := range s.st.data.subs {
		if sub.SessionID == sessionID {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (s memSubscriptions) CreateAll(_ context.Context, subs []fanout.Subscription) error {
	defer s.st.lock()()
	for _, sub := range subs {
		key := sub.Key()
		if _, exists := s.st.data.subs[key]; exists {
			continue
		}
		s.st.data.subs[key] = sub
	}
	return nil
}

func (s memSubscriptions) Delete(_ context.Context, sub fanout.Subscription) error {
	defer s.st.lock()()
	delete(s.st.data.subs, sub.Key())
	return nil
}

func (s memSubscriptions) DeleteBySessions(_ context.Context, sessionIDs []string) error {
	defer s.st.lock()()
	drop := make(map[string]bool, len(sessionIDs))
	for _, id := range sessionIDs {
		drop[id] = true
	}
	for key, sub := range s.st.data.subs {
		if drop[sub.SessionID] {
			delete(s.st.data.subs, key)
		}
	}
	return nil
}

type memHistory struct{ st *MemoryStore }

var _ HistoryStore = memHistory{}

func (s memHistory) CreateAll(_ context.Context, records []*fanout.HistoryRecord) error {
	defer s.st.lock()()
	for _, rec := range records {
		s.st.data.history[rec.ID] = *rec
		s.st.data.histOrder = append(s.st.data.histOrder, rec.ID)
	}
	return nil
}

func (s memHistory) Get(_ context.Context, id string) (*fanout.HistoryRecord, error) {
	defer s.st.rlock()()
	rec, ok := s.st.data.history[id]
	if !ok {
		return nil, fanout.ErrHistoryNotFound
	}
	out := rec
	return &out, nil
}

func (s memHistory) ListBySession(_ context.Context, sessionID string, limit int) ([]*fanout.HistoryRecord, error) {
	defer s.st.rlock()()
	var out []*fanout.HistoryRecord
	for i := len(s.st.data.histOrder) - 1; i >= 0; i-- {
		rec, ok := s.st.data.history[s.st.data.histOrder[i]]
		if !ok || rec.SessionID != sessionID {
			continue
		}
		cp := rec
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s memHistory) MarkRead(_ context.Context, id, accountID string) error {
	defer s.st.lock()()
	rec, ok := s.st.data.history[id]
	if !ok {
		return fanout.ErrHistoryNotFound
	}
	owner, ok := s.st.data.sessions[rec.SessionID]
	if ok && owner.AccountID != "" && owner.AccountID != accountID {
		return ErrReadForbidden
	}
	rec.Read = true
	s.st.data.history[id] = rec
	return nil
}

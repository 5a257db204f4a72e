package store

import (
	"context"
	"errors"
	"time"

	"github.com/notifyhub/notifyhub/internal/fanout"
)

// ErrReadForbidden is returned by MarkRead when the caller's account does
// not own the record's session.
var ErrReadForbidden = errors.New("history record not owned by account")

// BatchChunkSize bounds the fan-out of a single batched store query.
// Backends split id lists into chunks of this size; backends whose clients
// tolerate concurrent use run the chunks in parallel.
const BatchChunkSize = 10

// chunkIDs splits ids into slices of at most size elements.
func chunkIDs(ids []string, size int) [][]string {
	if len(ids) == 0 {
		return nil
	}
	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

// SessionStore is the durable record of browser/device sessions.
type SessionStore interface {
	// Upsert creates or refreshes a session row.
	Upsert(ctx context.Context, s *fanout.Session) error

	// Get retrieves a session by id, returning fanout.ErrSessionNotFound
	// when absent.
	Get(ctx context.Context, id string) (*fanout.Session, error)

	// GetBatch retrieves the sessions for the given ids in one query.
	// Missing ids are silently omitted from the result.
	GetBatch(ctx context.Context, ids []string) ([]*fanout.Session, error)

	// ListStale returns sessions whose lastSeen is strictly before cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]*fanout.Session, error)

	// DeleteByIDs removes the given sessions. Deleting an id that no longer
	// exists is a no-op.
	DeleteByIDs(ctx context.Context, ids []string) error

	// DeleteByAccount removes every session owned by accountID and returns
	// the ids that were removed, so callers can cascade.
	DeleteByAccount(ctx context.Context, accountID string) ([]string, error)
}

// SubscriptionStore is the durable record of (session, topic, filter)
// tuples. Implementations enforce uniqueness on the tuple key.
type SubscriptionStore interface {
	// ListByTopic returns all subscriptions on the given topic.
	ListByTopic(ctx context.Context, topic string) ([]fanout.Subscription, error)

	// ListBySession returns all subscriptions held by one session.
	ListBySession(ctx context.Context, sessionID string) ([]fanout.Subscription, error)

	// CreateAll persists the given subscriptions. Tuples that already exist
	// are skipped, preserving uniqueness.
	CreateAll(ctx context.Context, subs []fanout.Subscription) error

	// Delete removes a single subscription tuple. Removing an absent tuple
	// is a no-op.
	Delete(ctx context.Context, sub fanout.Subscription) error

	// DeleteBySessions removes every subscription belonging to the given
	// session ids.
	DeleteBySessions(ctx context.Context, sessionIDs []string) error
}

// HistoryStore is the append-only record of delivery attempts. Only the
// read flag is mutated after creation.
type HistoryStore interface {
	// CreateAll appends the given records in one batch.
	CreateAll(ctx context.Context, records []*fanout.HistoryRecord) error

	// Get retrieves a record by id, returning fanout.ErrHistoryNotFound
	// when absent.
	Get(ctx context.Context, id string) (*fanout.HistoryRecord, error)

	// ListBySession returns up to limit records for one session, newest
	// first.
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*fanout.HistoryRecord, error)

	// MarkRead flips the read flag on a record. The accountID must match
	// the record's session owner; otherwise ErrReadForbidden is returned.
	MarkRead(ctx context.Context, id, accountID string) error
}

// Store aggregates the three fanout stores behind one transactional
// boundary. Transaction runs fn against a store view bound to a single
// transaction scope; an error from fn rolls the whole scope back. The
// transaction handle is carried by the view itself rather than by hidden
// per-goroutine state.
type Store interface {
	Sessions() SessionStore
	Subscriptions() SubscriptionStore
	History() HistoryStore

	Transaction(ctx context.Context, fn func(tx Store) error) error

	// Ping reports backend reachability for health checks.
	Ping(ctx context.Context) error

	Close() error
}

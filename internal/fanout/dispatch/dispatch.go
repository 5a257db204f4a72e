package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/notifyhub/internal/fanout"
	"github.com/notifyhub/notifyhub/internal/fanout/store"
	"github.com/notifyhub/notifyhub/internal/transport"
	"github.com/notifyhub/notifyhub/pkg/metrics"
)

// Dispatcher fans a published message out to every matching subscriber
// session: match subscriptions by topic and filter, resolve the sessions,
// persist one history record per session, then hand the batch to the
// transport.
//
// History records are written inside the store transaction and the
// transport is called only after the transaction commits, so a committed
// record exists for every attempted delivery. Transport failures are
// logged per item and never retried or rolled back; the record stands as
// the attempt record.
type Dispatcher struct {
	logger             *zap.Logger
	store              store.Store
	transport          transport.Transport
	metrics            *metrics.Metrics
	messageLengthLimit int

	newID func() string
	now   func() time.Time
}

// NewDispatcher creates a dispatcher. The metrics handle may be nil.
func NewDispatcher(logger *zap.Logger, st store.Store, tr transport.Transport, messageLengthLimit int, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		logger:             logger.Named("fanout.dispatch"),
		store:              st,
		transport:          tr,
		metrics:            m,
		messageLengthLimit: messageLengthLimit,
		newID:              func() string { return uuid.New().String() },
		now:                time.Now,
	}
}

// Dispatch publishes one message. Validation errors surface before any
// store access; store errors abort the dispatch with the transaction
// rolled back; transport errors only affect the reported counts.
func (d *Dispatcher) Dispatch(ctx context.Context, msg fanout.Message, originAccountID string) (fanout.DispatchResult, error) {
	start := d.now()

	if err := msg.Validate(d.messageLengthLimit); err != nil {
		d.observe("rejected", 0, start)
		return fanout.DispatchResult{}, err
	}

	// Cheap pre-read: a publish with no matching subscribers is a normal,
	// silent success and opens no transaction.
	subs, err := d.store.Subscriptions().ListByTopic(ctx, msg.Topic)
	if err != nil {
		d.observe("error", 0, start)
		return fanout.DispatchResult{}, err
	}
	if len(matchSubscriptions(subs, msg.Filter)) == 0 {
		d.observe("ok", 0, start)
		return fanout.DispatchResult{}, nil
	}

	var records []*fanout.HistoryRecord
	err = d.store.Transaction(ctx, func(tx store.Store) error {
		records = nil // reset on transaction retry

		subs, err := tx.Subscriptions().ListByTopic(ctx, msg.Topic)
		if err != nil {
			return err
		}
		matched := matchSubscriptions(subs, msg.Filter)
		if len(matched) == 0 {
			return nil
		}

		sessionIDs := distinctSessionIDs(matched)
		sessions, err := tx.Sessions().GetBatch(ctx, sessionIDs)
		if err != nil {
			return err
		}
		byID := make(map[string]*fanout.Session, len(sessions))
		for _, sess := range sessions {
			byID[sess.ID] = sess
		}

		now := d.now()
		for _, id := range sessionIDs {
			sess, ok := byID[id]
			if !ok {
				// Stale subscription; eviction is the cleanup job's call.
				d.logger.Debug("skipping subscription with missing session",
					zap.String("session_id", id),
					zap.String("topic", msg.Topic))
				continue
			}
			records = append(records, &fanout.HistoryRecord{
				ID:                   d.newID(),
				SessionID:            sess.ID,
				Token:                sess.Token,
				Message:              msg,
				OriginatingAccountID: originAccountID,
				Timestamp:            now,
			})
		}
		if len(records) == 0 {
			return nil
		}
		return tx.History().CreateAll(ctx, records)
	})
	if err != nil {
		d.observe("error", 0, start)
		return fanout.DispatchResult{}, err
	}
	if len(records) == 0 {
		d.observe("ok", 0, start)
		return fanout.DispatchResult{}, nil
	}

	result := d.send(ctx, msg, records)
	d.observe("ok", result.Matched, start)
	if d.metrics != nil {
		d.metrics.Deliveries(result.SuccessCount, result.FailureCount)
	}
	return result, nil
}

// send builds the transport batch from the committed history records and
// reports per-item outcomes.
func (d *Dispatcher) send(ctx context.Context, msg fanout.Message, records []*fanout.HistoryRecord) fanout.DispatchResult {
	payload, err := json.Marshal(msg)
	if err != nil {
		// The message already survived Validate; treat this as a full
		// transport failure rather than aborting after commit.
		d.logger.Error("failed to encode message payload", zap.Error(err))
		return fanout.DispatchResult{Matched: len(records), FailureCount: len(records)}
	}

	deliveries := make([]transport.Delivery, len(records))
	for i, rec := range records {
		deliveries[i] = transport.Delivery{
			Token:    rec.Token,
			Payload:  payload,
			RecordID: rec.ID,
		}
	}

	res, err := d.transport.Send(ctx, deliveries)
	if err != nil {
		d.logger.Error("transport send failed",
			zap.String("topic", msg.Topic),
			zap.Int("deliveries", len(deliveries)),
			zap.Error(err))
		return fanout.DispatchResult{Matched: len(records), FailureCount: len(records)}
	}

	for i, item := range res.Items {
		if !item.Success && i < len(records) {
			d.logger.Warn("delivery failed",
				zap.String("record_id", records[i].ID),
				zap.String("session_id", records[i].SessionID),
				zap.String("error", item.Error))
		}
	}
	return fanout.DispatchResult{
		Matched:      len(records),
		SuccessCount: res.SuccessCount,
		FailureCount: res.FailureCount,
	}
}

func (d *Dispatcher) observe(status string, fanoutSize int, start time.Time) {
	if d.metrics != nil {
		d.metrics.PublishDone(status, fanoutSize, start)
	}
}

// matchSubscriptions keeps the subscriptions whose filter matches the
// publish filter: absent filters are wildcards, present ones must be
// structurally equal.
func matchSubscriptions(subs []fanout.Subscription, msgFilter fanout.Filter) []fanout.Subscription {
	var out []fanout.Subscription
	for _, sub := range subs {
		if sub.Filter.Matches(msgFilter) {
			out = append(out, sub)
		}
	}
	return out
}

// distinctSessionIDs returns the session ids of the matched subscriptions,
// deduplicated in first-seen order. One session gets one delivery per
// publish, no matter how many of its subscriptions matched.
func distinctSessionIDs(subs []fanout.Subscription) []string {
	seen := make(map[string]bool, len(subs))
	var ids []string
	for _, sub := range subs {
		if seen[sub.SessionID] {
			continue
		}
		seen[sub.SessionID] = true
		ids = append(ids, sub.SessionID)
	}
	return ids
}

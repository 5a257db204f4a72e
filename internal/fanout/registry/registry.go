package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/notifyhub/internal/fanout"
	"github.com/notifyhub/notifyhub/internal/fanout/store"
)

var (
	// ErrSessionIDRequired is returned when a registration carries no session id.
	ErrSessionIDRequired = errors.New("session id is required")

	// ErrTokenRequired is returned when a registration carries no delivery token.
	ErrTokenRequired = errors.New("delivery token is required")
)

// Service accepts a session's desired subscription set and persists only
// the delta. Registration is additive: tuples missing from the desired set
// stay untouched, and removal goes through Unregister.
type Service struct {
	logger *zap.Logger
	store  store.Store
	now    func() time.Time
}

// NewService creates a registration service on top of the given store.
func NewService(logger *zap.Logger, st store.Store) *Service {
	return &Service{
		logger: logger.Named("fanout.registry"),
		store:  st,
		now:    time.Now,
	}
}

// Register upserts the session (refreshing token, account and lastSeen) and
// inserts the desired subscriptions that are not stored yet. The session
// refresh, the read of existing subscriptions and the delta insert share
// one transaction so a concurrent dispatch never observes a half-updated
// session/subscription pair.
func (s *Service) Register(ctx context.Context, sessionID, token, accountID string, desired []fanout.TopicFilter) error {
	if sessionID == "" {
		return ErrSessionIDRequired
	}
	if token == "" {
		return ErrTokenRequired
	}
	// Malformed input never reaches the store.
	for _, tf := range desired {
		if err := tf.Validate(); err != nil {
			return fmt.Errorf("subscription %q: %w", tf.Topic, err)
		}
	}

	err := s.store.Transaction(ctx, func(tx store.Store) error {
		sess := &fanout.Session{
			ID:        sessionID,
			Token:     token,
			AccountID: accountID,
			LastSeen:  s.now(),
		}
		if err := tx.Sessions().Upsert(ctx, sess); err != nil {
			return err
		}

		existing, err := tx.Subscriptions().ListBySession(ctx, sessionID)
		if err != nil {
			return err
		}
		stored := make(map[string]bool, len(existing))
		for _, sub := range existing {
			stored[sub.Key()] = true
		}

		var toInsert []fanout.Subscription
		seen := make(map[string]bool, len(desired))
		for _, tf := range desired {
			sub := fanout.Subscription{SessionID: sessionID, Topic: tf.Topic, Filter: tf.Filter}
			key := sub.Key()
			if stored[key] || seen[key] {
				continue
			}
			seen[key] = true
			toInsert = append(toInsert, sub)
		}
		if len(toInsert) == 0 {
			return nil
		}
		return tx.Subscriptions().CreateAll(ctx, toInsert)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("session registered",
		zap.String("session_id", sessionID),
		zap.Int("desired", len(desired)))
	return nil
}

// Unregister removes a single subscription tuple. Removing a tuple that is
// not stored is a no-op.
func (s *Service) Unregister(ctx context.Context, sessionID, topic string, filter fanout.Filter) error {
	if sessionID == "" {
		return ErrSessionIDRequired
	}
	sub := fanout.Subscription{SessionID: sessionID, Topic: topic, Filter: filter}
	if err := sub.Validate(); err != nil {
		return err
	}
	return s.store.Subscriptions().Delete(ctx, sub)
}

// Logout cascades an account logout: every session owned by the account is
// removed together with its subscriptions. Delivery history stays.
func (s *Service) Logout(ctx context.Context, accountID string) error {
	if accountID == "" {
		return nil
	}
	return s.store.Transaction(ctx, func(tx store.Store) error {
		ids, err := tx.Sessions().DeleteByAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		s.logger.Info("account logout cascade",
			zap.String("account_id", accountID),
			zap.Int("sessions", len(ids)))
		return tx.Subscriptions().DeleteBySessions(ctx, ids)
	})
}

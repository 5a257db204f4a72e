package store

import (
	"encoding/json"
	"time"

	"github.com/notifyhub/notifyhub/internal/fanout"
)

// SessionModel is the database row for a fanout.Session.
type SessionModel struct {
	ID        string    `gorm:"primaryKey;column:id;type:varchar(128)"`
	Token     string    `gorm:"column:token;type:varchar(512)"`
	AccountID string    `gorm:"column:account_id;type:varchar(128);index"`
	LastSeen  time.Time `gorm:"column:last_seen;index"`
}

// TableName implements gorm's table naming.
func (SessionModel) TableName() string { return "sessions" }

// ToSession converts the row to the domain type.
func (m *SessionModel) ToSession() *fanout.Session {
	return &fanout.Session{
		ID:        m.ID,
		Token:     m.Token,
		AccountID: m.AccountID,
		LastSeen:  m.LastSeen,
	}
}

// FromSession converts the domain type to a row.
func FromSession(s *fanout.Session) *SessionModel {
	return &SessionModel{
		ID:        s.ID,
		Token:     s.Token,
		AccountID: s.AccountID,
		LastSeen:  s.LastSeen,
	}
}

// SubscriptionModel is the database row for a fanout.Subscription. The
// canonical filter encoding doubles as part of the tuple uniqueness index,
// which is what makes duplicate (session, topic, filter) rows impossible.
type SubscriptionModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	SessionID string    `gorm:"column:session_id;type:varchar(128);uniqueIndex:idx_sub_tuple,priority:1;index"`
	Topic     string    `gorm:"column:topic;type:varchar(200);uniqueIndex:idx_sub_tuple,priority:2;index:idx_sub_topic"`
	FilterKey string    `gorm:"column:filter_key;type:varchar(512);uniqueIndex:idx_sub_tuple,priority:3"`
	Filter    string    `gorm:"column:filter;type:text"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName implements gorm's table naming.
func (SubscriptionModel) TableName() string { return "subscriptions" }

// ToSubscription converts the row to the domain type.
func (m *SubscriptionModel) ToSubscription() (fanout.Subscription, error) {
	sub := fanout.Subscription{
		SessionID: m.SessionID,
		Topic:     m.Topic,
	}
	if m.Filter != "" {
		if err := json.Unmarshal([]byte(m.Filter), &sub.Filter); err != nil {
			return fanout.Subscription{}, err
		}
	}
	return sub, nil
}

// FromSubscription converts the domain type to a row.
func FromSubscription(sub fanout.Subscription) (*SubscriptionModel, error) {
	m := &SubscriptionModel{
		SessionID: sub.SessionID,
		Topic:     sub.Topic,
		FilterKey: sub.Filter.Canonical(),
	}
	if len(sub.Filter) > 0 {
		raw, err := json.Marshal(sub.Filter)
		if err != nil {
			return nil, err
		}
		m.Filter = string(raw)
	}
	return m, nil
}

// HistoryModel is the database row for a fanout.HistoryRecord. The message
// is stored as its JSON encoding; only read_flag is mutated after insert.
type HistoryModel struct {
	ID                   string    `gorm:"primaryKey;column:id;type:varchar(64)"`
	SessionID            string    `gorm:"column:session_id;type:varchar(128);index"`
	Token                string    `gorm:"column:token;type:varchar(512)"`
	Message              string    `gorm:"column:message;type:text"`
	Read                 bool      `gorm:"column:read_flag"`
	OriginatingAccountID string    `gorm:"column:originating_account_id;type:varchar(128)"`
	Timestamp            time.Time `gorm:"column:timestamp;index"`
}

// TableName implements gorm's table naming.
func (HistoryModel) TableName() string { return "history_records" }

// ToHistoryRecord converts the row to the domain type.
func (m *HistoryModel) ToHistoryRecord() (*fanout.HistoryRecord, error) {
	rec := &fanout.HistoryRecord{
		ID:                   m.ID,
		SessionID:            m.SessionID,
		Token:                m.Token,
		Read:                 m.Read,
		OriginatingAccountID: m.OriginatingAccountID,
		Timestamp:            m.Timestamp,
	}
	if m.Message != "" {
		if err := json.Unmarshal([]byte(m.Message), &rec.Message); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// FromHistoryRecord converts the domain type to a row.
func FromHistoryRecord(rec *fanout.HistoryRecord) (*HistoryModel, error) {
	raw, err := json.Marshal(rec.Message)
	if err != nil {
		return nil, err
	}
	return &HistoryModel{
		ID:                   rec.ID,
		SessionID:            rec.SessionID,
		Token:                rec.Token,
		Message:              string(raw),
		Read:                 rec.Read,
		OriginatingAccountID: rec.OriginatingAccountID,
		Timestamp:            rec.Timestamp,
	}, nil
}

package fanout

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// TopicMaxLength bounds topic names; longer topics are rejected on
// registration and publish.
const TopicMaxLength = 200

var (
	// ErrSessionNotFound is returned when a session id resolves to nothing.
	ErrSessionNotFound = errors.New("session not found")

	// ErrHistoryNotFound is returned when a history record id resolves to nothing.
	ErrHistoryNotFound = errors.New("history record not found")

	// ErrMessageTooLarge is returned when a serialized message exceeds the
	// configured length limit. Checked before any store access.
	ErrMessageTooLarge = errors.New("message exceeds length limit")

	// ErrInvalidFilterValue is returned when a filter carries a value that is
	// neither a string nor a number.
	ErrInvalidFilterValue = errors.New("filter values must be strings or numbers")

	// ErrTopicTooLong is returned when a topic name exceeds TopicMaxLength.
	ErrTopicTooLong = errors.New("topic name too long")

	// ErrTopicEmpty is returned when a topic name is empty.
	ErrTopicEmpty = errors.New("topic name is empty")
)

// Filter narrows a subscription to the subset of a topic's messages that
// carry a structurally identical filter. A nil or empty filter matches every
// message on the topic.
type Filter map[string]any

// ParseFilter converts a decoded JSON object into a Filter, rejecting
// values that are neither strings nor numbers. A nil input yields a nil
// (wildcard) filter.
func ParseFilter(raw map[string]any) (Filter, error) {
	if raw == nil {
		return nil, nil
	}
	f := Filter(raw)
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks that every filter value is a string or a number. JSON
// decoding produces float64 for numbers, but int values are accepted for
// filters constructed in code.
func (f Filter) Validate() error {
	for k, v := range f {
		switch v.(type) {
		case string, float64, int, int32, int64, json.Number:
		default:
			return fmt.Errorf("%w: key %q has type %T", ErrInvalidFilterValue, k, v)
		}
	}
	return nil
}

// Canonical returns a deterministic encoding of the filter, used both for
// structural-equality comparison and as part of the subscription uniqueness
// key. The empty filter canonicalizes to "".
func (f Filter) Canonical() string {
	if len(f) == 0 {
		return ""
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		b.Write(kb)
		b.WriteByte(':')
		b.Write(canonicalValue(f[k]))
	}
	b.WriteByte('}')
	return b.String()
}

// canonicalValue normalizes numeric types so that a filter decoded from JSON
// compares equal to the same filter built with int literals.
func canonicalValue(v any) []byte {
	switch n := v.(type) {
	case int:
		v = float64(n)
	case int32:
		v = float64(n)
	case int64:
		v = float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			v = f
		}
	}
	out, _ := json.Marshal(v)
	return out
}

// Equal reports structural equality with another filter: same keys, same
// values, exact match in both directions.
func (f Filter) Equal(other Filter) bool {
	return f.Canonical() == other.Canonical()
}

// Matches reports whether a subscription holding this filter should receive
// a message published with msgFilter. An absent subscription filter is a
// wildcard; a present one must be structurally equal to the publish filter.
// Extra or missing keys on either side do not match.
func (f Filter) Matches(msgFilter Filter) bool {
	if len(f) == 0 {
		return true
	}
	return f.Equal(msgFilter)
}

// Session is one browser tab or device connection. The session id is stable
// across re-registrations; the delivery token may change on every one.
type Session struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	AccountID string    `json:"accountId,omitempty"`
	LastSeen  time.Time `json:"lastSeen"`
}

// TopicFilter is one desired subscription in a registration request: a
// topic, optionally narrowed by a filter.
type TopicFilter struct {
	Topic  string `json:"topic"`
	Filter Filter `json:"filter,omitempty"`
}

// Validate checks topic and filter constraints.
func (tf TopicFilter) Validate() error {
	if err := ValidateTopic(tf.Topic); err != nil {
		return err
	}
	return tf.Filter.Validate()
}

// Subscription ties a session to a topic, optionally narrowed by a filter.
// Uniqueness on (SessionID, Topic, Filter.Canonical()) is enforced by the
// stores.
type Subscription struct {
	SessionID string `json:"sessionId"`
	Topic     string `json:"topic"`
	Filter    Filter `json:"filter,omitempty"`
}

// Key returns the uniqueness key of the subscription tuple.
func (s Subscription) Key() string {
	return s.SessionID + "\x00" + s.Topic + "\x00" + s.Filter.Canonical()
}

// Validate checks topic and filter constraints.
func (s Subscription) Validate() error {
	if err := ValidateTopic(s.Topic); err != nil {
		return err
	}
	return s.Filter.Validate()
}

// ValidateTopic rejects empty and over-long topic names.
func ValidateTopic(topic string) error {
	if topic == "" {
		return ErrTopicEmpty
	}
	if len(topic) > TopicMaxLength {
		return fmt.Errorf("%w: %d > %d", ErrTopicTooLong, len(topic), TopicMaxLength)
	}
	return nil
}

// Message is the dispatch input. It is not persisted as its own entity; a
// copy travels inside every HistoryRecord created for it.
type Message struct {
	Topic  string          `json:"topic"`
	Filter Filter          `json:"filter,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// EncodedSize returns the serialized size of the message in bytes, as
// compared against the configured length limit.
func (m Message) EncodedSize() (int, error) {
	out, err := json.Marshal(m)
	if err != nil {
		return 0, err
	}
	return len(out), nil
}

// Validate checks topic, filter, and the serialized size against limit.
func (m Message) Validate(limit int) error {
	if err := ValidateTopic(m.Topic); err != nil {
		return err
	}
	if err := m.Filter.Validate(); err != nil {
		return err
	}
	size, err := m.EncodedSize()
	if err != nil {
		return err
	}
	if size > limit {
		return fmt.Errorf("%w: %d bytes > %d", ErrMessageTooLarge, size, limit)
	}
	return nil
}

// HistoryRecord is the append-only delivery attempt record, created in the
// same transaction that resolves the fanout and immediately before the
// transport call. It survives session deletion.
type HistoryRecord struct {
	ID                   string    `json:"id"`
	SessionID            string    `json:"sessionId"`
	Token                string    `json:"token"`
	Message              Message   `json:"message"`
	Read                 bool      `json:"read"`
	OriginatingAccountID string    `json:"originatingAccountId,omitempty"`
	Timestamp            time.Time `json:"timestamp"`
}

// DispatchResult reports the fanout and transport outcome of one publish.
type DispatchResult struct {
	Matched      int `json:"matched"`
	SuccessCount int `json:"successCount"`
	FailureCount int `json:"failureCount"`
}

package fanout

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterCanonical(t *testing.T) {
	t.Run("empty filter canonicalizes to empty string", func(t *testing.T) {
		assert.Equal(t, "", Filter(nil).Canonical())
		assert.Equal(t, "", Filter{}.Canonical())
	})

	t.Run("key order does not matter", func(t *testing.T) {
		a := Filter{"b": "2", "a": "1"}
		b := Filter{"a": "1", "b": "2"}
		assert.Equal(t, a.Canonical(), b.Canonical())
	})

	t.Run("int and float64 forms compare equal", func(t *testing.T) {
		fromCode := Filter{"projectId": 42}

		var fromJSON Filter
		require.NoError(t, json.Unmarshal([]byte(`{"projectId": 42}`), &fromJSON))

		assert.True(t, fromCode.Equal(fromJSON))
	})
}

func TestFilterMatches(t *testing.T) {
	tests := []struct {
		name      string
		sub       Filter
		msg       Filter
		wantMatch bool
	}{
		{"absent subscription filter matches everything", nil, Filter{"k": "v"}, true},
		{"absent subscription filter matches absent message filter", nil, nil, true},
		{"equal filters match", Filter{"k": "v"}, Filter{"k": "v"}, true},
		{"different values do not match", Filter{"k": "v"}, Filter{"k": "w"}, false},
		{"extra message key does not match", Filter{"k": "v"}, Filter{"k": "v", "x": "y"}, false},
		{"missing message key does not match", Filter{"k": "v", "x": "y"}, Filter{"k": "v"}, false},
		{"present subscription filter vs absent message filter", Filter{"k": "v"}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMatch, tt.sub.Matches(tt.msg))
		})
	}
}

func TestFilterValidate(t *testing.T) {
	assert.NoError(t, Filter{"s": "x", "n": 1.5, "i": 3}.Validate())

	err := Filter{"nested": map[string]any{"k": "v"}}.Validate()
	assert.ErrorIs(t, err, ErrInvalidFilterValue)

	err = Filter{"list": []any{"a"}}.Validate()
	assert.ErrorIs(t, err, ErrInvalidFilterValue)

	err = Filter{"b": true}.Validate()
	assert.ErrorIs(t, err, ErrInvalidFilterValue)
}

func TestValidateTopic(t *testing.T) {
	assert.NoError(t, ValidateTopic("project.updated"))
	assert.ErrorIs(t, ValidateTopic(""), ErrTopicEmpty)
	assert.ErrorIs(t, ValidateTopic(strings.Repeat("t", TopicMaxLength+1)), ErrTopicTooLong)
	assert.NoError(t, ValidateTopic(strings.Repeat("t", TopicMaxLength)))
}

func TestMessageValidate(t *testing.T) {
	msg := Message{Topic: "orders", Data: json.RawMessage(`{"id":1}`)}
	assert.NoError(t, msg.Validate(10*1024))

	big := Message{Topic: "orders", Data: json.RawMessage(`"` + strings.Repeat("x", 11*1024) + `"`)}
	assert.ErrorIs(t, big.Validate(10*1024), ErrMessageTooLarge)

	// The limit applies to the serialized message, not just the data.
	size, err := msg.EncodedSize()
	require.NoError(t, err)
	assert.ErrorIs(t, msg.Validate(size-1), ErrMessageTooLarge)
	assert.NoError(t, msg.Validate(size))
}

func TestSubscriptionKey(t *testing.T) {
	a := Subscription{SessionID: "s1", Topic: "t", Filter: Filter{"k": "v"}}
	b := Subscription{SessionID: "s1", Topic: "t", Filter: Filter{"k": "v"}}
	c := Subscription{SessionID: "s1", Topic: "t"}

	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
}

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter(map[string]any{"k": "v", "n": float64(2)})
	require.NoError(t, err)
	assert.True(t, f.Equal(Filter{"k": "v", "n": 2}))

	f, err = ParseFilter(nil)
	require.NoError(t, err)
	assert.Nil(t, f)

	_, err = ParseFilter(map[string]any{"bad": []any{1}})
	assert.ErrorIs(t, err, ErrInvalidFilterValue)
}

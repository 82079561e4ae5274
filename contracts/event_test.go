package contracts

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	t.Run("stamps id and timestamp", func(t *testing.T) {
		before := time.Now().UTC()
		evt, err := NewEvent("message", []string{"alice", "bob"}, map[string]string{"k": "v"})
		require.NoError(t, err)

		_, err = uuid.Parse(evt.ID)
		assert.NoError(t, err)
		assert.Equal(t, "message", evt.Type)
		assert.Equal(t, []string{"alice", "bob"}, evt.UserIDs)
		assert.Empty(t, evt.RoutingKey)
		assert.False(t, evt.Timestamp.Before(before))
		assert.Equal(t, time.UTC, evt.Timestamp.Location())
		assert.JSONEq(t, `{"k":"v"}`, string(evt.Payload))
	})

	t.Run("copies recipient slice", func(t *testing.T) {
		recipients := []string{"alice"}
		evt, err := NewEvent("message", recipients, nil)
		require.NoError(t, err)

		recipients[0] = "mallory"
		assert.Equal(t, []string{"alice"}, evt.UserIDs)
	})

	t.Run("accepts raw JSON payloads", func(t *testing.T) {
		evt, err := NewEvent("raw", nil, json.RawMessage(`{"a":1}`))
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, string(evt.Payload))

		evt, err = NewEvent("raw", nil, []byte(`[1,2]`))
		require.NoError(t, err)
		assert.Equal(t, `[1,2]`, string(evt.Payload))
	})

	t.Run("rejects invalid byte payloads", func(t *testing.T) {
		_, err := NewEvent("raw", nil, []byte(`{not json`))
		assert.Error(t, err)
	})

	t.Run("rejects unencodable payloads", func(t *testing.T) {
		_, err := NewEvent("bad", nil, make(chan int))
		assert.Error(t, err)
	})
}

func TestNewScheduleEvent(t *testing.T) {
	evt, err := NewScheduleEvent("shift", "provider-1", map[string]int{"slot": 3})
	require.NoError(t, err)

	assert.Equal(t, "provider-1", evt.RoutingKey)
	assert.Empty(t, evt.UserIDs)
	assert.Equal(t, "shift", evt.Type)
}

func TestEventRoundTrip(t *testing.T) {
	t.Run("direct event", func(t *testing.T) {
		evt, err := NewEvent("message", []string{"alice", "bob"}, map[string]any{"n": 1})
		require.NoError(t, err)

		data, err := evt.Marshal()
		require.NoError(t, err)

		got, err := Unmarshal(data)
		require.NoError(t, err)

		if diff := cmp.Diff(evt, got); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("schedule event without payload", func(t *testing.T) {
		evt, err := NewScheduleEvent("ping", "provider-1", nil)
		require.NoError(t, err)

		data, err := evt.Marshal()
		require.NoError(t, err)

		got, err := Unmarshal(data)
		require.NoError(t, err)

		if diff := cmp.Diff(evt, got); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestEventWireFormat(t *testing.T) {
	evt := &Event{
		ID:        "evt-1",
		Type:      "message",
		UserIDs:   []string{"alice"},
		Timestamp: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Payload:   json.RawMessage(`{"content":"hi"}`),
	}

	data, err := evt.Marshal()
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"id": "evt-1",
		"type": "message",
		"userIds": ["alice"],
		"timestamp": "2024-05-01T10:00:00Z",
		"payload": {"content": "hi"}
	}`, string(data))
}

func TestEventValidate(t *testing.T) {
	assert.ErrorIs(t, (&Event{}).Validate(), ErrMissingType)
	assert.NoError(t, (&Event{Type: "message"}).Validate())
}

func TestEventDecodePayload(t *testing.T) {
	t.Run("decodes into target", func(t *testing.T) {
		evt := &Event{Type: "message", Payload: json.RawMessage(`{"content":"hi","userIds":["a"]}`)}

		var msg Message
		require.NoError(t, evt.DecodePayload(&msg))
		assert.Equal(t, "hi", msg.Content)
		assert.Equal(t, []string{"a"}, msg.UserIDs)
	})

	t.Run("missing payload", func(t *testing.T) {
		var msg Message
		assert.ErrorIs(t, (&Event{Type: "message"}).DecodePayload(&msg), ErrMissingPayload)
	})

	t.Run("mismatched payload", func(t *testing.T) {
		evt := &Event{Type: "message", Payload: json.RawMessage(`[1,2,3]`)}

		var msg Message
		err := evt.DecodePayload(&msg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "message payload")
	})
}

func TestUnmarshalInvalid(t *testing.T) {
	_, err := Unmarshal([]byte("not json"))
	assert.Error(t, err)
}

package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch1, cancel1 := bus.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := bus.Subscribe(4)
	defer cancel2()

	bus.Publish(NewEvent(EventOperationStarted, "s1", map[string]any{"operation_id": "op1"}))

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case event := <-ch:
			assert.Equal(t, EventOperationStarted, event.Type)
			assert.Equal(t, "s1", event.SessionID)
			assert.Equal(t, "op1", event.Fields["operation_id"])
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBusTypeFilter(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(4, EventOperationFailed)
	defer cancel()

	bus.Publish(NewEvent(EventOperationStarted, "s1", nil))
	bus.Publish(NewEvent(EventOperationFailed, "s1", nil))

	select {
	case event := <-ch:
		assert.Equal(t, EventOperationFailed, event.Type)
	case <-time.After(time.Second):
		t.Fatal("filtered event not delivered")
	}
	select {
	case event := <-ch:
		t.Fatalf("unexpected event %s", event.Type)
	default:
	}
}

func TestBusDropsOldestWhenFull(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(2)
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Publish(NewEvent(EventBatchSnapshot, "s1", map[string]any{"seq": i}))
	}

	// The queue holds the two newest events; older ones were dropped.
	first := <-ch
	second := <-ch
	assert.Equal(t, 3, first.Fields["seq"])
	assert.Equal(t, 4, second.Fields["seq"])
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			bus.Publish(NewEvent(EventBatchSnapshot, "s1", nil))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBusRejectsMalformedEvents(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(4)
	defer cancel()

	bus.Publish(Event{Type: "mystery", SessionID: "s1", Timestamp: time.Now()})
	bus.Publish(Event{Type: EventComplete, Timestamp: time.Now()}) // no session

	select {
	case event := <-ch:
		t.Fatalf("malformed event delivered: %v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusCloseClosesSubscribers(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Subscribe(4)
	bus.Close()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after close is a no-op.
	bus.Publish(NewEvent(EventComplete, "s1", nil))
}

func TestEventJSONFormat(t *testing.T) {
	event := NewEvent(EventOperationCompleted, "session-1", map[string]any{"operation_id": "op2"})
	data, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "operation_completed", decoded["type"])
	assert.Equal(t, "session-1", decoded["session_id"])

	// Kind-specific fields sit at the top level, not under a nested object.
	assert.Equal(t, "op2", decoded["operation_id"])
	assert.NotContains(t, decoded, "fields")

	_, err = time.Parse(time.RFC3339Nano, decoded["timestamp"].(string))
	require.NoError(t, err)
}

func TestEventJSONEnvelopeKeysWin(t *testing.T) {
	event := NewEvent(EventError, "s1", map[string]any{"session_id": "spoofed", "error": "boom"})
	data, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "s1", decoded["session_id"])
	assert.Equal(t, "boom", decoded["error"])
}

func TestWriteNDJSON(t *testing.T) {
	events := make(chan Event, 2)
	events <- NewEvent(EventClassifying, "s1", nil)
	events <- NewEvent(EventComplete, "s1", nil)
	close(events)

	var buf bytes.Buffer
	require.NoError(t, WriteNDJSON(context.Background(), &buf, events))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var obj map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &obj))
	}
}

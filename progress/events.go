// Package progress provides the in-process event bus carrying execution
// progress to subscribers (CLI, logs, external consumers). Delivery is
// at-least-once within the process; a slow subscriber never stalls the
// publisher (its oldest events are dropped instead).
package progress

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType enumerates the closed set of progress event variants.
type EventType string

// Progress event types, in rough lifecycle order.
const (
	EventClassifying         EventType = "classifying"
	EventDatabasesSelected   EventType = "databases_selected"
	EventPlanning            EventType = "planning"
	EventPlanValidated       EventType = "plan_validated"
	EventSchemaLoading       EventType = "schema_loading"
	EventSchemaChunks        EventType = "schema_chunks"
	EventQueryGenerating     EventType = "query_generating"
	EventQueryValidating     EventType = "query_validating"
	EventQueryExecuting      EventType = "query_executing"
	EventOperationStarted    EventType = "operation_started"
	EventOperationCompleted  EventType = "operation_completed"
	EventOperationFailed     EventType = "operation_failed"
	EventBatchSnapshot       EventType = "batch_snapshot"
	EventExecutorComplete    EventType = "executor_complete"
	EventPartialResults      EventType = "partial_results"
	EventAggregating         EventType = "aggregating"
	EventAggregationComplete EventType = "aggregation_complete"
	EventError               EventType = "error"
	EventComplete            EventType = "complete"
)

// knownTypes guards against publishing outside the closed set.
var knownTypes = map[EventType]bool{
	EventClassifying: true, EventDatabasesSelected: true, EventPlanning: true,
	EventPlanValidated: true, EventSchemaLoading: true, EventSchemaChunks: true,
	EventQueryGenerating: true, EventQueryValidating: true, EventQueryExecuting: true,
	EventOperationStarted: true, EventOperationCompleted: true, EventOperationFailed: true,
	EventBatchSnapshot: true, EventExecutorComplete: true, EventPartialResults: true, EventAggregating: true,
	EventAggregationComplete: true, EventError: true, EventComplete: true,
}

// Event is one progress record. Fields holds the kind-specific payload,
// inlined at the top level of the JSON encoding.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Fields    map[string]any `json:"-"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(eventType EventType, sessionID string, fields map[string]any) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Fields:    fields,
	}
}

// Validate checks the event is well-formed.
func (e Event) Validate() error {
	if !knownTypes[e.Type] {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	return nil
}

// MarshalJSON renders the event with an RFC3339Nano timestamp and the
// kind-specific fields at the top level, the format of the line-delimited
// event stream. The envelope keys win over same-named payload fields.
func (e Event) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		doc[k] = v
	}
	doc["type"] = e.Type
	doc["timestamp"] = e.Timestamp.Format(time.RFC3339Nano)
	doc["session_id"] = e.SessionID
	return json.Marshal(doc)
}

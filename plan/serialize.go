package plan

import (
	"encoding/json"
	"fmt"
)

// operationWire is the JSON shape of an operation. Params is deferred so the
// variant can be dispatched from metadata.operation_type (falling back to
// db_type). Unknown fields elsewhere in the document are tolerated.
type operationWire struct {
	ID            string          `json:"id"`
	SourceID      string          `json:"source_id,omitempty"`
	DBType        string          `json:"db_type,omitempty"`
	DependsOn     []string        `json:"depends_on,omitempty"`
	Metadata      Metadata        `json:"metadata"`
	Params        json.RawMessage `json:"params"`
	Status        Status          `json:"status"`
	Result        any             `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	ExecutionTime float64         `json:"execution_time,omitempty"`
}

// UnmarshalJSON decodes an operation, dispatching the params variant on
// metadata.operation_type, then db_type.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var wire operationWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode operation: %w", err)
	}

	variant := wire.Metadata.OperationType
	if variant == "" {
		v, ok := variantForKind(wire.DBType)
		if !ok {
			return fmt.Errorf("operation %s: cannot determine variant (no operation_type, db_type %q)", wire.ID, wire.DBType)
		}
		variant = v
	}

	params, err := decodeParams(variant, wire.Params)
	if err != nil {
		return fmt.Errorf("operation %s: %w", wire.ID, err)
	}

	status := wire.Status
	if status == "" {
		status = StatusPending
	}

	*o = Operation{
		ID:            wire.ID,
		SourceID:      wire.SourceID,
		DBType:        wire.DBType,
		DependsOn:     wire.DependsOn,
		Metadata:      wire.Metadata,
		Params:        params,
		Status:        status,
		Result:        wire.Result,
		Error:         wire.Error,
		ExecutionTime: wire.ExecutionTime,
	}
	return nil
}

func decodeParams(variant string, raw json.RawMessage) (Params, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var p Params
	switch variant {
	case "sql":
		p = &SQLParams{}
	case "mongo":
		p = &MongoParams{}
	case "vector":
		p = &VectorParams{}
	case "messaging":
		p = &MessagingParams{}
	case "commerce":
		p = &CommerceParams{}
	case "generic":
		p = &GenericParams{}
	case "aggregate":
		p = &AggregateParams{}
	default:
		return nil, fmt.Errorf("%w: variant %q", ErrUnknownKind, variant)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s params: %w", variant, err)
	}
	return p, nil
}

// MarshalJSON ensures the wire shape is stable regardless of variant.
func (o *Operation) MarshalJSON() ([]byte, error) {
	rawParams, err := json.Marshal(o.Params)
	if err != nil {
		return nil, fmt.Errorf("operation %s: encode params: %w", o.ID, err)
	}
	return json.Marshal(operationWire{
		ID:            o.ID,
		SourceID:      o.SourceID,
		DBType:        o.DBType,
		DependsOn:     o.DependsOn,
		Metadata:      o.Metadata,
		Params:        rawParams,
		Status:        o.Status,
		Result:        o.Result,
		Error:         o.Error,
		ExecutionTime: o.ExecutionTime,
	})
}

// Decode parses a plan document from JSON.
func Decode(data []byte) (*QueryPlan, error) {
	var p QueryPlan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &p, nil
}

// Encode serializes the plan to indented JSON.
func (p *QueryPlan) Encode() ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}

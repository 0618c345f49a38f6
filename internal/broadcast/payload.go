package broadcast

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/groupcast/internal/ir"
)

// DefaultMethod is the client method invoked for every notification.
const DefaultMethod = "entityUpdated"

// Payload is the client-facing form of a change notification.
type Payload struct {
	ChangeType       string         `json:"change_type"`
	EntityType       string         `json:"entity_type"`
	EntityKeys       map[string]any `json:"entity_keys"`
	SourceFieldNames []string       `json:"source_field_names"`
	Changes          []FieldChange  `json:"changes,omitempty"`
	CommitID         string         `json:"commit_id,omitempty"`
	SchemaVersion    string         `json:"schema_version"`
}

// FieldChange is one modified property of an update, as plain JSON values.
type FieldChange struct {
	Name   string `json:"name"`
	Before any    `json:"before"`
	After  any    `json:"after"`
}

// NewPayload converts a notification. Key values become plain JSON values.
func NewPayload(n ir.ChangeNotification) Payload {
	keys := make(map[string]any, len(n.KeyNames))
	for _, kv := range n.Keys() {
		keys[kv.Name] = ir.ToAny(kv.Value)
	}
	fields := n.SourceFields
	if fields == nil {
		fields = []string{}
	}
	var changes []FieldChange
	for _, c := range n.Changes {
		changes = append(changes, FieldChange{Name: c.Name, Before: ir.ToAny(c.Before), After: ir.ToAny(c.After)})
	}
	return Payload{
		ChangeType:       n.Change.String(),
		EntityType:       n.EntityType,
		EntityKeys:       keys,
		SourceFieldNames: fields,
		Changes:          changes,
		CommitID:         n.CommitID,
		SchemaVersion:    ir.SchemaVersion,
	}
}

// Message is one push to a client: the method to invoke and its argument.
type Message struct {
	Method  string  `json:"method"`
	GroupID string  `json:"group_id"`
	Payload Payload `json:"payload"`
}

// Encode returns the JSON wire form of m.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// DecodeMessage parses the JSON wire form produced by Encode.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

package ir

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// EntryState is the tracking state a Store reports for an entity.
type EntryState int

const (
	StateDetached EntryState = iota
	StateUnchanged
	StateAdded
	StateModified
	StateDeleted
)

var entryStateNames = [...]string{"detached", "unchanged", "added", "modified", "deleted"}

func (s EntryState) String() string {
	if s >= 0 && int(s) < len(entryStateNames) {
		return entryStateNames[s]
	}
	return fmt.Sprintf("EntryState(%d)", int(s))
}

// TrackedEntry is one entity as enumerated from a Store's pending changes.
//
// Properties lists the entity's scalar property names in declaration order.
// Original holds the values as loaded (unset for Added entries); Current
// holds the values as they will be written (unset for Deleted entries).
type TrackedEntry struct {
	Entity     *Entity
	State      EntryState
	Properties []string
	Original   Object
	Current    Object
}

// ChangeKind classifies a captured change. Unchanged entities never
// produce a record.
type ChangeKind int

const (
	Inserted ChangeKind = iota + 1
	Updated
	Deleted
)

func (k ChangeKind) String() string {
	switch k {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// PropertyDelta is the before/after pair of one scalar property.
// Before is Null for inserts, After is Null for deletes. Changed is
// meaningful only for updates.
type PropertyDelta struct {
	Name    string
	Before  Value
	After   Value
	Changed bool
}

// KeyValue is one primary-key property and its value.
type KeyValue struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

// Keys is an ordered primary key.
type Keys []KeyValue

// Names returns the key property names in order.
func (k Keys) Names() []string {
	out := make([]string, len(k))
	for i, kv := range k {
		out[i] = kv.Name
	}
	return out
}

// Values returns the key values in order.
func (k Keys) Values() []Value {
	out := make([]Value, len(k))
	for i, kv := range k {
		out[i] = kv.Value
	}
	return out
}

// ErrIdentityAlreadySet is returned when a record's identity is assigned twice.
var ErrIdentityAlreadySet = errors.New("identity already set")

// ErrIdentityNotDeferred is returned when assigning identity to a record
// that captured it at construction.
var ErrIdentityNotDeferred = errors.New("identity is only deferred for inserted records")

// ChangeRecord is the snapshot of one entity's change, captured before commit.
//
// A record is immutable once constructed, apart from the deferred identity of
// inserted records, which is assigned exactly once after commit.
type ChangeRecord struct {
	entity     *Entity
	kind       ChangeKind
	properties []PropertyDelta

	identity    Keys
	hasIdentity bool
}

// NewChangeRecord creates a record. Pass nil keys for inserted records.
// The record keeps its own copies of props and keys.
func NewChangeRecord(entity *Entity, kind ChangeKind, props []PropertyDelta, keys Keys) *ChangeRecord {
	r := &ChangeRecord{entity: entity, kind: kind, properties: slices.Clone(props)}
	if keys != nil {
		r.identity = slices.Clone(keys)
		r.hasIdentity = true
	}
	return r
}

// Entity returns the tracked entity the record was captured from.
func (r *ChangeRecord) Entity() *Entity {
	return r.entity
}

// Kind returns the change kind.
func (r *ChangeRecord) Kind() ChangeKind {
	return r.kind
}

// Properties returns a copy of the property deltas in declaration order.
func (r *ChangeRecord) Properties() []PropertyDelta {
	return slices.Clone(r.properties)
}

// EntityType returns the record's entity type name.
func (r *ChangeRecord) EntityType() string {
	if r.entity == nil {
		return ""
	}
	return r.entity.Type
}

// Identity returns the primary key and whether it is known.
func (r *ChangeRecord) Identity() (Keys, bool) {
	return slices.Clone(r.identity), r.hasIdentity
}

// SetIdentity assigns the post-commit identity of an inserted record.
func (r *ChangeRecord) SetIdentity(keys Keys) error {
	if r.kind != Inserted {
		return ErrIdentityNotDeferred
	}
	if r.hasIdentity {
		return ErrIdentityAlreadySet
	}
	r.identity = slices.Clone(keys)
	r.hasIdentity = true
	return nil
}

// Property returns the delta for name.
func (r *ChangeRecord) Property(name string) (PropertyDelta, bool) {
	for _, p := range r.properties {
		if p.Name == name {
			return p, true
		}
	}
	return PropertyDelta{}, false
}

// Changes returns the properties an update modified, in declaration order.
// Inserts and deletes have none.
func (r *ChangeRecord) Changes() []PropertyChange {
	if r.kind != Updated {
		return nil
	}
	var out []PropertyChange
	for _, p := range r.properties {
		if p.Changed {
			out = append(out, PropertyChange{Name: p.Name, Before: p.Before, After: p.After})
		}
	}
	return out
}

// PropertyChange is the before and after value of one modified property.
type PropertyChange struct {
	Name   string `json:"name"`
	Before Value  `json:"before"`
	After  Value  `json:"after"`
}

// GroupingRule names a set of properties whose combined values address a
// notification group. PropertyNames are sorted and unique.
type GroupingRule struct {
	EntityType    string   `json:"entity_type"`
	PropertyNames []string `json:"property_names"`
}

// NewGroupingRule normalizes names (sorted ascending). It does not
// de-duplicate; callers reject repeated names before constructing a rule.
func NewGroupingRule(entityType string, names ...string) GroupingRule {
	sorted := slices.Clone(names)
	slices.Sort(sorted)
	return GroupingRule{EntityType: entityType, PropertyNames: sorted}
}

// Key returns the normalized form used for de-duplication and ordering.
func (r GroupingRule) Key() string {
	return r.EntityType + "(" + strings.Join(r.PropertyNames, ",") + ")"
}

// Matches reports whether the rule's property set equals names.
func (r GroupingRule) Matches(names []string) bool {
	if len(names) != len(r.PropertyNames) {
		return false
	}
	sorted := slices.Clone(names)
	slices.Sort(sorted)
	return slices.Equal(sorted, r.PropertyNames)
}

// GroupChange is the kind of a notification relative to its group.
type GroupChange int

const (
	GroupAdded GroupChange = iota + 1
	GroupUpdated
	GroupRemoved
)

var groupChangeNames = map[GroupChange]string{
	GroupAdded:   "Added",
	GroupUpdated: "Updated",
	GroupRemoved: "Removed",
}

func (c GroupChange) String() string {
	if s, ok := groupChangeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("GroupChange(%d)", int(c))
}

// ParseGroupChange parses the string form produced by String.
func ParseGroupChange(s string) (GroupChange, error) {
	for c, name := range groupChangeNames {
		if strings.EqualFold(name, s) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown group change %q", s)
}

// MarshalJSON encodes the change as its name.
func (c GroupChange) MarshalJSON() ([]byte, error) {
	s, ok := groupChangeNames[c]
	if !ok {
		return nil, fmt.Errorf("invalid group change %d", int(c))
	}
	return json.Marshal(s)
}

// UnmarshalJSON decodes the change from its name.
func (c *GroupChange) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseGroupChange(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ChangeNotification is the event delivered to one group.
//
// SourceFields are the grouping rule's property names (empty for the
// identity group) and SourceValues the values that address the group.
// Changes lists the modified properties of an update.
type ChangeNotification struct {
	GroupID      string           `json:"group_id"`
	EntityType   string           `json:"entity_type"`
	Change       GroupChange      `json:"change"`
	KeyNames     []string         `json:"key_names"`
	KeyValues    []Value          `json:"key_values"`
	SourceFields []string         `json:"source_fields"`
	SourceValues []Value          `json:"source_values"`
	Changes      []PropertyChange `json:"changes,omitempty"`
	CommitID     string           `json:"commit_id"`
	Seq          int64            `json:"seq"`
}

// Keys returns the notification's primary key as ordered pairs.
func (n ChangeNotification) Keys() Keys {
	out := make(Keys, len(n.KeyNames))
	for i, name := range n.KeyNames {
		var v Value = Null{}
		if i < len(n.KeyValues) {
			v = n.KeyValues[i]
		}
		out[i] = KeyValue{Name: name, Value: v}
	}
	return out
}

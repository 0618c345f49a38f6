package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for group identifiers.
// Version suffix enables future algorithm migration.
const (
	DomainGroup    = "groupcast/group/v1"
	DomainIdentity = "groupcast/identity/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte (0x00) separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ResolveError reports a group identifier that could not be computed.
type ResolveError struct {
	EntityType string
	Properties []string
	Message    string
	Err        error
}

func (e *ResolveError) Error() string {
	msg := fmt.Sprintf("resolve group %s%v: %s", e.EntityType, e.Properties, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

// GroupID computes the identifier of the group addressed by rule and values.
//
// values[i] is the value of rule.PropertyNames[i]. The identifier is a
// function of the entity type, the ordered property names and the values, so
// equal inputs always produce the same string and distinct rules never share
// an identifier. Quoting in the canonical encoding keeps values containing
// separators or digits from colliding.
func GroupID(rule GroupingRule, values []Value) (string, error) {
	if len(values) != len(rule.PropertyNames) {
		return "", &ResolveError{
			EntityType: rule.EntityType,
			Properties: rule.PropertyNames,
			Message:    fmt.Sprintf("expected %d values, got %d", len(rule.PropertyNames), len(values)),
		}
	}

	vals := make([]Value, len(values))
	for i, v := range values {
		if v == nil {
			v = Null{}
		}
		vals[i] = v
	}

	canonical, err := MarshalCanonical(map[string]any{
		"entity":     rule.EntityType,
		"properties": rule.PropertyNames,
		"values":     vals,
	})
	if err != nil {
		return "", &ResolveError{
			EntityType: rule.EntityType,
			Properties: rule.PropertyNames,
			Message:    "encode values",
			Err:        err,
		}
	}

	return hashWithDomain(DomainGroup, canonical), nil
}

// IdentityGroupID computes the identifier of the reserved per-entity group
// addressed by primary key. It lives in its own hash domain so it can never
// equal a GroupID.
func IdentityGroupID(entityType string, keys Keys) (string, error) {
	if len(keys) == 0 {
		return "", &ResolveError{EntityType: entityType, Message: "identity has no key values"}
	}

	names := make([]string, len(keys))
	vals := make([]Value, len(keys))
	for i, kv := range keys {
		names[i] = kv.Name
		vals[i] = kv.Value
		if vals[i] == nil {
			vals[i] = Null{}
		}
	}

	canonical, err := MarshalCanonical(map[string]any{
		"entity": entityType,
		"keys":   names,
		"values": vals,
	})
	if err != nil {
		return "", &ResolveError{
			EntityType: entityType,
			Properties: names,
			Message:    "encode key values",
			Err:        err,
		}
	}

	return hashWithDomain(DomainIdentity, canonical), nil
}

// MustGroupID is like GroupID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustGroupID(rule GroupingRule, values ...Value) string {
	id, err := GroupID(rule, values)
	if err != nil {
		panic(err)
	}
	return id
}

// MustIdentityGroupID is like IdentityGroupID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustIdentityGroupID(entityType string, keys Keys) string {
	id, err := IdentityGroupID(entityType, keys)
	if err != nil {
		panic(err)
	}
	return id
}

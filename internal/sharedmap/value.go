package sharedmap

import (
	"context"
	"encoding/json"
)

// StoredValueType tags the two variants of a stored value.
type StoredValueType string

const (
	StoredValuePlain         StoredValueType = "Plain"
	StoredValueCollaborative StoredValueType = "Collaborative"
)

// Reference points at another collaborative object by kind and id. It is
// a weak logical reference: the map does not own the target's lifetime.
type Reference struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// StoredValue is the tagged sum Plain(payload) | Reference(kind, id) that
// a key's stored slot actually holds.
type StoredValue struct {
	Type  StoredValueType `json:"type"`
	Value json.RawMessage `json:"value"`
}

// PlainValue wraps an arbitrary JSON-compatible payload as a Plain stored
// value.
func PlainValue(payload any) (StoredValue, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return StoredValue{}, err
	}
	return StoredValue{Type: StoredValuePlain, Value: raw}, nil
}

// ReferenceValue wraps a Reference as a Collaborative stored value.
func ReferenceValue(ref Reference) (StoredValue, error) {
	raw, err := json.Marshal(ref)
	if err != nil {
		return StoredValue{}, err
	}
	return StoredValue{Type: StoredValueCollaborative, Value: raw}, nil
}

// Reference decodes a Collaborative stored value's payload. Callers must
// check Type first.
func (sv StoredValue) Reference() (Reference, error) {
	var ref Reference
	err := json.Unmarshal(sv.Value, &ref)
	return ref, err
}

// Payload unmarshals a Plain stored value's payload into v.
func (sv StoredValue) Payload(v any) error {
	return json.Unmarshal(sv.Value, v)
}

// CollaborativeObject is the capability probe: any value advertising
// identity, a kind tag, and attach lifecycle is treated as a nested
// collaborative object rather than opaque payload.
type CollaborativeObject interface {
	ID() string
	Kind() string
	IsLocal() bool
	Attach(ctx context.Context, services Services) error
}

// encodeValue turns a Set's argument into a StoredValue: a
// CollaborativeObject becomes a Reference and registers itself into the
// nested object cache so a later Get on this client resolves it without a
// round trip; everything else is marshaled as a Plain value.
func encodeValue(userValue any, cache *nestedCache) (StoredValue, error) {
	if obj, ok := userValue.(CollaborativeObject); ok {
		cache.put(obj.ID(), obj)
		return ReferenceValue(Reference{Kind: obj.Kind(), ID: obj.ID()})
	}
	return PlainValue(userValue)
}

// decodePlain handles the Plain half of decoding a stored value. Decoding a
// Reference requires materializing through the registry adapter, which may
// block on I/O, so the engine drives that half itself (see SharedMap.Get)
// rather than doing it here under lock.
func decodePlain(sv StoredValue) (any, error) {
	var payload any
	if err := sv.Payload(&payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// nestedCache maps a nested object's id to the live handle this map holds
// for it. It is local state, guarded by the same mutex as the rest of the
// engine, so it carries no lock of its own.
type nestedCache struct {
	byID map[string]CollaborativeObject
}

func newNestedCache() *nestedCache {
	return &nestedCache{byID: make(map[string]CollaborativeObject)}
}

func (c *nestedCache) put(id string, obj CollaborativeObject) {
	c.byID[id] = obj
}

func (c *nestedCache) get(id string) (CollaborativeObject, bool) {
	obj, ok := c.byID[id]
	return obj, ok
}

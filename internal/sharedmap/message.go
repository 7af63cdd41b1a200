package sharedmap

import (
	"context"
	"encoding/json"
)

// OpType tags the three mutations a collaborative map supports.
type OpType string

const (
	OpSet    OpType = "set"
	OpDelete OpType = "delete"
	OpClear  OpType = "clear"
)

// Operation is the tagged sum {Set(key, value) | Delete(key) | Clear}.
type Operation struct {
	Type  OpType       `json:"type"`
	Key   string       `json:"key,omitempty"`
	Value *StoredValue `json:"value,omitempty"`
}

// OutboundMessage is a locally-issued message awaiting a server sequence
// number.
type OutboundMessage struct {
	ClientSequenceNumber    uint64    `json:"clientSequenceNumber"`
	ReferenceSequenceNumber uint64    `json:"referenceSequenceNumber"`
	Op                      Operation `json:"op"`
}

// MessageKind distinguishes operation messages from transport control
// traffic the engine ignores.
type MessageKind string

const (
	MessageKindOp      MessageKind = "op"
	MessageKindControl MessageKind = "control"
)

// SequencedMessage is an OutboundMessage with the server overlay attached.
type SequencedMessage struct {
	OutboundMessage
	SequenceNumber        uint64      `json:"sequenceNumber"`
	MinimumSequenceNumber uint64      `json:"minimumSequenceNumber"`
	ClientID              string      `json:"clientId"`
	Kind                  MessageKind `json:"type"`
}

// ConnectResult is returned by a DeltaTransport's Connect.
type ConnectResult struct {
	Existing bool
	ClientID string
}

// DeltaTransport is the contract consumed from the external delta
// transport. refSeq lets the transport stamp control traffic with the
// engine's current sequence number on demand.
type DeltaTransport interface {
	Connect(ctx context.Context, id, kind string, refSeq func() uint64) (ConnectResult, error)
	Submit(ctx context.Context, msg OutboundMessage) error
	Inbound() <-chan SequencedMessage
	Close() error
}

// ObjectStorage is the contract consumed from the external blob store.
// Read returns (nil, nil) when no blob exists for id.
type ObjectStorage interface {
	Read(ctx context.Context, id string) ([]byte, error)
	Write(ctx context.Context, id string, blob []byte) error
}

// SnapshotWire is the on-the-wire shape written by Snapshot and consumed
// by LoadSharedMap.
type SnapshotWire struct {
	SequenceNumber uint64                 `json:"sequenceNumber"`
	Snapshot       map[string]StoredValue `json:"snapshot"`
}

// MarshalOutbound / UnmarshalSequenced are the JSON codec boundary shared
// by the core and any concrete transport, so transports never need to know
// the field layout directly.
func MarshalOutbound(msg OutboundMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func UnmarshalSequenced(b []byte) (SequencedMessage, error) {
	var m SequencedMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

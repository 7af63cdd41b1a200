package sharedmap

import (
	"context"
	"encoding/json"
)

// writeSnapshotBlob serializes {sequence number, map state} and hands it to
// storage. slots must be a copy taken while the engine's mutex was held
// (see SharedMap.Snapshot); this function touches no engine state and runs
// after the mutex has been released.
func writeSnapshotBlob(ctx context.Context, storage ObjectStorage, id string, seq uint64, slots map[string]StoredValue) error {
	wire := SnapshotWire{SequenceNumber: seq, Snapshot: slots}
	blob, err := json.Marshal(wire)
	if err != nil {
		return err
	}
	return storage.Write(ctx, id, blob)
}

// loadSnapshotBlob reads and parses a snapshot; a nil blob (no prior
// snapshot) yields sequence number 0 and an empty map.
func loadSnapshotBlob(ctx context.Context, storage ObjectStorage, id string) (uint64, map[string]StoredValue, error) {
	blob, err := storage.Read(ctx, id)
	if err != nil {
		return 0, nil, err
	}
	if blob == nil {
		return 0, make(map[string]StoredValue), nil
	}
	var wire SnapshotWire
	if err := json.Unmarshal(blob, &wire); err != nil {
		return 0, nil, err
	}
	if wire.Snapshot == nil {
		wire.Snapshot = make(map[string]StoredValue)
	}
	return wire.SequenceNumber, wire.Snapshot, nil
}

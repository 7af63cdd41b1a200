package sharedmap

// mapState is the actual key→value store. Insertion order is never
// observable.
type mapState struct {
	slots map[string]StoredValue
	bus   *eventBus
}

func newMapState(bus *eventBus) *mapState {
	return &mapState{slots: make(map[string]StoredValue), bus: bus}
}

func (m *mapState) get(key string) (StoredValue, bool) {
	sv, ok := m.slots[key]
	return sv, ok
}

func (m *mapState) has(key string) bool {
	_, ok := m.slots[key]
	return ok
}

func (m *mapState) keys() []string {
	keys := make([]string, 0, len(m.slots))
	for k := range m.slots {
		keys = append(keys, k)
	}
	return keys
}

// setCore overwrites a slot and emits ValueChanged after the mutation is
// visible.
func (m *mapState) setCore(key string, sv StoredValue) {
	m.slots[key] = sv
	m.bus.emit(ValueChangedEvent{Key: key})
}

// deleteCore removes a slot. Deleting a missing key is not an error: it
// must stay idempotent against a concurrent remote clear.
func (m *mapState) deleteCore(key string) {
	delete(m.slots, key)
	m.bus.emit(ValueChangedEvent{Key: key})
}

func (m *mapState) clearCore() {
	m.slots = make(map[string]StoredValue)
	m.bus.emit(ClearEvent{})
}

// snapshotCopy returns a deep value-copy of the current slots so that a
// concurrently-mutated live map never aliases a written snapshot blob.
func (m *mapState) snapshotCopy() map[string]StoredValue {
	out := make(map[string]StoredValue, len(m.slots))
	for k, sv := range m.slots {
		valueCopy := make([]byte, len(sv.Value))
		copy(valueCopy, sv.Value)
		out[k] = StoredValue{Type: sv.Type, Value: valueCopy}
	}
	return out
}

// restore replaces the slots wholesale, e.g. from a loaded snapshot. It
// does not emit events: a restore happens before the map is observable by
// any caller.
func (m *mapState) restore(slots map[string]StoredValue) {
	m.slots = slots
}

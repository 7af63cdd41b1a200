package sharedmap

// Event is the sum type ValueChanged(key) | Clear emitted after a mutation
// has landed in local state.
type Event interface {
	eventMarker()
}

// ValueChangedEvent fires after any Set or Delete, local or remote.
type ValueChangedEvent struct {
	Key string
}

func (ValueChangedEvent) eventMarker() {}

// ClearEvent fires after any Clear.
type ClearEvent struct{}

func (ClearEvent) eventMarker() {}

// eventBus fans a mutation out to every subscriber registered with
// OnEvent. Subscription is append-only for the engine's lifetime: a map
// instance owns its own bus, so there is no shared room to unsubscribe from
// when the map itself goes away.
type eventBus struct {
	subscribers []func(Event)
}

func (b *eventBus) subscribe(fn func(Event)) {
	b.subscribers = append(b.subscribers, fn)
}

func (b *eventBus) emit(ev Event) {
	for _, fn := range b.subscribers {
		fn(ev)
	}
}

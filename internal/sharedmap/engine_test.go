package sharedmap

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// A local Set, once attached, must come back as its own ack rather than a
// second ValueChanged event.
func TestLocalSetThenRemoteAck(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport("self", false)
	storage := newFakeStorage()
	services := servicesWith(transport, storage, newFakeRegistry())

	m := NewLocalSharedMap("doc-1", "map")
	var events []Event
	m.OnEvent(func(ev Event) { events = append(events, ev) })

	if err := m.Attach(ctx, services); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := m.Set(ctx, "a", 1); err != nil {
		t.Fatalf("Set: %v", err)
	}
	value, ok, err := m.Get(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("Get: %v, %v", value, err)
	}
	if f, ok := value.(float64); !ok || f != 1 {
		t.Fatalf("Get(a) = %v, want 1", value)
	}
	if got := m.PendingOperationCount(); got != 1 {
		t.Fatalf("PendingOperationCount = %d, want 1", got)
	}

	waitUntil(t, time.Second, func() bool { return len(transport.sentMessages()) == 1 })

	transport.deliver(SequencedMessage{
		OutboundMessage:       OutboundMessage{ClientSequenceNumber: 0},
		SequenceNumber:        1,
		MinimumSequenceNumber: 1,
		ClientID:              "self",
		Kind:                  MessageKindOp,
	})

	waitUntil(t, time.Second, func() bool { return m.PendingOperationCount() == 0 })

	value, ok, err = m.Get(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("Get after ack: %v, %v", value, err)
	}
	if f := value.(float64); f != 1 {
		t.Fatalf("Get(a) after ack = %v, want 1", value)
	}

	count := 0
	for _, ev := range events {
		if vc, ok := ev.(ValueChangedEvent); ok && vc.Key == "a" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("valueChanged{a} fired %d times, want 1", count)
	}
}

// Regression: entries queued before Attach must reach the transport in the
// same order they were locally issued, and a Set racing the moment Attach
// flips m.attached must never overtake them.
func TestPendingOperationsSubmitInIssueOrderAtAttach(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport("self", false)
	storage := newFakeStorage()
	services := servicesWith(transport, storage, newFakeRegistry())

	m := NewLocalSharedMap("doc-order", "map")
	mustSet(t, m, "a", 0)
	mustSet(t, m, "b", 1)
	mustSet(t, m, "c", 2)

	if err := m.Attach(ctx, services); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	// Fired as close as possible to Attach's own enqueue-then-flip section;
	// must land after the three pending entries regardless of how the two
	// race, since it was issued strictly after them.
	mustSet(t, m, "d", 3)

	waitUntil(t, time.Second, func() bool { return len(transport.sentMessages()) == 4 })

	sent := transport.sentMessages()
	for i, msg := range sent {
		if msg.ClientSequenceNumber != uint64(i) {
			t.Fatalf("sentMessages()[%d].ClientSequenceNumber = %d, want %d (order must match local issue order)", i, msg.ClientSequenceNumber, i)
		}
	}
}

func TestRemoteSet(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport("x", false)
	storage := newFakeStorage()
	services := servicesWith(transport, storage, newFakeRegistry())

	m := NewLocalSharedMap("doc-2", "map")
	var valueChanged int
	m.OnEvent(func(ev Event) {
		if _, ok := ev.(ValueChangedEvent); ok {
			valueChanged++
		}
	})
	if err := m.Attach(ctx, services); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	sv, err := PlainValue("v")
	if err != nil {
		t.Fatalf("PlainValue: %v", err)
	}
	transport.deliver(SequencedMessage{
		OutboundMessage: OutboundMessage{Op: Operation{Type: OpSet, Key: "k", Value: &sv}},
		SequenceNumber:  1,
		ClientID:        "y",
		Kind:            MessageKindOp,
	})

	waitUntil(t, time.Second, func() bool { return m.SequenceNumber() == 1 })

	value, ok, err := m.Get(ctx, "k")
	if err != nil || !ok || value != "v" {
		t.Fatalf("Get(k) = %v, %v, %v", value, ok, err)
	}
	if valueChanged != 1 {
		t.Fatalf("valueChanged fired %d times, want 1", valueChanged)
	}
}

func TestConcurrentLocalAndRemote(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport("self", false)
	storage := newFakeStorage()
	services := servicesWith(transport, storage, newFakeRegistry())

	m := NewLocalSharedMap("doc-3", "map")
	var valueChanged int
	m.OnEvent(func(ev Event) {
		if _, ok := ev.(ValueChangedEvent); ok {
			valueChanged++
		}
	})
	if err := m.Attach(ctx, services); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := m.Set(ctx, "a", 1); err != nil {
		t.Fatalf("Set: %v", err)
	}

	sv2, _ := PlainValue(2)
	transport.deliver(SequencedMessage{
		OutboundMessage: OutboundMessage{Op: Operation{Type: OpSet, Key: "a", Value: &sv2}},
		SequenceNumber:  1,
		ClientID:        "other",
		Kind:            MessageKindOp,
	})
	waitUntil(t, time.Second, func() bool { return m.SequenceNumber() == 1 })

	value, _, _ := m.Get(ctx, "a")
	if f := value.(float64); f != 2 {
		t.Fatalf("Get(a) = %v, want 2", value)
	}
	if valueChanged != 2 {
		t.Fatalf("valueChanged fired %d times after remote overwrite, want 2", valueChanged)
	}

	transport.deliver(SequencedMessage{
		OutboundMessage:       OutboundMessage{ClientSequenceNumber: 0},
		SequenceNumber:        2,
		MinimumSequenceNumber: 2,
		ClientID:              "self",
		Kind:                  MessageKindOp,
	})
	waitUntil(t, time.Second, func() bool { return m.PendingOperationCount() == 0 })

	value, _, _ = m.Get(ctx, "a")
	if f := value.(float64); f != 2 {
		t.Fatalf("Get(a) after own ack = %v, want unchanged 2", value)
	}
	if valueChanged != 2 {
		t.Fatalf("own ack must not mutate state or emit an event, valueChanged=%d", valueChanged)
	}
}

func TestClearSemantics(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport("x", false)
	storage := newFakeStorage()
	services := servicesWith(transport, storage, newFakeRegistry())

	m := NewLocalSharedMap("doc-4", "map")
	if err := m.Attach(ctx, services); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	mustSet(t, m, "a", 1)
	mustSet(t, m, "b", 2)
	waitUntil(t, time.Second, func() bool { return len(transport.sentMessages()) == 2 })

	var valueChanged, clears int
	m.OnEvent(func(ev Event) {
		switch ev.(type) {
		case ValueChangedEvent:
			valueChanged++
		case ClearEvent:
			clears++
		}
	})

	transport.deliver(SequencedMessage{
		OutboundMessage: OutboundMessage{Op: Operation{Type: OpClear}},
		SequenceNumber:  1,
		ClientID:        "y",
		Kind:            MessageKindOp,
	})
	waitUntil(t, time.Second, func() bool { return m.SequenceNumber() == 1 })

	keys, err := m.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("Keys after clear = %v, want empty", keys)
	}
	if clears != 1 {
		t.Fatalf("clear fired %d times, want 1", clears)
	}
	if valueChanged != 0 {
		t.Fatalf("valueChanged fired %d times on a clear, want 0", valueChanged)
	}
}

func TestNestedReferenceAttachBeforeSubmit(t *testing.T) {
	ctx := context.Background()
	outerTransport := newFakeTransport("outer-client", false)
	innerTransport := newFakeTransport("inner-client", false)
	storage := newFakeStorage()
	registry := newFakeRegistry()

	child := NewLocalSharedMap("child-1", "map")
	registry.register(child)

	outerServices := servicesWith(outerTransport, storage, registry)
	outerServices.Dial = func(id, kind string) (DeltaTransport, error) {
		if id == child.ID() {
			return innerTransport, nil
		}
		return outerTransport, nil
	}

	parent := NewLocalSharedMap("parent-1", "map")
	if !child.IsLocal() {
		t.Fatalf("child should still be local before parent attaches")
	}
	if err := parent.Set(ctx, "child", child); err != nil {
		t.Fatalf("Set(child): %v", err)
	}
	if err := parent.Attach(ctx, outerServices); err != nil {
		t.Fatalf("parent.Attach: %v", err)
	}

	waitUntil(t, time.Second, func() bool { return len(outerTransport.sentMessages()) == 1 })
	if child.IsLocal() {
		t.Fatalf("parent's Set was submitted before the nested child finished attaching")
	}
}

func TestSnapshotRoundTripAndSequenceGap(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport("x", false)
	storage := newFakeStorage()
	services := servicesWith(transport, storage, newFakeRegistry())

	m := NewLocalSharedMap("doc-6", "map")
	if err := m.Attach(ctx, services); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	mustSet(t, m, "x", "y")
	mustSet(t, m, "z", 3)
	waitUntil(t, time.Second, func() bool { return len(transport.sentMessages()) == 2 })

	for i, msg := range transport.sentMessages() {
		transport.deliver(SequencedMessage{
			OutboundMessage:       msg,
			SequenceNumber:        uint64(i + 1),
			MinimumSequenceNumber: uint64(i + 1),
			ClientID:              "x",
			Kind:                  MessageKindOp,
		})
	}
	waitUntil(t, time.Second, func() bool { return m.SequenceNumber() == 2 })
	waitUntil(t, time.Second, func() bool { return m.PendingOperationCount() == 0 })

	if err := m.Snapshot(ctx); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	transport2 := newFakeTransport("x", true)
	services2 := servicesWith(transport2, storage, newFakeRegistry())
	m2 := LoadSharedMap(ctx, "doc-6", "map", services2)

	value, ok, err := m2.Get(ctx, "x")
	if err != nil || !ok || value != "y" {
		t.Fatalf("Get(x) on restored map = %v, %v, %v", value, ok, err)
	}
	if got := m2.SequenceNumber(); got != 2 {
		t.Fatalf("SequenceNumber after restore = %d, want 2", got)
	}

	transport2.deliver(SequencedMessage{SequenceNumber: 3, ClientID: "other", Kind: MessageKindControl})
	waitUntil(t, time.Second, func() bool { return m2.SequenceNumber() == 3 })

	transport2.deliver(SequencedMessage{SequenceNumber: 8, ClientID: "other", Kind: MessageKindControl})
	waitUntil(t, time.Second, func() bool {
		_, _, err := m2.Get(ctx, "x")
		return err != nil
	})
	_, _, err = m2.Get(ctx, "x")
	var halted *ErrEngineHalted
	if !errors.As(err, &halted) {
		t.Fatalf("Get after sequence gap = %v, want ErrEngineHalted", err)
	}
}

// Concurrent Gets of the same reference must dedupe onto a single
// factory.Load via singleflight rather than each materializing their own
// copy of the nested object. The reference arrives over a remote Set (not
// a local Set, which would already seed the nested cache via encodeValue)
// so Get is forced down the Materialize path.
func TestConcurrentGetOfSameReferenceDedupesMaterialize(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport("self", false)
	storage := newFakeStorage()
	registry := newFakeRegistry()

	child := NewLocalSharedMap("child-dedupe", "map")
	registry.register(child)

	services := servicesWith(transport, storage, registry)

	parent := NewLocalSharedMap("parent-dedupe", "map")
	if err := parent.Attach(ctx, services); err != nil {
		t.Fatalf("parent.Attach: %v", err)
	}

	ref, err := ReferenceValue(Reference{Kind: child.Kind(), ID: child.ID()})
	if err != nil {
		t.Fatalf("ReferenceValue: %v", err)
	}
	transport.deliver(SequencedMessage{
		OutboundMessage: OutboundMessage{Op: Operation{Type: OpSet, Key: "child", Value: &ref}},
		SequenceNumber:  1,
		ClientID:        "other",
		Kind:            MessageKindOp,
	})
	waitUntil(t, time.Second, func() bool { return parent.SequenceNumber() == 1 })

	var wg sync.WaitGroup
	results := make([]any, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			obj, ok, err := parent.Get(ctx, "child")
			if err != nil || !ok {
				t.Errorf("Get(child): %v, %v", obj, err)
				return
			}
			results[i] = obj
		}(i)
	}
	wg.Wait()

	if got := registry.loads(); got > 1 {
		t.Fatalf("factory.Load ran %d times for concurrent Gets of the same reference, want at most 1", got)
	}
	for i, obj := range results {
		if obj != child {
			t.Fatalf("results[%d] = %v, want the same child instance %v", i, obj, child)
		}
	}
}

func TestOnSubmitErrorFiresWhenTransportSubmitFails(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport("self", false)
	storage := newFakeStorage()
	services := servicesWith(transport, storage, newFakeRegistry())

	m := NewLocalSharedMap("doc-submit-err", "map")

	var mu sync.Mutex
	var failed []OutboundMessage
	m.OnSubmitError(func(msg OutboundMessage, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, msg)
	})

	if err := m.Attach(ctx, services); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	wantErr := errors.New("boom")
	transport.setSubmitErr(wantErr)

	if err := m.Set(ctx, "a", 1); err != nil {
		t.Fatalf("Set: %v", err)
	}

	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failed) == 1
	})

	got, ok, err := m.Get(ctx, "a")
	if err != nil || !ok || got != float64(1) {
		t.Fatalf("Get(a) = %v, %v, %v; the optimistic apply must stand despite the submit failure", got, ok, err)
	}
}

func mustSet(t *testing.T, m *SharedMap, key string, value any) {
	t.Helper()
	if err := m.Set(context.Background(), key, value); err != nil {
		t.Fatalf("Set(%q): %v", key, err)
	}
}

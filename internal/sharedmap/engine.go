package sharedmap

import (
	"context"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/singleflight"
)

// AttachObserver is an optional, purely observational hook fired after a
// successful Attach. A nil observer is a no-op.
type AttachObserver interface {
	MarkAttached(ctx context.Context, objectID, clientID string)
}

// OperationObserver is an optional, purely observational hook fired after
// every locally-applied operation, before it is known to be acknowledged.
// A nil observer is a no-op.
type OperationObserver interface {
	Observe(objectID string, msg OutboundMessage)
}

const submitQueueCapacity = 4096

// submissionJob is one entry of the ordered submission queue: a message
// to submit, plus an optional suspension that must complete first (the
// attach-before-submit rule for reference-valued Sets).
type submissionJob struct {
	msg         OutboundMessage
	awaitAttach func(ctx context.Context) error
}

// SharedMap is a single collaborative key-value object: the ordered log of
// operations it has issued, the live key-value state those operations
// produce, and the adapter that resolves any nested object references it
// holds, all bound together. Apart from id and kind (fixed at
// construction), the one-shot load fields (loaded, loadOnce, loadErr) and sf
// (which has its own internal lock), every field below mu is touched only
// while mu is held, which keeps the apply/submit/ack bookkeeping as easy to
// reason about as a single-threaded object even though it runs across
// several goroutines.
type SharedMap struct {
	mu sync.Mutex

	id   string
	kind string

	sequenceNumber        uint64
	minimumSequenceNumber uint64
	clientSequenceNumber  uint64
	clientID              string
	attached              bool

	log     *opLog
	state   *mapState
	nested  *nestedCache
	bus     *eventBus
	adapter *RegistryAdapter
	sf      singleflight.Group

	services  Services
	transport DeltaTransport

	haltErr error

	duplicateAckCount uint64

	loaded   chan struct{}
	loadOnce sync.Once
	loadErr  error

	submitCh      chan submissionJob
	submitErrSubs []func(OutboundMessage, error)
}

// NewLocalSharedMap creates a map in local mode: no transport, ready
// immediately, buffering operations until Attach is called.
func NewLocalSharedMap(id, kind string) *SharedMap {
	bus := &eventBus{}
	m := &SharedMap{
		id:     id,
		kind:   kind,
		log:    newOpLog(),
		state:  newMapState(bus),
		nested: newNestedCache(),
		bus:    bus,
		loaded: make(chan struct{}),
	}
	close(m.loaded)
	return m
}

// LoadSharedMap opens a map against an existing document: it attaches in
// the background, restores the most recent snapshot, and starts applying
// the inbound stream from the server sequence the snapshot was taken at, so
// nothing delivered after the snapshot is skipped or double-applied. The
// returned map may be used immediately; Get, Has, Keys, Set, Delete, Clear
// and Snapshot suspend until the background load completes.
func LoadSharedMap(ctx context.Context, id, kind string, services Services) *SharedMap {
	bus := &eventBus{}
	m := &SharedMap{
		id:       id,
		kind:     kind,
		log:      newOpLog(),
		state:    newMapState(bus),
		nested:   newNestedCache(),
		bus:      bus,
		services: services,
		loaded:   make(chan struct{}),
	}
	m.adapter = NewRegistryAdapter(services.Registry, services)
	go m.loadExisting(ctx)
	return m
}

func (m *SharedMap) loadExisting(ctx context.Context) {
	err := func() error {
		seq, slots, err := loadSnapshotBlob(ctx, m.services.Storage, m.id)
		if err != nil {
			return fmt.Errorf("sharedmap: load snapshot %s: %w", m.id, err)
		}

		transport, err := m.services.Dial(m.id, m.kind)
		if err != nil {
			return fmt.Errorf("sharedmap: dial transport %s: %w", m.id, err)
		}
		result, err := transport.Connect(ctx, m.id, m.kind, m.currentSequenceNumberLocked)
		if err != nil {
			return fmt.Errorf("sharedmap: connect %s: %w", m.id, err)
		}

		m.mu.Lock()
		m.state.restore(slots)
		m.sequenceNumber = seq
		m.clientID = result.ClientID
		m.attached = true
		m.transport = transport
		m.submitCh = make(chan submissionJob, submitQueueCapacity)
		m.mu.Unlock()

		go m.submitLoop(transport)
		go m.inboundLoop(transport)
		return nil
	}()
	m.loadErr = err
	m.loadOnce.Do(func() { close(m.loaded) })
}

// awaitLoaded implements the suspend-at-entry precondition shared by every
// public operation.
func (m *SharedMap) awaitLoaded(ctx context.Context) error {
	select {
	case <-m.loaded:
		return m.loadErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *SharedMap) currentSequenceNumberLocked() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sequenceNumber
}

// ID, Kind, IsLocal, Attach implement CollaborativeObject so a SharedMap
// can itself be stored as a nested reference inside another SharedMap.
func (m *SharedMap) ID() string { return m.id }

func (m *SharedMap) Kind() string { return m.kind }

func (m *SharedMap) IsLocal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.attached
}

// Attach transitions a local map to attached: it fails with
// ErrAlreadyAttached if called twice, otherwise dials the transport,
// publishes the object as existing, and drains whatever operations were
// issued before the map was attached, in the order they were issued.
func (m *SharedMap) Attach(ctx context.Context, services Services) error {
	m.mu.Lock()
	if m.attached {
		m.mu.Unlock()
		return ErrAlreadyAttached
	}
	if m.haltErr != nil {
		err := m.haltErr
		m.mu.Unlock()
		return &ErrEngineHalted{Cause: err}
	}
	m.services = services
	m.adapter = NewRegistryAdapter(services.Registry, services)
	m.mu.Unlock()

	transport, err := services.Dial(m.id, m.kind)
	if err != nil {
		return fmt.Errorf("sharedmap: dial transport %s: %w", m.id, err)
	}
	result, err := transport.Connect(ctx, m.id, m.kind, m.currentSequenceNumberLocked)
	if err != nil {
		return fmt.Errorf("sharedmap: connect %s: %w", m.id, err)
	}

	m.mu.Lock()
	m.clientID = result.ClientID
	m.transport = transport
	m.submitCh = make(chan submissionJob, submitQueueCapacity)
	for _, entry := range m.log.entries {
		m.enqueueSubmissionLocked(entry)
	}
	// attached flips only after every pre-attach entry is already queued,
	// still under m.mu, so a concurrent Set/Delete/Clear that acquires m.mu
	// next can never observe attached==true ahead of the drain above and
	// jump the queue (it would also call enqueueSubmissionLocked, but only
	// once the drain's own lock hold has released).
	m.attached = true
	observer := m.services.Observer
	m.mu.Unlock()

	go m.submitLoop(transport)
	go m.inboundLoop(transport)

	if observer != nil {
		observer.MarkAttached(ctx, m.id, result.ClientID)
	}
	return nil
}

// Close releases the transport and stops the submission/inbound
// goroutines. Already-applied local operations remain in the live state and
// in the operation log; this map cannot be reattached afterward.
func (m *SharedMap) Close() error {
	m.mu.Lock()
	transport := m.transport
	submitCh := m.submitCh
	m.transport = nil
	m.submitCh = nil
	m.mu.Unlock()
	if submitCh != nil {
		close(submitCh)
	}
	if transport != nil {
		return transport.Close()
	}
	return nil
}

func (m *SharedMap) IsAttached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attached
}

// Get returns the current decoded value for key, or (nil, false). A
// Reference value is resolved via the nested object cache first; a miss
// falls through to the registry adapter.
func (m *SharedMap) Get(ctx context.Context, key string) (any, bool, error) {
	if err := m.awaitLoaded(ctx); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	if err := m.haltedLocked(); err != nil {
		m.mu.Unlock()
		return nil, false, err
	}
	sv, ok := m.state.get(key)
	if !ok {
		m.mu.Unlock()
		return nil, false, nil
	}
	if sv.Type == StoredValuePlain {
		m.mu.Unlock()
		payload, err := decodePlain(sv)
		if err != nil {
			return nil, false, err
		}
		return payload, true, nil
	}

	ref, err := sv.Reference()
	if err != nil {
		m.mu.Unlock()
		return nil, false, err
	}
	if obj, ok := m.nested.get(ref.ID); ok {
		m.mu.Unlock()
		return obj, true, nil
	}
	adapter := m.adapter
	m.mu.Unlock()

	// Concurrent Gets of the same reference dedupe onto one Materialize
	// call via singleflight rather than each racing its own factory.Load
	// and discarding all but one result.
	result, err, _ := m.sf.Do(ref.ID, func() (interface{}, error) {
		m.mu.Lock()
		if existing, ok := m.nested.get(ref.ID); ok {
			m.mu.Unlock()
			return existing, nil
		}
		m.mu.Unlock()

		obj, err := adapter.Materialize(ctx, ref.Kind, ref.ID)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.nested.put(ref.ID, obj)
		m.mu.Unlock()
		return obj, nil
	})
	if err != nil {
		return nil, false, err
	}
	return result.(CollaborativeObject), true, nil
}

// Has is a pure containment check with the same loading precondition as
// Get.
func (m *SharedMap) Has(ctx context.Context, key string) (bool, error) {
	if err := m.awaitLoaded(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.haltedLocked(); err != nil {
		return false, err
	}
	return m.state.has(key), nil
}

// Keys returns a snapshot of the current keys.
func (m *SharedMap) Keys(ctx context.Context) ([]string, error) {
	if err := m.awaitLoaded(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.haltedLocked(); err != nil {
		return nil, err
	}
	return m.state.keys(), nil
}

// Set encodes userValue and emits a Set operation through the local-op
// path: applied to local state immediately, then queued for submission.
func (m *SharedMap) Set(ctx context.Context, key string, userValue any) error {
	if err := m.awaitLoaded(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.haltedLocked(); err != nil {
		return err
	}
	sv, err := encodeValue(userValue, m.nested)
	if err != nil {
		return err
	}
	op := Operation{Type: OpSet, Key: key, Value: &sv}

	var nestedRef CollaborativeObject
	if sv.Type == StoredValueCollaborative {
		ref, err := sv.Reference()
		if err != nil {
			return err
		}
		nestedRef, _ = m.nested.get(ref.ID)
	}
	return m.processLocalOperationLocked(op, nestedRef)
}

// Delete emits a Delete operation. Deleting a missing key is not an error.
func (m *SharedMap) Delete(ctx context.Context, key string) error {
	if err := m.awaitLoaded(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.haltedLocked(); err != nil {
		return err
	}
	op := Operation{Type: OpDelete, Key: key}
	return m.processLocalOperationLocked(op, nil)
}

// Clear emits a Clear operation.
func (m *SharedMap) Clear(ctx context.Context) error {
	if err := m.awaitLoaded(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.haltedLocked(); err != nil {
		return err
	}
	op := Operation{Type: OpClear}
	return m.processLocalOperationLocked(op, nil)
}

// Snapshot serializes {sequence_number, map_state} and hands it to
// storage. It observes a consistent point: the sequence number and the
// copy of the state are taken together while holding the engine mutex, so
// no partial apply can be in-flight; the storage write itself runs after
// the mutex is released.
func (m *SharedMap) Snapshot(ctx context.Context) error {
	if err := m.awaitLoaded(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	if err := m.haltedLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.services.Storage == nil {
		m.mu.Unlock()
		return ErrNotAttached
	}
	seq := m.sequenceNumber
	slots := m.state.snapshotCopy()
	storage := m.services.Storage
	id := m.id
	m.mu.Unlock()
	return writeSnapshotBlob(ctx, storage, id, seq, slots)
}

// OnEvent subscribes fn to every future ValueChanged/Clear event.
func (m *SharedMap) OnEvent(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bus.subscribe(fn)
}

// OnSubmitError subscribes fn to every future submission failure: a message
// this map queued for the transport that the transport could not send, or
// whose attach-before-submit suspension never completed. The optimistic
// apply to local state is never rolled back for this; fn exists purely so a
// caller who cares can notice divergence instead of it only reaching a log
// line. fn is called from the submission goroutine, so it must not block or
// call back into this SharedMap.
func (m *SharedMap) OnSubmitError(fn func(OutboundMessage, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitErrSubs = append(m.submitErrSubs, fn)
}

func (m *SharedMap) notifySubmitError(msg OutboundMessage, err error) {
	m.mu.Lock()
	subs := m.submitErrSubs
	m.mu.Unlock()
	for _, fn := range subs {
		fn(msg, err)
	}
}

// SequenceNumber exposes the highest server sequence number applied.
func (m *SharedMap) SequenceNumber() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sequenceNumber
}

// MinimumSequenceNumber exposes the collaboration-wide low-water mark
// reported by the server: the sequence number below which every attached
// client has already caught up. Not consumed at this layer; reserved for
// future garbage collection of historical ops.
func (m *SharedMap) MinimumSequenceNumber() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minimumSequenceNumber
}

// PendingOperationCount exposes the Operation Log's outstanding count.
func (m *SharedMap) PendingOperationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.log.len()
}

// DuplicateAckCount counts how many inbound messages carrying this map's own
// client id matched no entry at the head of the operation log. A duplicate
// ack is tolerated, never fatal, but is observable so a caller can notice an
// unexpected pattern of them.
func (m *SharedMap) DuplicateAckCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duplicateAckCount
}

func (m *SharedMap) haltedLocked() error {
	if m.haltErr != nil {
		return &ErrEngineHalted{Cause: m.haltErr}
	}
	return nil
}

// processLocalOperationLocked assigns the next client sequence number,
// records the entry in the operation log, applies it to local state, fires
// the audit hook, and queues it for submission if already attached. Caller
// holds m.mu.
func (m *SharedMap) processLocalOperationLocked(op Operation, nestedRef CollaborativeObject) error {
	cseq := m.clientSequenceNumber
	m.clientSequenceNumber++

	msg := OutboundMessage{
		ClientSequenceNumber:    cseq,
		ReferenceSequenceNumber: m.sequenceNumber,
		Op:                      op,
	}
	entry := opLogEntry{ClientSequenceNumber: cseq, Message: msg, NestedRef: nestedRef}
	m.log.push(entry)

	if err := m.applyOperationLocked(op); err != nil {
		return err
	}

	if observer := m.services.Audit; observer != nil {
		observer.Observe(m.id, msg)
	}

	if m.attached {
		m.enqueueSubmissionLocked(entry)
	}
	return nil
}

// enqueueSubmissionLocked must be called with m.mu held, so the global
// order of "assign cseq" and "enqueue for submission" stay atomic and the
// submission queue never reorders relative to local issue order.
func (m *SharedMap) enqueueSubmissionLocked(entry opLogEntry) {
	m.submitCh <- submissionJob{msg: entry.Message, awaitAttach: awaitAttachFor(entry.NestedRef, m.services)}
}

func awaitAttachFor(nestedRef CollaborativeObject, services Services) func(ctx context.Context) error {
	if nestedRef == nil {
		return nil
	}
	return func(ctx context.Context) error {
		if !nestedRef.IsLocal() {
			return nil
		}
		return nestedRef.Attach(ctx, services)
	}
}

// submitLoop is a single worker draining submitCh in order, so a
// nested-attach suspension on one entry can never let a later entry
// overtake it on the wire. A failure here never rolls back the optimistic
// apply already visible in local state; it is surfaced to OnSubmitError
// subscribers (and logged) instead, since the submission goroutine has no
// caller left waiting on it to return to.
func (m *SharedMap) submitLoop(transport DeltaTransport) {
	for job := range m.submitCh {
		if job.awaitAttach != nil {
			if err := job.awaitAttach(context.Background()); err != nil {
				log.Printf("sharedmap: nested attach before submit failed for %s: %v", m.id, err)
				m.notifySubmitError(job.msg, err)
				continue
			}
		}
		if err := transport.Submit(context.Background(), job.msg); err != nil {
			log.Printf("sharedmap: submit failed for %s cseq=%d: %v", m.id, job.msg.ClientSequenceNumber, err)
			m.notifySubmitError(job.msg, err)
		}
	}
}

// inboundLoop is the dedicated goroutine draining the transport's push
// channel and feeding each message through processRemoteMessage, one at a
// time and in the order the transport delivered them.
func (m *SharedMap) inboundLoop(transport DeltaTransport) {
	for seqMsg := range transport.Inbound() {
		if err := m.processRemoteMessage(seqMsg); err != nil {
			log.Printf("sharedmap: halting %s: %v", m.id, err)
			return
		}
	}
}

// processRemoteMessage applies one inbound sequenced message: it advances
// the sequence number (halting on a gap), pops the matching entry off the
// operation log if this message is the ack of this map's own submission,
// and otherwise applies the remote operation to local state.
func (m *SharedMap) processRemoteMessage(msg SequencedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.haltErr != nil {
		return &ErrEngineHalted{Cause: m.haltErr}
	}

	if msg.SequenceNumber != m.sequenceNumber+1 {
		m.haltErr = fmt.Errorf("%w: have %d, got %d", ErrSequenceGap, m.sequenceNumber, msg.SequenceNumber)
		return m.haltErr
	}
	m.sequenceNumber = msg.SequenceNumber
	m.minimumSequenceNumber = msg.MinimumSequenceNumber

	if msg.Kind != MessageKindOp {
		return nil
	}

	if msg.ClientID == m.clientID {
		head, ok := m.log.peekHead()
		if ok && head.ClientSequenceNumber == msg.ClientSequenceNumber {
			m.log.popHead()
		} else {
			m.duplicateAckCount++
			log.Printf("sharedmap: duplicate ack for %s cseq=%d (head present=%v)", m.id, msg.ClientSequenceNumber, ok)
		}
		return nil
	}

	if err := m.applyOperationLocked(msg.Op); err != nil {
		m.haltErr = err
		return err
	}
	return nil
}

// applyOperationLocked mutates local state for one of the three operation
// kinds. Caller holds m.mu.
func (m *SharedMap) applyOperationLocked(op Operation) error {
	switch op.Type {
	case OpSet:
		if op.Value == nil {
			return fmt.Errorf("%w: set without a value", ErrUnknownOperation)
		}
		m.state.setCore(op.Key, *op.Value)
	case OpDelete:
		m.state.deleteCore(op.Key)
	case OpClear:
		m.state.clearCore()
	default:
		return ErrUnknownOperation
	}
	return nil
}

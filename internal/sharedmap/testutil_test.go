package sharedmap

import (
	"context"
	"sync"
)

// fakeTransport is an in-memory DeltaTransport used by the engine tests.
// It never touches the network: Submit appends to a log the test can
// inspect and echo back, and the test drives the inbound channel by hand.
type fakeTransport struct {
	mu        sync.Mutex
	clientID  string
	existing  bool
	sent      []OutboundMessage
	inbound   chan SequencedMessage
	closed    bool
	submitErr error
}

func newFakeTransport(clientID string, existing bool) *fakeTransport {
	return &fakeTransport{
		clientID: clientID,
		existing: existing,
		inbound:  make(chan SequencedMessage, 64),
	}
}

func (t *fakeTransport) Connect(ctx context.Context, id, kind string, refSeq func() uint64) (ConnectResult, error) {
	return ConnectResult{Existing: t.existing, ClientID: t.clientID}, nil
}

func (t *fakeTransport) Submit(ctx context.Context, msg OutboundMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.submitErr != nil {
		return t.submitErr
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) setSubmitErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.submitErr = err
}

func (t *fakeTransport) Inbound() <-chan SequencedMessage {
	return t.inbound
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		close(t.inbound)
		t.closed = true
	}
	return nil
}

func (t *fakeTransport) deliver(msg SequencedMessage) {
	t.inbound <- msg
}

func (t *fakeTransport) sentMessages() []OutboundMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]OutboundMessage, len(t.sent))
	copy(out, t.sent)
	return out
}

// fakeStorage is an in-memory ObjectStorage.
type fakeStorage struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{blobs: make(map[string][]byte)}
}

func (s *fakeStorage) Read(ctx context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blobs[id], nil
}

func (s *fakeStorage) Write(ctx context.Context, id string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[id] = blob
	return nil
}

// fakeRegistry resolves kind "map" to nested SharedMaps it is told about
// up front; good enough for the registry-adapter tests without dragging
// in the real registry/maps package (which would import sharedmap itself).
// loadCount tracks how many times Load actually ran, so a test can assert
// singleflight collapsed concurrent callers onto one materialization.
type fakeRegistry struct {
	mu        sync.Mutex
	byID      map[string]CollaborativeObject
	loadCount int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{byID: make(map[string]CollaborativeObject)}
}

func (r *fakeRegistry) GetExtension(kind string) (Factory, error) {
	return fakeFactory{r}, nil
}

func (r *fakeRegistry) register(obj CollaborativeObject) {
	r.byID[obj.ID()] = obj
}

func (r *fakeRegistry) loads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadCount
}

type fakeFactory struct {
	r *fakeRegistry
}

func (f fakeFactory) Load(ctx context.Context, id string, services Services, registry Registry) (CollaborativeObject, error) {
	f.r.mu.Lock()
	f.r.loadCount++
	f.r.mu.Unlock()
	if obj, ok := f.r.byID[id]; ok {
		return obj, nil
	}
	return nil, ErrUnknownKind
}

func servicesWith(t *fakeTransport, s ObjectStorage, r Registry) Services {
	return Services{
		Dial:     func(id, kind string) (DeltaTransport, error) { return t, nil },
		Storage:  s,
		Registry: r,
	}
}

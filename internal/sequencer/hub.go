package sequencer

import (
	"context"
	"sync"

	"github.com/isabella232/FluidFramework/internal/sharedmap"
)

// AttachTracker is the subset of presence.Tracker the hub needs: it
// records a client as attached to an object the moment it joins a room.
type AttachTracker interface {
	MarkAttached(ctx context.Context, objectID, clientID string)
}

// AuditObserver is the subset of audit.Publisher the hub needs: every
// message the hub sequences is passed on for auditing, and the hub sees
// every one of them before any attached client does. A submission for an
// object with no room is dropped without being audited.
type AuditObserver interface {
	Observe(objectID string, msg sharedmap.OutboundMessage)
}

// Hub is the central sequencer: for each attached object it assigns a
// strictly increasing server sequence number to every submitted message
// and broadcasts the sequenced result to every connection currently
// attached to that object, including the sender.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]*room
	tracker AttachTracker
	audit   AuditObserver
}

type room struct {
	conns          map[*Conn]struct{}
	sequenceNumber uint64
}

// NewHub wires optional presence tracking and audit hooks; either may be
// nil.
func NewHub(tracker AttachTracker, auditObserver AuditObserver) *Hub {
	return &Hub{rooms: make(map[string]*room), tracker: tracker, audit: auditObserver}
}

// Join registers c against objectID, creating the room on first use.
// Existing reports whether the object already had at least one attached
// connection before c. Leave drops a room once its last connection goes,
// so a Join after that reports existing=false and a sequence number of 0.
func (h *Hub) Join(objectID string, c *Conn) (existing bool, currentSeq uint64) {
	h.mu.Lock()
	r, ok := h.rooms[objectID]
	if !ok {
		r = &room{conns: make(map[*Conn]struct{})}
		h.rooms[objectID] = r
	}
	existing = ok
	r.conns[c] = struct{}{}
	currentSeq = r.sequenceNumber
	h.mu.Unlock()

	if h.tracker != nil {
		h.tracker.MarkAttached(context.Background(), objectID, c.clientID)
	}
	return existing, currentSeq
}

func (h *Hub) Leave(objectID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[objectID]
	if !ok {
		return
	}
	delete(r.conns, c)
	if len(r.conns) == 0 {
		delete(h.rooms, objectID)
	}
}

// Submit assigns the next sequence number to msg and broadcasts it to
// every connection attached to objectID, sender included — a client
// recognizes its own echo by clientID/clientSequenceNumber and reconciles
// it against its own operation log instead of treating it as a new op.
func (h *Hub) Submit(objectID, clientID string, msg sharedmap.OutboundMessage) {
	h.mu.Lock()
	r, ok := h.rooms[objectID]
	if !ok {
		h.mu.Unlock()
		return
	}
	r.sequenceNumber++
	seqMsg := sharedmap.SequencedMessage{
		OutboundMessage:       msg,
		SequenceNumber:        r.sequenceNumber,
		MinimumSequenceNumber: r.sequenceNumber,
		ClientID:              clientID,
		Kind:                  sharedmap.MessageKindOp,
	}
	conns := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.enqueue(seqMsg)
	}
	if h.audit != nil {
		h.audit.Observe(objectID, msg)
	}
}

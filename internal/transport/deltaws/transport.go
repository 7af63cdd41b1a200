package deltaws

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/isabella232/FluidFramework/internal/sharedmap"
)

// Transport is the concrete sharedmap.DeltaTransport dialing a sequencer
// over a WebSocket: a dedicated reader goroutine drains inbound frames into
// a channel, and Submit writes outbound frames directly, with the
// engine-facing surface reduced to the four methods the core contract
// requires.
type Transport struct {
	url   string
	token string

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	inbound chan sharedmap.SequencedMessage
}

// NewTransport returns a dialer bound to a sequencer base URL and an
// optional bearer token. A Transport holds a single connection and a single
// Inbound channel: Connect opens one WebSocket, and a second Connect on the
// same Transport replaces the connection Submit writes to.
func NewTransport(baseURL, token string) *Transport {
	return &Transport{url: baseURL, token: token, inbound: make(chan sharedmap.SequencedMessage, 256)}
}

func (t *Transport) Connect(ctx context.Context, id, kind string, refSeq func() uint64) (sharedmap.ConnectResult, error) {
	u, err := url.Parse(t.url)
	if err != nil {
		return sharedmap.ConnectResult{}, fmt.Errorf("deltaws: parse url: %w", err)
	}
	q := u.Query()
	q.Set("objectId", id)
	q.Set("kind", kind)
	q.Set("refSeq", fmt.Sprintf("%d", refSeq()))
	u.RawQuery = q.Encode()

	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return sharedmap.ConnectResult{}, fmt.Errorf("deltaws: dial %s: %w", id, err)
	}
	if resp != nil {
		defer resp.Body.Close()
	}

	var hello struct {
		Existing bool   `json:"existing"`
		ClientID string `json:"clientId"`
	}
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return sharedmap.ConnectResult{}, fmt.Errorf("deltaws: handshake %s: %w", id, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	go t.readLoop(conn)

	return sharedmap.ConnectResult{Existing: hello.Existing, ClientID: hello.ClientID}, nil
}

// readLoop is one goroutine, blocking on the socket, feeding every decoded
// frame into the channel the engine drains. It exits (and closes Inbound)
// the moment the socket errors.
func (t *Transport) readLoop(conn *websocket.Conn) {
	defer close(t.inbound)
	for {
		var msg sharedmap.SequencedMessage
		if err := conn.ReadJSON(&msg); err != nil {
			log.Printf("deltaws: read loop ending: %v", err)
			return
		}
		t.inbound <- msg
	}
}

// Submit writes one outbound frame. The engine already serializes calls to
// Submit through its single-worker dispatcher, so Submit itself needs no
// queue of its own — a DeltaTransport has exactly one caller.
func (t *Transport) Submit(ctx context.Context, msg sharedmap.OutboundMessage) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("deltaws: submit before connect")
	}
	return conn.WriteJSON(msg)
}

func (t *Transport) Inbound() <-chan sharedmap.SequencedMessage {
	return t.inbound
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

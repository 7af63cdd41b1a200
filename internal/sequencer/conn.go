package sequencer

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/isabella232/FluidFramework/internal/clientauth"
	"github.com/isabella232/FluidFramework/internal/sharedmap"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}}

// Conn is one attached client's connection on the sequencer side: a
// dedicated writer goroutine drains a bounded send channel (a full channel
// drops the frame rather than blocking the broadcaster) and a dedicated
// reader goroutine decodes inbound frames.
type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	objectID string
	clientID string
	send     chan sharedmap.SequencedMessage
}

func newConn(ws *websocket.Conn, hub *Hub, objectID, clientID string) *Conn {
	return &Conn{ws: ws, hub: hub, objectID: objectID, clientID: clientID, send: make(chan sharedmap.SequencedMessage, 64)}
}

func (c *Conn) enqueue(msg sharedmap.SequencedMessage) {
	select {
	case c.send <- msg:
	default:
		log.Printf("sequencer: send queue full for client=%s object=%s, dropping", c.clientID, c.objectID)
	}
}

func (c *Conn) writeLoop() {
	for msg := range c.send {
		if err := c.ws.WriteJSON(msg); err != nil {
			log.Printf("sequencer: write error client=%s object=%s: %v", c.clientID, c.objectID, err)
			return
		}
	}
}

func (c *Conn) readLoop() {
	defer close(c.send)
	defer c.hub.Leave(c.objectID, c)
	for {
		var msg sharedmap.OutboundMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return
		}
		c.hub.Submit(c.objectID, c.clientID, msg)
	}
}

// UpgradeHandler upgrades a Gin request to a WebSocket, assigns the
// connection's identity before anything else happens, registers it with
// hub, and blocks until the socket closes.
func UpgradeHandler(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		objectID := c.Param("id")
		if objectID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing object id"})
			return
		}

		clientID := extractClientID(c)

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("sequencer: upgrade error object=%s: %v", objectID, err)
			return
		}
		defer ws.Close()

		conn := newConn(ws, hub, objectID, clientID)
		existing, _ := hub.Join(objectID, conn)

		if err := ws.WriteJSON(map[string]any{"existing": existing, "clientId": clientID}); err != nil {
			hub.Leave(objectID, conn)
			return
		}

		go conn.writeLoop()
		conn.readLoop()
	}
}

// extractClientID derives the client id from a bearer token (query or
// header) that verifies against the clientauth secret. When no token is
// given or it does not verify, it falls back to a caller-supplied clientId
// query parameter, and failing that to the request's remote address.
func extractClientID(c *gin.Context) string {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	if token != "" {
		if id, err := clientauth.ParseClientToken(token); err == nil {
			return id
		}
	}
	if id := c.Query("clientId"); id != "" {
		return id
	}
	return c.Request.RemoteAddr
}

package ws

import (
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/codehuddle/server/internal/protocol"
	"github.com/codehuddle/server/internal/ratelimit"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024 * 1024
	messagesPerSecond = 100
	messageBurst      = 200
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Session is the slice of the coordinator the connection layer drives.
// Identity is the server-assigned connection id; display names only ride
// along at join time.
type Session interface {
	Join(roomKey, connID, name string)
	Leave(roomKey, connID string)
	UpdateCode(roomKey, language, content, senderConnID string)
	SendChat(roomKey, connID, message string)
	TypingStart(roomKey, connID string)
	TypingStop(roomKey, connID string)
	Commit(roomKey, language, content, message, connID string) string
	Restore(roomKey, commitID string)
	Cursor(roomKey, connID, language string, line, col int)
}

type Client struct {
	hub         *Hub
	session     Session
	conn        *websocket.Conn
	send        chan []byte
	roomKey     string
	connID      string
	name        string
	rateLimiter *ratelimit.Limiter
}

// ServeWs upgrades the connection and joins the requested room. The room key
// and display name come from the query string; everything after that is
// envelope events over the socket.
func ServeWs(hub *Hub, session Session, w http.ResponseWriter, r *http.Request) {
	roomKey := r.URL.Query().Get("room")
	if roomKey == "" {
		http.Error(w, "room is required", http.StatusBadRequest)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "anonymous"
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		return
	}

	client := &Client{
		hub:         hub,
		session:     session,
		conn:        conn,
		send:        make(chan []byte, 512),
		roomKey:     roomKey,
		connID:      uuid.NewString(),
		name:        name,
		rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
	}

	// Register before joining so the sync snapshot has somewhere to land
	hub.Register(client)
	session.Join(roomKey, client.connID, name)

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				log.Printf("⚠️ Rate limit exceeded for client %s in room %s (warning #%d)",
					c.connID, c.roomKey, rateLimitWarnings)
			}
			if rateLimitWarnings > 1000 {
				log.Printf("🚫 Disconnecting client %s for excessive rate limit violations", c.connID)
				return
			}
			continue
		}

		in, err := protocol.DecodeInbound(message)
		if err != nil {
			log.Printf("⚠️ Invalid message from client %s: %v", c.connID, err)
			continue
		}

		c.dispatch(in)
	}
}

func (c *Client) dispatch(in *protocol.Inbound) {
	switch in.Kind {
	case protocol.EventCodeUpdate:
		c.session.UpdateCode(c.roomKey, in.Code.Language, in.Code.Content, c.connID)
	case protocol.EventTypingStart:
		c.session.TypingStart(c.roomKey, c.connID)
	case protocol.EventTypingStop:
		c.session.TypingStop(c.roomKey, c.connID)
	case protocol.EventSendMessage:
		c.session.SendChat(c.roomKey, c.connID, in.Chat.Message)
	case protocol.EventCommit:
		c.session.Commit(c.roomKey, in.Commit.Language, in.Commit.Content, in.Commit.Message, c.connID)
	case protocol.EventRestore:
		c.session.Restore(c.roomKey, in.Restore.CommitID)
	case protocol.EventCursorUpdate:
		c.session.Cursor(c.roomKey, c.connID, in.Cursor.Language, in.Cursor.Line, in.Cursor.Col)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

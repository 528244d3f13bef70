package websocket

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kz-records/internal/validate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Any origin may embed the leaderboard
		return true
	},
}

// Client is one browser connection and the maps it follows
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger
}

// ClientMessage is a control message sent by the browser
type ClientMessage struct {
	Type string `json:"type"`
	Map  string `json:"map,omitempty"`
}

// NewClient wraps an upgraded connection
func NewClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		id:     id,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: logger.With("client_id", id),
	}
}

// readPump reads control messages until the connection fails. It owns
// unregistering the client.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			switch {
			case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
				c.reply(Message{Type: MessageTypeError, Data: map[string]string{"error": "invalid message format"}})
				continue
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		c.handleMessage(msg)
	}
}

// handleMessage applies one control message. Map names follow the same
// rules as the records API.
func (c *Client) handleMessage(msg ClientMessage) {
	switch msg.Type {
	case MessageTypeSubscribe, MessageTypeUnsubscribe:
		if !validate.MapName(msg.Map) {
			c.reply(Message{Type: MessageTypeError, Data: map[string]string{"error": "invalid map"}})
			return
		}
		mapName := strings.TrimSpace(msg.Map)

		ack := MessageTypeSubscribed
		if msg.Type == MessageTypeSubscribe {
			c.hub.Subscribe(c, mapName)
		} else {
			c.hub.Unsubscribe(c, mapName)
			ack = MessageTypeUnsubscribed
		}
		c.reply(Message{Type: ack, Map: mapName, Data: map[string]string{"status": "ok"}})

	case MessageTypePing:
		c.reply(Message{Type: MessageTypePong})

	default:
		c.logger.Debug("unknown message type", "type", msg.Type)
	}
}

// writePump writes queued messages, one per frame, and keeps the
// connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

// reply queues a message for this client only; it is dropped when the
// buffer is full
func (c *Client) reply(msg Message) {
	msg.Timestamp = c.hub.now().Unix()
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to encode reply", "type", msg.Type, "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client buffer full, dropping reply", "type", msg.Type)
	}
}

// ServeWs upgrades the request and starts the client's pumps
func ServeWs(hub *Hub, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(hub, conn, logger)
	hub.Register(client)

	go client.writePump()
	go client.readPump()
}

package network

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MRamiBalles/KeeperTable/internal/events"
	apperrors "github.com/MRamiBalles/KeeperTable/internal/platform/errors"
	"github.com/MRamiBalles/KeeperTable/internal/platform/logger"
	"github.com/MRamiBalles/KeeperTable/internal/platform/metrics"
	"github.com/MRamiBalles/KeeperTable/internal/session"
	"github.com/MRamiBalles/KeeperTable/internal/visibility"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 16 * 1024
	// Time allowed for a player action to be committed.
	actionTimeout = 15 * time.Second
)

// Client message types.
const (
	MsgJoin           = "client.join"
	MsgPlayerAction   = "client.player_action"
	MsgRequestHistory = "client.request_history"
)

// Inbound is a client-to-server frame.
type Inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// JoinPayload is the payload of client.join.
type JoinPayload struct {
	PlayerID string          `json:"player_id"`
	Role     visibility.Role `json:"role"`
}

// ActionPayload is the payload of client.player_action.
type ActionPayload struct {
	ActionText events.Text `json:"action_text"`
}

// Client is one websocket connection. It becomes a session sink once it
// has joined.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	remote string

	mu      sync.Mutex
	send    chan []byte
	closed  bool
	session *session.Conn
}

// NewClient creates a new WebSocket client and returns it.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		remote: conn.RemoteAddr().String(),
		send:   make(chan []byte, hub.sendBuffer),
	}
}

// Send queues a message without blocking. A client whose buffer is full
// is disconnected rather than left with a gap in its diffs.
func (c *Client) Send(msg session.Message) bool {
	payload, err := json.Marshal(msg)
	if err != nil {
		c.hub.logger.Error("failed to serialize server message", logger.String("type", msg.Type), logger.Err(err))
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		metrics.Get().RecordWSMessage(false)
		return true
	default:
		metrics.Get().RecordWSDrop()
		c.hub.logger.Warn("websocket client too slow, disconnecting", logger.String("remote", c.remote))
		c.closed = true
		close(c.send)
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) leave() {
	c.mu.Lock()
	conn := c.session
	c.session = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Leave()
	}
}

func (c *Client) joined() *session.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// ReadPump pumps messages from the websocket connection to the session.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
			c.leave()
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				metrics.Get().RecordWSError()
				c.hub.logger.Warn("websocket read failed", logger.String("remote", c.remote), logger.Err(err))
			}
			return
		}
		metrics.Get().RecordWSMessage(true)

		var in Inbound
		if err := json.Unmarshal(message, &in); err != nil {
			c.fail(apperrors.Wrap(apperrors.CodeInvalidArgument, "malformed message", err))
			continue
		}
		c.handle(in)
	}
}

func (c *Client) handle(in Inbound) {
	if in.Type == MsgJoin {
		c.handleJoin(in.Payload)
		return
	}
	conn := c.joined()
	if conn == nil {
		c.fail(apperrors.New(apperrors.CodeInvalidArgument, "not joined"))
		return
	}

	switch in.Type {
	case MsgPlayerAction:
		var p ActionPayload
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			c.fail(apperrors.Wrap(apperrors.CodeInvalidArgument, "malformed player action", err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		if _, err := conn.PlayerAction(ctx, p.ActionText); err != nil {
			c.fail(err)
		}
	case MsgRequestHistory:
		conn.History()
	default:
		c.fail(apperrors.New(apperrors.CodeInvalidArgument, "unknown type "+in.Type))
	}
}

func (c *Client) handleJoin(raw json.RawMessage) {
	var p JoinPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.fail(apperrors.Wrap(apperrors.CodeInvalidArgument, "malformed join", err))
		return
	}
	if p.Role == "" {
		p.Role = visibility.RolePlayer
	}
	// Re-joining switches identity.
	c.leave()
	conn, err := c.hub.coord.Join(visibility.Viewer{Role: p.Role, ID: p.PlayerID}, c)
	if err != nil {
		c.fail(err)
		return
	}
	c.mu.Lock()
	c.session = conn
	c.mu.Unlock()
}

func (c *Client) fail(err error) {
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		c.hub.logger.Warn("websocket request failed", logger.String("remote", c.remote), logger.Err(err))
	}
	c.Send(session.Message{Type: session.MsgError, Payload: session.ErrorPayload{
		Code:    string(apperrors.GetCode(err)),
		Message: err.Error(),
	}})
}

// WritePump pumps messages from the send buffer to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				metrics.Get().RecordWSError()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

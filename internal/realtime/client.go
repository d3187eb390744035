package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-webinar/livesession/internal/auth"
	"github.com/aura-webinar/livesession/internal/models"
	"github.com/aura-webinar/livesession/pkg/apperr"
)

const (
	// EventAck carries the result of an event sent with an ack_id.
	EventAck = "ack"
	// EventError carries a failed event sent without an ack_id.
	EventError = "error"

	sendBuffer   = 256
	eventTimeout = 15 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	AckID string          `json:"ack_id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AckError is the acknowledgement payload of a failed event.
type AckError struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Dispatcher handles the lifecycle and inbound events of connections.
type Dispatcher interface {
	OnConnect(ctx context.Context, c *Client) error
	OnDisconnect(ctx context.Context, c *Client, last bool)
	Handle(ctx context.Context, c *Client, event string, data json.RawMessage) (interface{}, error)
}

// TokenValidator validates the token passed on the upgrade request.
type TokenValidator interface {
	ValidateIdentity(token string) (auth.Identity, error)
}

// Client represents a single WebSocket connection of one identity in one session.
type Client struct {
	ID        string
	SessionID uuid.UUID
	UserID    uuid.UUID
	Email     string
	Name      string
	Role      models.Role
	JoinedAt  time.Time
	hub       *Hub
	conn      *websocket.Conn
	send      chan WSMessage
	done      chan struct{}
	logger    *zap.Logger
}

// NewClient creates a connection not yet attached to a socket. Used by ServeWs and tests.
func NewClient(hub *Hub, sessionID uuid.UUID, id auth.Identity, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		UserID:    id.UserID,
		Email:     models.NormalizeEmail(id.Email),
		Name:      id.Name,
		Role:      id.Role,
		JoinedAt:  time.Now(),
		hub:       hub,
		send:      make(chan WSMessage, sendBuffer),
		done:      make(chan struct{}),
		logger:    logger,
	}
}

// Send queues an event for this connection only.
func (c *Client) Send(event string, payload interface{}) {
	data, err := marshalPayload(payload)
	if err != nil {
		return
	}
	c.enqueue(WSMessage{Event: event, Data: data})
}

// Outbox exposes queued messages; used by tests that run without a socket.
func (c *Client) Outbox() <-chan WSMessage { return c.send }

func (c *Client) enqueue(msg WSMessage) {
	select {
	case c.send <- msg:
	default:
		c.logger.Warn("client send buffer full, dropping", zap.String("client_id", c.ID), zap.String("event", msg.Event))
	}
}

// ServeWs handles GET /ws?session_id=&token=, upgrades and runs the client loop.
func ServeWs(hub *Hub, dispatcher Dispatcher, validator TokenValidator, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionIDStr := c.Query("session_id")
		token := c.Query("token")
		if sessionIDStr == "" || token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session_id and token required"})
			return
		}
		sessionID, err := uuid.Parse(sessionIDStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session_id"})
			return
		}
		id, err := validator.ValidateIdentity(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := NewClient(hub, sessionID, id, logger)
		client.conn = conn
		hub.Register(client)
		go client.writePump()

		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		err = dispatcher.OnConnect(ctx, client)
		cancel()
		if err != nil {
			client.Send(EventError, ackError(err))
			client.close(dispatcher)
			return
		}
		client.readPump(dispatcher)
	}
}

func (c *Client) close(dispatcher Dispatcher) {
	last := c.hub.Unregister(c)
	close(c.done)
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	dispatcher.OnDisconnect(ctx, c, last)
}

func (c *Client) readPump(dispatcher Dispatcher) {
	defer c.close(dispatcher)

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		if msg.Event == "" {
			continue
		}
		// one goroutine per inbound event
		go c.Dispatch(dispatcher, msg)
	}
}

// Dispatch runs one inbound event and acknowledges it when it carries an ack_id.
func (c *Client) Dispatch(dispatcher Dispatcher, msg WSMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	result, err := dispatcher.Handle(ctx, c, msg.Event, msg.Data)
	if err != nil && apperr.KindOf(err) == apperr.KindInternal {
		c.logger.Error("event failed", zap.Error(err), zap.String("event", msg.Event), zap.String("client_id", c.ID))
	}
	var payload interface{} = result
	if err != nil {
		payload = ackError(err)
	}
	if msg.AckID == "" {
		if err != nil {
			c.Send(EventError, payload)
		}
		return
	}
	data, merr := marshalPayload(payload)
	if merr != nil {
		return
	}
	c.enqueue(WSMessage{Event: EventAck, AckID: msg.AckID, Data: data})
}

func ackError(err error) AckError {
	return AckError{OK: false, Error: apperr.Message(err), Code: string(apperr.KindOf(err))}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
					if err := c.conn.WriteJSON(msg); err != nil {
						return
					}
				default:
					_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

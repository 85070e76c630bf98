package notify

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"cryptoRiskGuard/internal/domain"
	"cryptoRiskGuard/internal/ports"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Message is the envelope pushed to websocket subscribers.
type Message struct {
	Type string      `json:"type"` // "alert" or "position"
	Data interface{} `json:"data"`
}

type alertPayload struct {
	Type         domain.AlertType `json:"alertType"`
	AccountID    string           `json:"accountId"`
	PositionID   string           `json:"positionId,omitempty"`
	Symbol       string           `json:"symbol,omitempty"`
	Threshold    domain.Money     `json:"threshold"`
	CurrentValue domain.Money     `json:"currentValue"`
	Message      string           `json:"message"`
	Timestamp    time.Time        `json:"timestamp"`
}

type positionPayload struct {
	Type        domain.PositionEventType `json:"eventType"`
	AccountID   string                   `json:"accountId"`
	PositionID  string                   `json:"positionId"`
	Symbol      string                   `json:"symbol"`
	Side        domain.PositionSide      `json:"side"`
	Size        domain.Money             `json:"size"`
	MarkPrice   domain.Money             `json:"markPrice"`
	Status      domain.PositionStatus    `json:"status"`
	CloseReason domain.CloseReason       `json:"closeReason,omitempty"`
	Realized    domain.Money             `json:"realized"`
	Timestamp   time.Time                `json:"timestamp"`
}

// Hub broadcasts alerts and position events to every connected websocket client. It
// implements ports.EventSink; slow clients are disconnected rather than waited for.
type Hub struct {
	logger   ports.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}

	broadcast chan []byte
	dropped   atomic.Int64
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub. checkOrigin may be nil to accept every origin.
func NewHub(logger ports.Logger, checkOrigin func(r *http.Request) bool) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		clients:   make(map[*client]struct{}),
		broadcast: make(chan []byte, sendBuffer),
	}
}

// Run fans broadcast messages out to clients until ctx is done, then disconnects them.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return nil
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					delete(h.clients, c)
					close(c.send)
					h.logger.Warn(ctx, "Hub: dropping slow client")
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped reports messages discarded because the broadcast queue was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// ServeWS upgrades the request and subscribes the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn(r.Context(), "Hub: websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info(r.Context(), "Hub: client connected", map[string]interface{}{"clients": total, "remote": r.RemoteAddr})

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// readPump discards client messages; it exists to process pongs and notice disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

func (h *Hub) publish(ctx context.Context, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error(ctx, err, "Hub: failed to encode message", map[string]interface{}{"type": msg.Type})
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hub) PublishAlert(ctx context.Context, a domain.PositionAlert) {
	h.publish(ctx, Message{Type: "alert", Data: alertPayload{
		Type:         a.Type,
		AccountID:    a.AccountID,
		PositionID:   a.PositionID,
		Symbol:       a.Symbol,
		Threshold:    a.Threshold,
		CurrentValue: a.CurrentValue,
		Message:      a.Message,
		Timestamp:    a.Timestamp,
	}})
}

func (h *Hub) PublishPositionEvent(ctx context.Context, e domain.PositionEvent) {
	h.publish(ctx, Message{Type: "position", Data: positionPayload{
		Type:        e.Type,
		AccountID:   e.AccountID,
		PositionID:  e.Position.ID,
		Symbol:      e.Position.Symbol,
		Side:        e.Position.Side,
		Size:        e.Position.Size,
		MarkPrice:   e.Position.MarkPrice,
		Status:      e.Position.Status,
		CloseReason: e.Position.CloseReason,
		Realized:    e.Realized,
		Timestamp:   e.Timestamp,
	}})
}

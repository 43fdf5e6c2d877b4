package simulation

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/glucose-engine/internal/metrics"
	"github.com/atmx/glucose-engine/internal/model"
)

// WSMessage is the event pushed to subscribers after a run completes.
type WSMessage struct {
	Type            string  `json:"type"`
	SessionID       string  `json:"session_id"`
	RunID           string  `json:"run_id"`
	Unit            string  `json:"unit"`
	ExecutionTimeMS float64 `json:"execution_time_ms"`
	GlucoseMin      float64 `json:"glucose_min"`
	GlucoseMax      float64 `json:"glucose_max"`
	InsulinMax      float64 `json:"insulin_max"`
}

const (
	wsSendQueue    = 16
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingEvery    = 30 * time.Second
)

// wsClient is one subscriber. Only its write pump writes to conn.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// WSHub fans simulation completion events out to subscribed clients. A
// client whose queue is full is dropped rather than slowing the others.
type WSHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}

	events chan []byte
	join   chan *wsClient
	leave  chan *wsClient
	done   chan struct{}
}

// NewWSHub creates a hub; start it with Run.
func NewWSHub() *WSHub {
	return &WSHub{
		clients: make(map[*wsClient]struct{}),
		events:  make(chan []byte, 256),
		join:    make(chan *wsClient),
		leave:   make(chan *wsClient),
		done:    make(chan struct{}),
	}
}

// Run dispatches events until ctx is cancelled, then disconnects every
// client.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.join:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Debug("ws subscriber joined", "subscribers", n)

		case c := <-h.leave:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case ev := <-h.events:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- ev:
				default:
					slog.Warn("ws subscriber too slow, dropping")
					h.drop(c)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// drop removes c and closes its queue, which stops its write pump.
// h.mu must be held.
func (h *WSHub) drop(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
}

// Broadcast queues msg for every client. It never blocks the caller.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("ws encode failed", "err", err)
		return
	}
	select {
	case h.events <- data:
	default:
		slog.Warn("ws event queue full, dropping", "type", msg.Type, "session", msg.SessionID)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// HandleWS upgrades GET /api/v1/ws and subscribes the connection.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, wsSendQueue)}
	select {
	case h.join <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go h.readPump(c)
}

// readPump discards client input and unsubscribes on disconnect.
func (h *WSHub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.leave <- c:
		case <-h.done:
		}
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump owns every write to the connection, events and pings alike.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingEvery)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// summarize builds the completion event for a run.
func summarize(sessionID string, run *model.Run) WSMessage {
	msg := WSMessage{
		Type:            "simulation_completed",
		SessionID:       sessionID,
		RunID:           run.ID,
		Unit:            run.Unit,
		ExecutionTimeMS: float64(run.ExecutionTime) / float64(time.Millisecond),
	}
	first := true
	for _, g := range run.Glucose {
		if first || g < msg.GlucoseMin {
			msg.GlucoseMin = g
		}
		if first || g > msg.GlucoseMax {
			msg.GlucoseMax = g
		}
		first = false
	}
	for _, i := range run.Insulin {
		if i > msg.InsulinMax {
			msg.InsulinMax = i
		}
	}
	return msg
}

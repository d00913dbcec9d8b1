package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"voice-companion/pkg/errors"
	"voice-companion/pkg/view"
	"voice-companion/pkg/voice"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 4
	replyBuffer    = 8
)

// WebSocketUpgrader configures the WebSocket connection
var WebSocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all connections
		return true
	},
}

// commandFrame is an inbound client request
type commandFrame struct {
	Action view.Action `json:"action"`
}

// errorFrame answers a failed command to the client that sent it
type errorFrame struct {
	Error  string      `json:"error"`
	Code   string      `json:"code,omitempty"`
	Action view.Action `json:"action"`
}

// Client represents a connected WebSocket client
type Client struct {
	hub     *ViewHub
	conn    *websocket.Conn
	send    chan []byte
	replies chan []byte
}

// ViewHub pushes the projected session view to every connected client and
// forwards client commands to the session. It implements voice.StateListener.
// Views are coalesced, so a slow client skips intermediate revisions.
type ViewHub struct {
	logger   *logrus.Logger
	handler  *SessionHandler
	clients  map[*Client]bool
	register chan *Client
	// unregister carries clients whose connection went away
	unregister chan *Client
	changed    chan struct{}
	done       chan struct{}

	mutex    sync.RWMutex
	latest   []byte
	revision uint64
	running  bool
}

// NewViewHub creates a hub answering commands through handler
func NewViewHub(logger *logrus.Logger, handler *SessionHandler) *ViewHub {
	hub := &ViewHub{
		logger:     logger,
		handler:    handler,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		changed:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	hub.store(handler.View())
	return hub
}

// store keeps v as the latest view unless a newer one is already held
func (h *ViewHub) store(v view.View) bool {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal session view")
		return false
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.latest != nil && v.Revision < h.revision {
		return false
	}
	h.latest = data
	h.revision = v.Revision
	return true
}

func (h *ViewHub) current() []byte {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.latest
}

// OnSessionState implements voice.StateListener. It never blocks the caller.
func (h *ViewHub) OnSessionState(s voice.Snapshot) {
	if !h.store(view.Project(s, view.IdentityFrom(s.Assistant))) {
		return
	}
	select {
	case h.changed <- struct{}{}:
	default:
	}
}

// Run starts the view hub. It must be called once.
func (h *ViewHub) Run(ctx context.Context) {
	h.logger.Info("Starting WebSocket view hub")
	h.mutex.Lock()
	h.running = true
	h.mutex.Unlock()

	defer func() {
		h.mutex.Lock()
		h.running = false
		h.mutex.Unlock()
		close(h.done)
		for client := range h.clients {
			close(client.send)
			delete(h.clients, client)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Shutting down WebSocket view hub")
			return

		case client := <-h.register:
			h.clients[client] = true
			h.deliver(client, h.current())
			h.logger.WithField("clients", len(h.clients)).Info("Client connected to WebSocket")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.WithField("clients", len(h.clients)).Info("Client disconnected from WebSocket")
			}

		case <-h.changed:
			data := h.current()
			for client := range h.clients {
				h.deliver(client, data)
			}
		}
	}
}

// deliver queues data for client, replacing a view the client has not
// consumed yet
func (h *ViewHub) deliver(client *Client, data []byte) {
	for {
		select {
		case client.send <- data:
			return
		default:
		}
		select {
		case <-client.send:
		default:
		}
	}
}

// IsRunning returns true while Run is active
func (h *ViewHub) IsRunning() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.running
}

// HealthCheck reports an error while the hub is not running
func (h *ViewHub) HealthCheck() error {
	if !h.IsRunning() {
		return errors.Wrap(errors.ErrUnavailable, "view hub is not running")
	}
	return nil
}

// ServeWs handles WebSocket requests from clients
func (h *ViewHub) ServeWs(w http.ResponseWriter, r *http.Request) {
	if !h.IsRunning() {
		errors.WriteError(w, errors.Wrap(errors.ErrUnavailable, "view hub is not running"))
		return
	}

	conn, err := WebSocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade connection to WebSocket")
		return
	}

	client := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		replies: make(chan []byte, replyBuffer),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads commands from the client until the connection closes
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.WithError(err).Debug("WebSocket client read failed")
			}
			return
		}

		var frame commandFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.reply(errorFrame{Error: "malformed command"})
			continue
		}

		if err := c.hub.handler.Dispatch(context.Background(), frame.Action); err != nil {
			c.hub.logger.WithError(err).WithField("action", string(frame.Action)).Warn("WebSocket command failed")
			c.reply(errorFrame{Error: err.Error(), Code: errors.GetErrorCode(err), Action: frame.Action})
		}
	}
}

// reply queues frame for the write pump, dropping it if the client is behind
func (c *Client) reply(frame errorFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.replies <- data:
	default:
		c.hub.logger.Debug("WebSocket client reply dropped")
	}
}

// writePump pumps messages from the hub to the WebSocket connection
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
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case message := <-c.replies:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

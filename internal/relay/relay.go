// Package relay is a loopback to-device transport for the host-driver demo
// and integration tests: a websocket hub that routes the engine's outgoing
// to-device requests straight to the recipient's connected engine, standing
// in for the homeserver transport that is out of the core's scope.
package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/n42/matrix-crypto-core/internal/event"
)

// frame is what travels over the wire: the sending user plus one recipient
// device's share of a to-device request.
type frame struct {
	Sender  string          `json:"sender"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// Hub accepts websocket connections at /?user=<id>&device=<id> and fans
// each incoming to-device request out to the addressed devices.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*conn // "user|device" -> connection
}

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex // serialises writes, as gorilla requires
}

// NewHub constructs an empty hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:   log,
		conns: make(map[string]*conn),
	}
}

func connKey(userID, deviceID string) string { return userID + "|" + deviceID }

// ServeHTTP upgrades the connection and pumps frames until the peer goes
// away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	deviceID := r.URL.Query().Get("device")
	if userID == "" || deviceID == "" {
		http.Error(w, "user and device query parameters required", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &conn{ws: ws}

	key := connKey(userID, deviceID)
	h.mu.Lock()
	h.conns[key] = c
	h.mu.Unlock()
	h.log.Info("relay client connected", "user_id", userID, "device_id", deviceID)

	defer func() {
		h.mu.Lock()
		delete(h.conns, key)
		h.mu.Unlock()
		ws.Close()
	}()

	for {
		var req event.ToDeviceRequest
		if err := ws.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Warn("relay read", "user_id", userID, "error", err)
			}
			return
		}
		h.route(userID, &req)
	}
}

// route delivers each recipient's slice of the request. Devices without a
// live connection are dropped: unlike a homeserver, which queues for an
// offline device, the demo has no offline queue.
func (h *Hub) route(sender string, req *event.ToDeviceRequest) {
	for userID, devices := range req.Messages {
		for deviceID, content := range devices {
			h.mu.Lock()
			target, ok := h.conns[connKey(userID, deviceID)]
			h.mu.Unlock()
			if !ok {
				h.log.Debug("dropping to-device message for offline device",
					"user_id", userID, "device_id", deviceID)
				continue
			}
			target.mu.Lock()
			err := target.ws.WriteJSON(frame{Sender: sender, Type: req.Type, Content: content})
			target.mu.Unlock()
			if err != nil {
				h.log.Warn("relay write", "user_id", userID, "device_id", deviceID, "error", err)
			}
		}
	}
}

// Client is one engine's connection to the hub.
type Client struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// Dial connects to a hub at wsURL as the given device.
func Dial(wsURL, userID, deviceID string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.Dial(
		fmt.Sprintf("%s?user=%s&device=%s", wsURL, userID, deviceID), nil)
	if err != nil {
		return nil, fmt.Errorf("relay dial: %w", err)
	}
	return &Client{ws: ws}, nil
}

// Send forwards one outgoing to-device request to the hub.
func (c *Client) Send(req *event.ToDeviceRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(req)
}

// Receive blocks until the next to-device event arrives.
func (c *Client) Receive() (*event.ToDevice, error) {
	var f frame
	if err := c.ws.ReadJSON(&f); err != nil {
		return nil, err
	}
	return &event.ToDevice{Sender: f.Sender, Type: f.Type, Content: f.Content}, nil
}

// Close shuts the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.ws.Close()
}

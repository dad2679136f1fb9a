// Package gateway implements the Session Gateway (SG): the websocket fan-out
// layer that keeps a live registry of userId → connections and delivers
// events pushed by the notification dispatcher (SPEC_FULL.md §4.3).
package gateway

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/shiva/ridehail/internal/model"
	"github.com/shiva/ridehail/pkg/geo"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Connection is one live websocket session for a user.
type Connection struct {
	userID string
	role   model.SessionRole
	lat    *float64
	lng    *float64
	socket *websocket.Conn
	send   chan []byte
}

// Hub tracks every connected user's socket set and routes deliveries to
// them. Multiplicity: a user may hold more than one concurrent connection
// (multiple devices); delivery fans out to all of them.
//
// Grounded on bambambim-ride-hail's domain.WebSocketManager interface shape
// (IsDriverConnected/SendRideOffer/SendRideDetails/SendRideCancelled) and
// richxcame-ride-hailing's wsHub.SendToUser usage; the teacher has no
// realtime component, so this package is learned entirely from the pack.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]map[*Connection]struct{} // userID -> set of connections
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{connections: make(map[string]map[*Connection]struct{})}
}

// registerMessage is the client's opening "register" frame, identifying
// itself to the hub.
type registerMessage struct {
	UserID string            `json:"user_id"`
	Role   model.SessionRole `json:"role"`
	Lat    *float64          `json:"lat,omitempty"`
	Lng    *float64          `json:"lng,omitempty"`
}

// ServeWS upgrades an HTTP request to a websocket connection and runs its
// read/write pumps until the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	socket, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	_, body, err := socket.ReadMessage()
	if err != nil {
		socket.Close()
		return
	}

	var reg registerMessage
	if err := json.Unmarshal(body, &reg); err != nil || reg.UserID == "" {
		socket.Close()
		return
	}

	conn := &Connection{
		userID: reg.UserID,
		role:   reg.Role,
		lat:    reg.Lat,
		lng:    reg.Lng,
		socket: socket,
		send:   make(chan []byte, 32),
	}

	h.register(conn)
	defer h.unregister(conn)

	go conn.writePump()
	conn.readPump(h)
}

func (h *Hub) register(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.connections[c.userID]
	if !ok {
		set = make(map[*Connection]struct{})
		h.connections[c.userID] = set
	}
	set[c] = struct{}{}
	log.Debug().Str("user_id", c.userID).Str("role", string(c.role)).Msg("session registered")
}

func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.connections[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.connections, c.userID)
		}
	}
	close(c.send)
	c.socket.Close()
}

func (c *Connection) readPump(h *Hub) {
	for {
		if _, _, err := c.socket.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Connection) writePump() {
	for msg := range c.send {
		if err := c.socket.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// IsConnected reports whether userID has at least one live session.
func (h *Hub) IsConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set, ok := h.connections[userID]
	return ok && len(set) > 0
}

// SendToUser delivers event+payload to every live connection for userID.
// Best-effort: no retry, no persistence (the DS notification row is the
// durable copy per SPEC_FULL.md §4.3).
func (h *Hub) SendToUser(userID, event string, payload interface{}) bool {
	h.mu.RLock()
	set, ok := h.connections[userID]
	conns := make([]*Connection, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	if !ok || len(conns) == 0 {
		return false
	}

	body, err := json.Marshal(map[string]interface{}{"event": event, "payload": payload})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to marshal push payload")
		return false
	}

	for _, c := range conns {
		select {
		case c.send <- body:
		default:
			log.Warn().Str("user_id", userID).Msg("dropping push: send buffer full")
		}
	}
	return true
}

// BroadcastNearby delivers event+payload to every driver session whose
// last-known location falls within radiusKm of (lat, lng). Linear scan is
// acceptable at this scale (SPEC_FULL.md §4.3); a geospatial index is a
// valid future optimization.
func (h *Hub) BroadcastNearby(lat, lng, radiusKm float64, event string, payload interface{}) int {
	h.mu.RLock()
	var targets []*Connection
	for _, set := range h.connections {
		for c := range set {
			if c.role != model.SessionDriver || c.lat == nil || c.lng == nil {
				continue
			}
			origin := model.Location{Lat: lat, Lon: lng}
			driverLoc := model.Location{Lat: *c.lat, Lon: *c.lng}
			if geo.HaversineKm(origin, driverLoc) <= radiusKm {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()

	body, err := json.Marshal(map[string]interface{}{"event": event, "payload": payload})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to marshal broadcast payload")
		return 0
	}

	for _, c := range targets {
		select {
		case c.send <- body:
		default:
			log.Warn().Str("user_id", c.userID).Msg("dropping broadcast: send buffer full")
		}
	}
	return len(targets)
}

// BulkItem is one entry of a BulkSend request.
type BulkItem struct {
	UserID  string
	Role    model.SessionRole
	Event   string
	Payload interface{}
}

// BulkResult reports whether delivery succeeded for one BulkItem.
type BulkResult struct {
	UserID  string
	Success bool
}

// BulkSend delivers each item independently and returns per-item success.
func (h *Hub) BulkSend(items []BulkItem) []BulkResult {
	results := make([]BulkResult, len(items))
	for i, item := range items {
		results[i] = BulkResult{UserID: item.UserID, Success: h.SendToUser(item.UserID, item.Event, item.Payload)}
	}
	return results
}

// ConnectionStats reports current registry size, for the getConnectionStats
// RPC.
type ConnectionStats struct {
	ConnectedUsers int `json:"connected_users"`
	TotalSockets   int `json:"total_sockets"`
}

// Stats returns the current connection counts.
func (h *Hub) Stats() ConnectionStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := ConnectionStats{ConnectedUsers: len(h.connections)}
	for _, set := range h.connections {
		stats.TotalSockets += len(set)
	}
	return stats
}

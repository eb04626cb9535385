package relay

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/sentryline/callmesh/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client is one relay connection: one browser tab or one headless
// participant process, bound to a single call room.
type Client struct {
	ID       string
	Conn     *websocket.Conn
	Send     chan []byte
	CallID   int64
	Identity models.Identity

	closeOnce sync.Once
}

func NewClient(conn *websocket.Conn, callID int64, identity models.Identity) *Client {
	return &Client{
		ID:       uuid.NewString(),
		Conn:     conn,
		Send:     make(chan []byte, 32),
		CallID:   callID,
		Identity: identity,
	}
}

// TrySend queues a payload without blocking. A full or closed send channel
// counts as a failed delivery; signaling tolerates lost messages.
func (c *Client) TrySend(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.Send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) CloseSend() {
	c.closeOnce.Do(func() {
		close(c.Send)
	})
}

// Hub routes relay envelopes between the connected participants of each
// call room. Targeted envelopes reach only the matching peer key; broadcasts
// reach everyone in the room except the sender.
type Hub struct {
	mu    sync.Mutex
	rooms map[int64]map[string]*Client // callID -> peerKey -> client

	log *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		rooms: make(map[int64]map[string]*Client),
		log:   log,
	}
}

// Add registers a connection in its call room. A second connection for the
// same peer key replaces the first; the stale socket is closed.
func (h *Hub) Add(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[client.CallID]
	if !ok {
		room = make(map[string]*Client)
		h.rooms[client.CallID] = room
	}

	key := client.Identity.PeerKey()
	if old := room[key]; old != nil {
		_ = old.Conn.Close()
		old.CloseSend()
	}
	room[key] = client
}

// Remove drops a connection, but only if it is still the registered one for
// its peer key — a replacement connection must not be evicted by the old
// connection's teardown.
func (h *Hub) Remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[client.CallID]
	if !ok {
		return
	}

	key := client.Identity.PeerKey()
	if current, exists := room[key]; exists && current.ID == client.ID {
		current.CloseSend()
		delete(room, key)
	}
	if len(room) == 0 {
		delete(h.rooms, client.CallID)
	}
}

// Deliver routes an inbound envelope from an authenticated connection. The
// envelope's From fields are stamped here so a client can never speak for
// another participant.
func (h *Hub) Deliver(from *Client, env Envelope) {
	env.CallID = from.CallID
	env.StampFrom(from.Identity)

	payload, err := json.Marshal(env)
	if err != nil {
		return
	}

	if target := env.TargetKey(); target != "" {
		if !h.SendTo(from.CallID, target, payload) {
			h.log.Debug("relay targeted delivery failed", "call_id", from.CallID, "to", target, "type", env.Type)
		}
		return
	}

	h.BroadcastExcept(from.CallID, from.Identity.PeerKey(), payload)
}

// SendTo delivers a payload to one peer key in the room.
func (h *Hub) SendTo(callID int64, peerKey string, payload []byte) bool {
	h.mu.Lock()
	var client *Client
	if room, ok := h.rooms[callID]; ok {
		client = room[peerKey]
	}
	h.mu.Unlock()

	if client == nil {
		return false
	}
	if !client.TrySend(payload) {
		_ = client.Conn.Close()
		return false
	}
	return true
}

// BroadcastExcept delivers a payload to every room member except one key.
// Pass "" to reach the whole room.
func (h *Hub) BroadcastExcept(callID int64, exceptKey string, payload []byte) {
	h.mu.Lock()
	var clients []*Client
	if room, ok := h.rooms[callID]; ok {
		clients = make([]*Client, 0, len(room))
		for key, client := range room {
			if key == exceptKey {
				continue
			}
			clients = append(clients, client)
		}
	}
	h.mu.Unlock()

	for _, client := range clients {
		if !client.TrySend(payload) {
			_ = client.Conn.Close()
		}
	}
}

// CloseCall disconnects every participant; used when the call is ended.
func (h *Hub) CloseCall(callID int64) {
	h.mu.Lock()
	room, ok := h.rooms[callID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.rooms, callID)
	h.mu.Unlock()

	for _, client := range room {
		_ = client.Conn.Close()
		client.CloseSend()
	}
}

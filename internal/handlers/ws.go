package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sentryline/callmesh/internal/auth"
	"github.com/sentryline/callmesh/internal/models"
	"github.com/sentryline/callmesh/internal/relay"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 70 * time.Second
	wsPingPeriod = 30 * time.Second
)

// HandleRelay upgrades a relay connection for one call room. Users present a
// session token, guests the call-scoped guest token; either can arrive in
// the Authorization header or the token query parameter (browser WebSocket
// clients cannot set headers).
func (h *Handlers) HandleRelay(c *gin.Context) {
	callID, err := strconv.ParseInt(c.Query("call_id"), 10, 64)
	if err != nil || callID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "call_id is required"})
		return
	}

	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if token == "" {
		token = c.Query("token")
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token is required"})
		return
	}

	identity, ok := h.resolveIdentity(token, callID)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid token for this call"})
		return
	}

	if _, err := h.registry.Join(callID, identity, h.nowFn()); err != nil {
		writeCallError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("relay upgrade failed", "call_id", callID, "error", err)
		return
	}

	client := relay.NewClient(conn, callID, identity)
	h.hub.Add(client)
	h.log.Debug("relay connected", "call_id", callID, "peer", identity.PeerKey())

	go h.writePump(client)
	h.readPump(client)
}

// resolveIdentity accepts either token kind. A guest token is only valid for
// the exact call it was issued for.
func (h *Handlers) resolveIdentity(token string, callID int64) (models.Identity, bool) {
	if userID, err := auth.ParseUserToken(h.config.JWTSecret, token); err == nil {
		return models.UserIdentity(userID), true
	}
	if identity, err := h.gateway.Authorize(token, callID); err == nil {
		return identity, true
	}
	return models.Identity{}, false
}

func (h *Handlers) readPump(client *relay.Client) {
	defer func() {
		_ = client.Conn.Close()
		h.hub.Remove(client)
		h.log.Debug("relay disconnected", "call_id", client.CallID, "peer", client.Identity.PeerKey())
	}()

	_ = client.Conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.Conn.SetPongHandler(func(string) error {
		_ = client.Conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, payload, err := client.Conn.ReadMessage()
		if err != nil {
			return
		}

		var env relay.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			h.log.Debug("relay bad json", "call_id", client.CallID, "error", err)
			continue
		}
		if env.Type == "" {
			continue
		}

		// SDP and candidates may contain addresses; log sizes only.
		h.log.Debug("relay recv",
			"call_id", client.CallID,
			"peer", client.Identity.PeerKey(),
			"type", env.Type,
			"to", env.TargetKey(),
			"data_bytes", len(env.Data),
		)

		h.hub.Deliver(client, env)
	}
}

func (h *Handlers) writePump(client *relay.Client) {
	defer func() {
		_ = client.Conn.Close()
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.Send:
			if !ok {
				return
			}
			_ = client.Conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

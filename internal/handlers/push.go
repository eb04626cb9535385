package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sentryline/callmesh/internal/auth"
	"github.com/sentryline/callmesh/internal/models"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
)

type pushSubscribeKeys struct {
	P256DH string `json:"p256dh" binding:"required"`
	Auth   string `json:"auth" binding:"required"`
}

type pushSubscribeRequest struct {
	Endpoint string            `json:"endpoint" binding:"required"`
	Keys     pushSubscribeKeys `json:"keys" binding:"required"`
}

func (h *Handlers) GetVAPIDPublicKey(c *gin.Context) {
	if h.config.VAPIDKeys == nil {
		c.JSON(http.StatusOK, gin.H{"publicKey": ""})
		return
	}
	c.JSON(http.StatusOK, gin.H{"publicKey": h.config.VAPIDKeys.PublicKey})
}

func (h *Handlers) SubscribePush(c *gin.Context) {
	userID := auth.UserID(c)

	var req pushSubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if h.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "push storage unavailable"})
		return
	}

	// One subscription per user; a new browser registration replaces the
	// old one.
	if err := h.db.Where("user_id = ?", userID).Delete(&models.PushSubscription{}).Error; err != nil {
		h.log.Warn("failed to clear old push subscriptions", "user_id", userID, "error", err)
	}

	subscription := models.PushSubscription{
		UserID:   userID,
		Endpoint: req.Endpoint,
		P256DH:   req.Keys.P256DH,
		Auth:     req.Keys.Auth,
	}
	if err := h.db.Create(&subscription).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create subscription"})
		return
	}

	c.JSON(http.StatusCreated, subscription)
}

func (h *Handlers) UnsubscribePush(c *gin.Context) {
	userID := auth.UserID(c)

	var req struct {
		Endpoint string `json:"endpoint" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if h.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "push storage unavailable"})
		return
	}

	result := h.db.Where("user_id = ? AND endpoint = ?", userID, req.Endpoint).Delete(&models.PushSubscription{})
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "unsubscribed"})
}

// notifyIncomingCall pushes an "incoming call" notification with a deep link
// into the call. Failures are logged and otherwise ignored: push is an
// announcement channel, not part of the signaling path.
func (h *Handlers) notifyIncomingCall(userID int64, call *models.Call) {
	if h.db == nil || h.config.VAPIDKeys == nil {
		return
	}

	var subscriptions []models.PushSubscription
	if err := h.db.Where("user_id = ?", userID).Find(&subscriptions).Error; err != nil {
		h.log.Warn("failed to load push subscriptions", "user_id", userID, "error", err)
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	callURL := fmt.Sprintf("https://%s/calls/%d?type=%s",
		h.config.Domain, call.ID, url.QueryEscape(string(call.Type)))

	payload, err := json.Marshal(map[string]any{
		"title":   "Incoming call",
		"body":    fmt.Sprintf("Tap to join the %s call", call.Type),
		"data":    map[string]any{"url": callURL, "call_id": call.ID},
		"urgency": "high",
	})
	if err != nil {
		return
	}

	for _, sub := range subscriptions {
		resp, err := webpush.SendNotification(payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.P256DH, Auth: sub.Auth},
		}, &webpush.Options{
			Subscriber:      h.config.VAPIDKeys.Subject,
			VAPIDPublicKey:  h.config.VAPIDKeys.PublicKey,
			VAPIDPrivateKey: h.config.VAPIDKeys.PrivateKey,
			TTL:             30,
		})
		if err != nil {
			h.log.Warn("push delivery failed", "user_id", userID, "error", err)
			continue
		}

		// Gone endpoints are pruned so we stop retrying dead browsers.
		if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
			h.db.Delete(&sub)
		}
		resp.Body.Close()
	}
}

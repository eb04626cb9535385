package handlers

import (
	"errors"
	"net/http"

	"github.com/sentryline/callmesh/internal/guest"
	"github.com/sentryline/callmesh/internal/models"

	"github.com/gin-gonic/gin"
)

type joinGuestRequest struct {
	DisplayName string `json:"display_name"`
}

type joinGuestResponse struct {
	GuestToken    string          `json:"guest_token"`
	ParticipantID int64           `json:"participant_id"`
	CallType      models.CallType `json:"call_type"`
}

type leaveGuestRequest struct {
	GuestToken string `json:"guest_token" binding:"required"`
}

func (h *Handlers) JoinGuest(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}

	var req joinGuestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	grant, err := h.gateway.JoinAsGuest(callID, req.DisplayName)
	if err != nil {
		writeCallError(c, err)
		return
	}

	c.JSON(http.StatusOK, joinGuestResponse{
		GuestToken:    grant.Token,
		ParticipantID: grant.Identity.ParticipantID,
		CallType:      grant.CallType,
	})
}

func (h *Handlers) LeaveGuest(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}

	var req leaveGuestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.gateway.Leave(callID, req.GuestToken); err != nil {
		if errors.Is(err, guest.ErrInvalidToken) || errors.Is(err, guest.ErrWrongCall) {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid guest token"})
			return
		}
		writeCallError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/sentryline/callmesh/internal/auth"
	"github.com/sentryline/callmesh/internal/models"
	"github.com/sentryline/callmesh/internal/registry"

	"github.com/gin-gonic/gin"
)

type createCallRequest struct {
	Type           models.CallType `json:"type" binding:"required"`
	ConversationID *int64          `json:"conversation_id,omitempty"`
	InviteeIDs     []int64         `json:"invitee_ids,omitempty"`
}

type publicCallResponse struct {
	ID     int64             `json:"id"`
	Type   models.CallType   `json:"type"`
	Status models.CallStatus `json:"status"`
}

func (h *Handlers) CreateCall(c *gin.Context) {
	userID := auth.UserID(c)

	var req createCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	call, err := h.registry.CreateCall(req.Type, userID, req.ConversationID, h.nowFn())
	if err != nil {
		if errors.Is(err, registry.ErrInvalidType) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "type must be voice or video"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	for _, inviteeID := range req.InviteeIDs {
		if inviteeID == userID {
			continue
		}
		go h.notifyIncomingCall(inviteeID, call)
	}

	c.JSON(http.StatusCreated, call)
}

func (h *Handlers) ListCalls(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"calls": h.registry.ListActive()})
}

func (h *Handlers) JoinCall(c *gin.Context) {
	userID := auth.UserID(c)

	callID, ok := callIDParam(c)
	if !ok {
		return
	}

	call, err := h.registry.Join(callID, models.UserIdentity(userID), h.nowFn())
	if err != nil {
		writeCallError(c, err)
		return
	}

	c.JSON(http.StatusOK, call)
}

func (h *Handlers) EndCall(c *gin.Context) {
	userID := auth.UserID(c)

	callID, ok := callIDParam(c)
	if !ok {
		return
	}

	if err := h.registry.End(callID, models.UserIdentity(userID), h.nowFn()); err != nil {
		writeCallError(c, err)
		return
	}

	// Drop every relay connection in the room; peers tear down on
	// disconnect.
	h.hub.CloseCall(callID)

	c.JSON(http.StatusOK, gin.H{"status": models.CallStatusEnded})
}

// GetCallPublic is the unauthenticated status probe behind the guest join
// page. It deliberately exposes only id, type and status.
func (h *Handlers) GetCallPublic(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}

	call, err := h.registry.Get(callID)
	if err != nil {
		writeCallError(c, err)
		return
	}

	c.JSON(http.StatusOK, publicCallResponse{ID: call.ID, Type: call.Type, Status: call.Status})
}

// GetCallByCode resolves a shareable join code to the same public shape.
func (h *Handlers) GetCallByCode(c *gin.Context) {
	call, err := h.registry.GetByCode(c.Param("code"))
	if err != nil {
		writeCallError(c, err)
		return
	}

	c.JSON(http.StatusOK, publicCallResponse{ID: call.ID, Type: call.Type, Status: call.Status})
}

func callIDParam(c *gin.Context) (int64, bool) {
	callID, err := strconv.ParseInt(c.Param("call_id"), 10, 64)
	if err != nil || callID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid call id"})
		return 0, false
	}
	return callID, true
}

func writeCallError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, registry.ErrCallNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
	case errors.Is(err, registry.ErrCallEnded), errors.Is(err, registry.ErrCallAlreadyEnded):
		c.JSON(http.StatusConflict, gin.H{"error": "call ended"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

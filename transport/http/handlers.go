package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/layer-3/pingmark/core"
	"github.com/layer-3/pingmark/service"
)

// Handlers contains HTTP handlers for the epoch and session endpoints
type Handlers struct {
	sessions *service.SessionService
	epochs   *service.EpochService
}

// NewHandlers creates new handlers
func NewHandlers(sessions *service.SessionService, epochs *service.EpochService) *Handlers {
	return &Handlers{
		sessions: sessions,
		epochs:   epochs,
	}
}

// FinalizeEpoch handles an explicit finalization request for an epoch
func (h *Handlers) FinalizeEpoch(c *gin.Context) {
	var req struct {
		EpochID    uint64   `json:"epochId" binding:"required"`
		SessionIDs []string `json:"sessionIds" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	commitment, err := h.epochs.Finalize(c.Request.Context(), req.EpochID, req.SessionIDs)
	if err != nil {
		statusCode := http.StatusInternalServerError
		errorMsg := "Failed to finalize epoch"

		switch {
		case errors.Is(err, core.ErrNoSamples):
			statusCode = http.StatusUnprocessableEntity
			errorMsg = "No samples available for epoch"
		case errors.Is(err, core.ErrStoreUnavailable):
			statusCode = http.StatusServiceUnavailable
			errorMsg = "Storage unavailable"
		}

		c.JSON(statusCode, gin.H{"error": errorMsg})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"epochId":     commitment.EpochID,
		"root":        commitment.Root,
		"sampleCount": len(commitment.Samples),
		"finalizedAt": commitment.FinalizedAt,
	})
}

// EpochRoot reports the root of an epoch and whether it is anchored
func (h *Handlers) EpochRoot(c *gin.Context) {
	epochID, ok := h.epochParam(c)
	if !ok {
		return
	}

	status, err := h.epochs.Root(c.Request.Context(), epochID)
	if err != nil {
		if errors.Is(err, core.ErrEpochNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Epoch not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read epoch root"})
		return
	}

	c.JSON(http.StatusOK, status)
}

// EpochBundle returns the proof bundle for a finalized epoch
func (h *Handlers) EpochBundle(c *gin.Context) {
	epochID, ok := h.epochParam(c)
	if !ok {
		return
	}

	bundle, err := h.epochs.Bundle(c.Request.Context(), epochID)
	if err != nil {
		if errors.Is(err, core.ErrEpochNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Epoch not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build proof bundle"})
		return
	}

	c.JSON(http.StatusOK, bundle)
}

// SessionStatus returns the persisted state of a session
func (h *Handlers) SessionStatus(c *gin.Context) {
	sess, err := h.sessions.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, core.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId": sess.ID,
		"clientId":  sess.ClientID,
		"epochId":   sess.EpochID,
		"status":    sess.Status,
		"startedAt": sess.StartedAt,
		"completed": len(sess.Samples),
		"total":     len(sess.Challenges),
	})
}

// SessionStats returns the latency summary of a session
func (h *Handlers) SessionStats(c *gin.Context) {
	stats, err := h.sessions.Stats(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, core.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute session stats"})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// Receipt returns the verified receipt claims set by the middleware
func (h *Handlers) Receipt(c *gin.Context) {
	receipt, exists := c.Get("receipt")
	if !exists {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Receipt not found in context"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

func (h *Handlers) epochParam(c *gin.Context) (uint64, bool) {
	epochID, err := strconv.ParseUint(c.Param("epoch"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid epoch ID"})
		return 0, false
	}
	return epochID, true
}

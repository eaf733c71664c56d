// ABOUTME: Operator-facing handlers: inbound commands, safety controls, history
// ABOUTME: Channel adapters call these after doing their own user auth

package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/wardgate/wardgate/internal/guard"
	"github.com/wardgate/wardgate/internal/journal"
	"github.com/wardgate/wardgate/internal/orchestrator"
	"github.com/wardgate/wardgate/internal/registry"
	"github.com/wardgate/wardgate/internal/relay"
	"github.com/wardgate/wardgate/internal/store"
)

// OperatorHandler serves the endpoints channel adapters and operator
// tooling call.
type OperatorHandler struct {
	Registry     *registry.Registry
	Orchestrator *orchestrator.Orchestrator
	Journal      *journal.Journal
}

type commandBody struct {
	UserID    string `json:"user_id" binding:"required"`
	ChannelID string `json:"channel_id"`
	DeviceID  string `json:"device_id" binding:"required"`
	Text      string `json:"text" binding:"required"`
	Priority  int    `json:"priority"`
	Payload   struct {
		IV         string `json:"iv" binding:"required"`
		AuthTag    string `json:"auth_tag" binding:"required"`
		Ciphertext string `json:"ciphertext" binding:"required"`
	} `json:"payload" binding:"required"`
}

// Command runs one inbound command through the admission flow and
// reports which path it took.
func (h *OperatorHandler) Command(c *gin.Context) {
	var body commandBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	outcome, err := h.Orchestrator.HandleCommand(c.Request.Context(), orchestrator.CommandRequest{
		UserID:    body.UserID,
		ChannelID: body.ChannelID,
		DeviceID:  body.DeviceID,
		Text:      body.Text,
		Priority:  body.Priority,
		Payload: store.EncryptedPayload{
			IV:         body.Payload.IV,
			AuthTag:    body.Payload.AuthTag,
			Ciphertext: body.Payload.Ciphertext,
		},
	})
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrBlocked):
			c.JSON(http.StatusForbidden, gin.H{
				"decision":  string(outcome.Decision),
				"suspicion": outcome.Verdict.Suspicion,
				"signals":   outcome.Verdict.Signals,
			})
		case errors.Is(err, guard.ErrLocked):
			c.JSON(http.StatusLocked, gin.H{"error": "panic lock active"})
		case errors.Is(err, relay.ErrTooManyPending):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many pending commands"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "command handling failed"})
		}
		return
	}

	resp := gin.H{
		"decision":      string(outcome.Decision),
		"gravity_score": outcome.Assessment.Score,
		"gravity_level": string(outcome.Assessment.Level),
		"safeguards":    outcome.Assessment.Safeguards,
		"action_id":     outcome.ActionID,
	}
	if outcome.CommandID != "" {
		resp["command_id"] = outcome.CommandID
	}
	if outcome.ConfirmationToken != "" {
		resp["confirmation_token"] = outcome.ConfirmationToken
	}
	if outcome.Decision == orchestrator.DecisionDelayed {
		resp["execute_at"] = outcome.ExecuteAt
	}
	if outcome.Verdict.Warning {
		resp["warning"] = outcome.Verdict.Signals
	}
	c.JSON(http.StatusOK, resp)
}

type confirmBody struct {
	Token string `json:"token" binding:"required"`
}

// Confirm promotes a held command given its confirmation token.
func (h *OperatorHandler) Confirm(c *gin.Context) {
	var body confirmBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	commandID, err := h.Orchestrator.ConfirmCommand(c.Request.Context(), c.Param("id"), body.Token)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrInvalidToken):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired confirmation token"})
		default:
			writeStoreError(c, err)
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"command_id": commandID, "status": string(store.StatusPending)})
}

// CancelCommand withdraws an undelivered command.
func (h *OperatorHandler) CancelCommand(c *gin.Context) {
	id := c.Param("id")

	// Delayed commands live in the guard runtime, not the queue.
	if h.Orchestrator.CancelDelayed(c.Request.Context(), id) {
		c.JSON(http.StatusOK, gin.H{"cancelled": id})
		return
	}

	if err := h.Orchestrator.CancelCommand(c.Request.Context(), id); err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": id})
}

type panicBody struct {
	UserID    string `json:"user_id" binding:"required"`
	ChannelID string `json:"channel_id"`
}

// Panic cancels every delayed command and locks admission.
func (h *OperatorHandler) Panic(c *gin.Context) {
	var body panicBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	result, err := h.Orchestrator.Panic(c.Request.Context(), body.UserID, body.ChannelID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "panic failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"cancelled":     result.Cancelled,
		"checkpoint_id": result.CheckpointID,
		"locked":        true,
	})
}

type unlockBody struct {
	Token string `json:"token" binding:"required"`
}

// Unlock releases the panic lock with a re-auth token.
func (h *OperatorHandler) Unlock(c *gin.Context) {
	var body unlockBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	userID, err := h.Orchestrator.Unlock(c.Request.Context(), body.Token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid unlock token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unlocked_by": userID, "locked": false})
}

type pairingCodeBody struct {
	UserID string `json:"user_id" binding:"required"`
}

// PairingCode mints (or re-issues) the user's active pairing code.
func (h *OperatorHandler) PairingCode(c *gin.Context) {
	var body pairingCodeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	code, err := h.Registry.GeneratePairingCode(c.Request.Context(), body.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not generate pairing code"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": code.Code, "expires_at": code.ExpiresAt})
}

// Devices lists the user's devices with derived connection state.
func (h *OperatorHandler) Devices(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	devices, err := h.Registry.ListDevices(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list devices"})
		return
	}

	out := make([]gin.H, 0, len(devices))
	for _, d := range devices {
		out = append(out, gin.H{
			"id":           d.ID,
			"name":         d.Name,
			"device_type":  d.DeviceType,
			"platform":     d.Platform,
			"capabilities": d.Capabilities,
			"conn_state":   string(d.ConnState),
			"last_seen_at": d.LastSeenAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"devices": out})
}

// RemoveDevice deletes one of the user's devices.
func (h *OperatorHandler) RemoveDevice(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	if err := h.Registry.RemoveDevice(c.Request.Context(), userID, c.Param("id")); err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not remove device"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": c.Param("id")})
}

// Actions returns recent journal entries, newest first.
func (h *OperatorHandler) Actions(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	actions, err := h.Journal.GetRecentActions(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read journal"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions})
}

type checkpointBody struct {
	UserID      string `json:"user_id" binding:"required"`
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

// CreateCheckpoint snapshots a manual checkpoint.
func (h *OperatorHandler) CreateCheckpoint(c *gin.Context) {
	var body checkpointBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	cp, err := h.Journal.CreateCheckpoint(journal.CheckpointRequest{
		Name:        body.Name,
		Description: body.Description,
		RequestedBy: body.UserID,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create checkpoint"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoint": cp})
}

// Checkpoints lists retained checkpoints, newest first.
func (h *OperatorHandler) Checkpoints(c *gin.Context) {
	checkpoints, err := h.Journal.ListCheckpoints()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list checkpoints"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": checkpoints})
}

// Rollback reverses all completed actions after a checkpoint.
func (h *OperatorHandler) Rollback(c *gin.Context) {
	result, err := h.Journal.RollbackToCheckpoint(c.Param("id"))
	if err != nil {
		if errors.Is(err, journal.ErrCheckpointNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rollback failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// UndoAction reverses one completed action.
func (h *OperatorHandler) UndoAction(c *gin.Context) {
	id := c.Param("id")
	if err := h.Journal.UndoActionByID(id); err != nil {
		switch {
		case errors.Is(err, journal.ErrActionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		case errors.Is(err, journal.ErrNotCompleted):
			c.JSON(http.StatusConflict, gin.H{"error": "action is not completed"})
		case errors.Is(err, journal.ErrIrreversible):
			c.JSON(http.StatusConflict, gin.H{"error": "action is irreversible"})
		case errors.Is(err, journal.ErrMissingUndoInfo):
			c.JSON(http.StatusConflict, gin.H{"error": "action has no undo information"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "undo failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"undone": id})
}

// writeStoreError maps store sentinel errors to HTTP statuses.
func writeStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "state conflict"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

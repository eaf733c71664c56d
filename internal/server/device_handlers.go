// ABOUTME: Device-facing handlers: pairing, polling, results, heartbeats
// ABOUTME: Everything past /v1/pair runs behind the credential middleware

package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wardgate/wardgate/internal/orchestrator"
	"github.com/wardgate/wardgate/internal/registry"
	"github.com/wardgate/wardgate/internal/relay"
	"github.com/wardgate/wardgate/internal/store"
)

// DeviceHandler serves the endpoints devices call.
type DeviceHandler struct {
	Registry     *registry.Registry
	Queue        *relay.Queue
	Orchestrator *orchestrator.Orchestrator
}

type pairBody struct {
	Code         string   `json:"code" binding:"required"`
	Name         string   `json:"name" binding:"required"`
	DeviceType   string   `json:"device_type"`
	Platform     string   `json:"platform"`
	Capabilities []string `json:"capabilities"`
}

// Pair completes pairing: a valid one-time code plus device metadata
// yields the device's long-lived credential. The credential appears in
// this response only; it is never readable again.
func (h *DeviceHandler) Pair(c *gin.Context) {
	var body pairBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	device, err := h.Registry.CompletePairing(c.Request.Context(), body.Code, registry.DeviceInfo{
		Name:         body.Name,
		DeviceType:   body.DeviceType,
		Platform:     body.Platform,
		Capabilities: body.Capabilities,
	})
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrInvalidOrExpiredCode):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired pairing code"})
		case errors.Is(err, registry.ErrDeviceLimitExceeded):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "device limit exceeded"})
		case errors.Is(err, registry.ErrDuplicateDeviceName):
			c.JSON(http.StatusConflict, gin.H{"error": "a device with that name already exists"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "pairing failed"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"device_id":  device.ID,
		"credential": device.Credential,
		"name":       device.Name,
	})
}

// Poll claims up to the poll limit of pending commands for the calling
// device, transitioning each to delivered exactly once.
func (h *DeviceHandler) Poll(c *gin.Context) {
	device, ok := DeviceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid device credential"})
		return
	}

	commands, err := h.Queue.Poll(c.Request.Context(), device.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "poll failed"})
		return
	}

	out := make([]gin.H, 0, len(commands))
	for _, cmd := range commands {
		out = append(out, gin.H{
			"id":       cmd.ID,
			"priority": cmd.Priority,
			"payload": gin.H{
				"iv":         cmd.Payload.IV,
				"auth_tag":   cmd.Payload.AuthTag,
				"ciphertext": cmd.Payload.Ciphertext,
			},
			"created_at": cmd.CreatedAt,
			"expires_at": cmd.ExpiresAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"commands": out})
}

type resultBody struct {
	Success bool   `json:"success"`
	Status  string `json:"status"` // optional "executing" progress marker
	Result  *struct {
		IV         string `json:"iv"`
		AuthTag    string `json:"auth_tag"`
		Ciphertext string `json:"ciphertext"`
	} `json:"result"`
}

// Result records a device's report for one command: either an
// "executing" progress marker or a terminal encrypted result.
func (h *DeviceHandler) Result(c *gin.Context) {
	device, ok := DeviceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid device credential"})
		return
	}

	commandID := c.Param("id")
	var body resultBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	cmd, err := h.Queue.Get(c.Request.Context(), commandID)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if cmd.DeviceID != device.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	if body.Status == "executing" {
		if err := h.Queue.MarkExecuting(c.Request.Context(), commandID); err != nil {
			writeStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": string(store.StatusExecuting)})
		return
	}

	var result *store.EncryptedPayload
	if body.Result != nil {
		result = &store.EncryptedPayload{
			IV:         body.Result.IV,
			AuthTag:    body.Result.AuthTag,
			Ciphertext: body.Result.Ciphertext,
		}
	}

	if err := h.Orchestrator.ReportResult(c.Request.Context(), commandID, body.Success, result); err != nil {
		writeStoreError(c, err)
		return
	}

	status := store.StatusCompleted
	if !body.Success {
		status = store.StatusFailed
	}
	c.JSON(http.StatusOK, gin.H{"status": string(status)})
}

// Heartbeat marks the device online and tells it how many commands are
// waiting, so idle devices can back off their poll interval.
func (h *DeviceHandler) Heartbeat(c *gin.Context) {
	credential := c.GetHeader("X-Device-Credential")
	pending, err := h.Registry.UpdateHeartbeat(c.Request.Context(), credential)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid device credential"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending_commands": pending})
}

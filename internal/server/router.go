// ABOUTME: HTTP router wiring for the relay's device and operator surfaces
// ABOUTME: Devices authenticate per request; adapters gate their own users

package server

import (
	"github.com/gin-gonic/gin"

	"github.com/wardgate/wardgate/internal/journal"
	"github.com/wardgate/wardgate/internal/orchestrator"
	"github.com/wardgate/wardgate/internal/registry"
	"github.com/wardgate/wardgate/internal/relay"
)

// Deps carries everything the router needs.
type Deps struct {
	Registry     *registry.Registry
	Queue        *relay.Queue
	Orchestrator *orchestrator.Orchestrator
	Journal      *journal.Journal
}

// NewRouter builds the gin engine with all routes attached.
func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	device := &DeviceHandler{
		Registry:     deps.Registry,
		Queue:        deps.Queue,
		Orchestrator: deps.Orchestrator,
	}
	r.POST("/v1/pair", device.Pair)
	r.POST("/v1/heartbeat", device.Heartbeat)

	paired := r.Group("/v1")
	paired.Use(RequireDevice(deps.Registry))
	paired.GET("/commands/poll", device.Poll)
	paired.POST("/commands/:id/result", device.Result)

	operator := &OperatorHandler{
		Registry:     deps.Registry,
		Orchestrator: deps.Orchestrator,
		Journal:      deps.Journal,
	}
	r.POST("/v1/pairing-code", operator.PairingCode)
	r.GET("/v1/devices", operator.Devices)
	r.DELETE("/v1/devices/:id", operator.RemoveDevice)
	r.POST("/v1/commands", operator.Command)
	r.POST("/v1/commands/:id/confirm", operator.Confirm)
	r.POST("/v1/commands/:id/cancel", operator.CancelCommand)
	r.POST("/v1/panic", operator.Panic)
	r.POST("/v1/unlock", operator.Unlock)
	r.GET("/v1/actions", operator.Actions)
	r.POST("/v1/actions/:id/undo", operator.UndoAction)
	r.GET("/v1/checkpoints", operator.Checkpoints)
	r.POST("/v1/checkpoints", operator.CreateCheckpoint)
	r.POST("/v1/rollback/:id", operator.Rollback)

	return r
}

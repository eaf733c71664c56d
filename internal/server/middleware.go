// ABOUTME: Device authentication middleware for the relay HTTP surface
// ABOUTME: Verifies the X-Device-Credential header before any handler runs

package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wardgate/wardgate/internal/registry"
	"github.com/wardgate/wardgate/internal/store"
)

const deviceContextKey = "device"

// DeviceFromContext returns the authenticated device set by
// RequireDevice.
func DeviceFromContext(c *gin.Context) (*store.Device, bool) {
	v, ok := c.Get(deviceContextKey)
	if !ok {
		return nil, false
	}
	device, ok := v.(*store.Device)
	return device, ok
}

// RequireDevice authenticates the X-Device-Credential header against
// the registry. The credential tag is checked offline first, so
// garbage credentials never reach the database.
func RequireDevice(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := c.GetHeader("X-Device-Credential")
		if credential == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing device credential"})
			c.Abort()
			return
		}

		device, err := reg.AuthenticateDevice(c.Request.Context(), credential)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid device credential"})
			c.Abort()
			return
		}

		c.Set(deviceContextKey, device)
		c.Next()
	}
}

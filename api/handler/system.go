package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/camlink/camlink/registry"
)

// SystemHandler serves the unauthenticated health probes.
type SystemHandler struct {
	reg *registry.Registry
}

func NewSystemHandler(reg *registry.Registry) *SystemHandler {
	return &SystemHandler{reg: reg}
}

// HealthLive reports process liveness plus the connected-device count.
func (h *SystemHandler) HealthLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"connected_devices": h.reg.Len(),
	})
}

// HealthReady reports readiness. The proxy serves traffic regardless of how
// many devices are connected, so readiness tracks liveness.
func (h *SystemHandler) HealthReady(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "ready",
		"connected_devices": h.reg.Len(),
	})
}

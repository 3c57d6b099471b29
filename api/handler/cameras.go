package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/camlink/camlink/registry"
)

// CameraHandler serves the flat camera enumeration.
type CameraHandler struct {
	reg *registry.Registry
}

func NewCameraHandler(reg *registry.Registry) *CameraHandler {
	return &CameraHandler{reg: reg}
}

// List handles GET /api/cameras: every camera of every connected device.
func (h *CameraHandler) List(c *gin.Context) {
	cameras := h.reg.Cameras()
	if cameras == nil {
		cameras = []registry.CameraInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"cameras": cameras, "total": len(cameras)})
}

package handler

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/camlink/camlink/config"
	"github.com/camlink/camlink/registry"
	"github.com/camlink/camlink/tunnel"
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   32 * 1024,
	WriteBufferSize:  32 * 1024,
	// Agents are not browsers; the tunnel handshake enforces the token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// DeviceHandler upgrades agent connections and runs their tunnel sessions.
type DeviceHandler struct {
	cfg config.Proxy
	reg *registry.Registry
}

func NewDeviceHandler(cfg config.Proxy, reg *registry.Registry) *DeviceHandler {
	return &DeviceHandler{cfg: cfg, reg: reg}
}

// Connect handles GET /api/ws/device: upgrade, AUTH/REGISTER handshake,
// registry entry, then the session's read loop until the agent goes away.
// The handler blocks for the lifetime of the connection.
func (h *DeviceHandler) Connect(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	s := tunnel.NewSession(tunnel.NewCodec(conn), tunnel.Options{
		HeartbeatTimeout: h.cfg.HeartbeatTimeout,
		StreamBuffer:     h.cfg.StreamBuffer,
	})
	reg, err := s.AcceptHandshake(h.verifyToken)
	if err != nil {
		slog.Warn("device handshake failed", "ip", c.ClientIP(), "error", err)
		return
	}

	h.reg.Register(s)
	defer h.reg.Deregister(s)

	reason := s.Run()
	slog.Info("device connection ended",
		"device_id", reg.DeviceID, "reason", string(reason), "ip", c.ClientIP())
}

// verifyToken checks the agent's token against DEVICE_TOKEN_HASH when
// configured, otherwise against DEVICE_TOKEN in constant time.
func (h *DeviceHandler) verifyToken(token string) bool {
	if h.cfg.DeviceTokenHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(h.cfg.DeviceTokenHash), []byte(token)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.DeviceToken)) == 1
}

package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/Windi-Fikriyansyah/earn_ledger/internal/realtime"
)

// Pinger is any dependency the health check should reach.
type Pinger func(ctx context.Context) error

type SystemHandler struct {
	Hub    *realtime.Hub
	Checks map[string]Pinger
}

func NewSystemHandler(hub *realtime.Hub, checks map[string]Pinger) *SystemHandler {
	return &SystemHandler{Hub: hub, Checks: checks}
}

func (h *SystemHandler) Healthz(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	status := fiber.Map{}
	healthy := true
	for name, ping := range h.Checks {
		if err := ping(ctx); err != nil {
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}
	code := fiber.StatusOK
	if !healthy {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{"success": healthy, "checks": status})
}

// UpgradeOnly rejects plain HTTP requests to websocket routes.
func UpgradeOnly(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// WalletSocket streams the authenticated user's wallet events.
func (h *SystemHandler) WalletSocket(c *websocket.Conn) {
	uid, ok := c.Locals("userId").(uuid.UUID)
	if !ok {
		_ = c.Close()
		return
	}
	h.Hub.Serve(c, uid)
}

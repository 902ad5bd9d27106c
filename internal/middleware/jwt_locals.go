package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Windi-Fikriyansyah/earn_ledger/internal/utils"
)

func AttachJWTLocals() fiber.Handler {
	return func(c *fiber.Ctx) error {
		claims := claimsOf(c)
		if claims == nil {
			return fiber.ErrUnauthorized
		}

		uid, err := uuid.Parse(strings.TrimSpace(claims.UserID))
		if err != nil {
			return fiber.ErrUnauthorized
		}

		c.Locals("userId", uid)
		c.Locals("role", strings.ToLower(strings.TrimSpace(claims.Role)))
		return c.Next()
	}
}

// UserID returns the authenticated user set by AttachJWTLocals.
func UserID(c *fiber.Ctx) (uuid.UUID, bool) {
	uid, ok := c.Locals("userId").(uuid.UUID)
	return uid, ok
}

func claimsOf(c *fiber.Ctx) *utils.Claims {
	token, ok := c.Locals("user").(*jwt.Token)
	if !ok || token == nil {
		return nil
	}
	claims, ok := token.Claims.(*utils.Claims)
	if !ok {
		return nil
	}
	return claims
}

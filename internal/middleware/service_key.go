package middleware

import (
	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
)

const ServiceKeyHeader = "X-Service-Key"

// ServiceKey admits internal callers whose X-Service-Key matches the bcrypt hash.
// An empty hash closes the route.
func ServiceKey(hash string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.Get(ServiceKeyHeader)
		if hash == "" || key == "" {
			return fiber.ErrUnauthorized
		}
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
			return fiber.ErrUnauthorized
		}
		return c.Next()
	}
}

package status

import (
	"crypto/subtle"
	"net/http"

	"github.com/gofiber/fiber/v3"
)

const KeyHeader = "X-Status-Key"

func (server *Server) VerifyKeyMiddleware(c fiber.Ctx) error {
	if server.key == "" {
		return c.Next()
	}
	key := c.Get(KeyHeader)
	if subtle.ConstantTimeCompare([]byte(key), []byte(server.key)) != 1 {
		server.log.Warn("rejected status request", "ip", c.IP())
		return c.Status(http.StatusUnauthorized).SendString("invalid status key")
	}
	return c.Next()
}

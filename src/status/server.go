// Package status serves a small read-only HTTP surface for operators: a
// liveness probe and a JSON view of the gateway and voice connections.
package status

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v3"
	recoverer "github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/hendrywilliam/siren-gateway/src/gateway"
	"github.com/hendrywilliam/siren-gateway/src/voicemanager"
)

type GatewaySnapshotter interface {
	Snapshot() gateway.Snapshot
}

type VoiceSnapshotter interface {
	Snapshot() []voicemanager.ConnSnapshot
}

type Server struct {
	router  *fiber.App
	key     string
	gateway GatewaySnapshotter
	voices  VoiceSnapshotter
	log     *slog.Logger
}

type ServerArguments struct {
	// Key, when set, must be presented in the X-Status-Key header.
	Key     string
	Gateway GatewaySnapshotter
	// Voices is optional.
	Voices VoiceSnapshotter
	Logger *slog.Logger
}

type StatusResponse struct {
	Gateway gateway.Snapshot            `json:"gateway"`
	Voice   []voicemanager.ConnSnapshot `json:"voice"`
}

func NewServer(args ServerArguments) *Server {
	if args.Logger == nil {
		args.Logger = slog.Default()
	}
	server := &Server{
		key:     args.Key,
		gateway: args.Gateway,
		voices:  args.Voices,
		log:     args.Logger,
	}
	server.setupRouter()
	return server
}

func (server *Server) setupRouter() {
	router := fiber.New()
	router.Use(recoverer.New())
	router.Get("/healthz", func(c fiber.Ctx) error {
		snapshot := server.gateway.Snapshot()
		if snapshot.Status != gateway.StatusReady {
			return c.Status(http.StatusServiceUnavailable).JSON(fiber.Map{"status": snapshot.Status})
		}
		return c.JSON(fiber.Map{"status": snapshot.Status})
	})
	router.Get("/status", server.VerifyKeyMiddleware, func(c fiber.Ctx) error {
		res := StatusResponse{
			Gateway: server.gateway.Snapshot(),
			Voice:   []voicemanager.ConnSnapshot{},
		}
		if server.voices != nil {
			res.Voice = server.voices.Snapshot()
		}
		return c.JSON(res)
	})
	server.router = router
}

// StartServer blocks until ctx is done or the listener fails.
func (server *Server) StartServer(ctx context.Context, addr string) error {
	server.log.Info("status server starting", "address", addr)
	return server.router.Listen(addr, fiber.ListenConfig{
		GracefulContext:       ctx,
		DisableStartupMessage: true,
		OnShutdownSuccess: func() {
			server.log.Info("status server stopped.")
		},
	})
}

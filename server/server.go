package server

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"chatrelay/auth"
	"chatrelay/db"
	"chatrelay/models"
	"chatrelay/presence"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/pkg/errors"
)

const uploadsRoute = "/uploads"

type Server struct {
	store    db.Store
	tokens   *auth.Codec
	registry *presence.Registry
	gateway  *Gateway
	uploads  *UploadStore
	config   *ServerConfig
	logger   *slog.Logger
	app      *fiber.App

	startedAt    time.Time
	shuttingDown atomic.Bool
}

type ServerConfig struct {
	Address        string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	SendBuffer     int
	MaxMessageSize int64 // largest inbound frame, in bytes

	UploadDir       string
	MaxUploadSize   int64
	UploadRetention time.Duration
}

func (c *ServerConfig) applyDefaults() {
	if c.Address == "" {
		c.Address = ":3000"
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.ReadTimeout {
		c.PingInterval = c.ReadTimeout * 9 / 10
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 << 10
	}
	if c.UploadDir == "" {
		c.UploadDir = "uploads"
	}
	if c.MaxUploadSize <= 0 {
		c.MaxUploadSize = 25 << 20
	}
}

func New(store db.Store, tokens *auth.Codec, config *ServerConfig, logger *slog.Logger) (*Server, error) {
	config.applyDefaults()

	uploads, err := NewUploadStore(config.UploadDir, uploadsRoute, config.MaxUploadSize, config.UploadRetention, logger)
	if err != nil {
		return nil, err
	}
	uploads.StartCleanupTask()

	registry := presence.NewRegistry(logger)
	s := &Server{
		store:     store,
		tokens:    tokens,
		registry:  registry,
		gateway:   NewGateway(store, tokens, registry, config, logger),
		uploads:   uploads,
		config:    config,
		logger:    logger.With(slog.String("component", "server")),
		startedAt: time.Now(),
	}
	s.app = s.newApp()
	return s, nil
}

func (s *Server) newApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "chatrelay",
		DisableStartupMessage: true,
		// multipart overhead on top of the largest accepted file
		BodyLimit:    int(s.config.MaxUploadSize) + 1<<20,
		ErrorHandler: s.errorHandler,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(s.config.AllowedOrigins, ","),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))
	app.Use(s.requestLogger)

	app.Get("/", s.handleIndex)
	app.Get("/api/status", s.handleStatus)

	api := app.Group("/api")
	api.Post("/auth/register", s.handleRegister)
	api.Post("/auth/login", s.handleLogin)

	api.Get("/contacts", s.requireAuth, s.handleListContacts)
	api.Post("/contacts/add", s.requireAuth, s.handleAddContact)
	api.Post("/users/search", s.requireAuth, s.handleSearchUser)
	api.Get("/messages/:userId", s.requireAuth, s.handleMessages)
	api.Post("/files/upload", s.requireAuth, s.handleUpload)

	app.Static(uploadsRoute, s.uploads.Dir())

	app.Get("/ws", s.authenticateUpgrade, websocket.New(s.handleWebSocket, websocket.Config{
		Origins: s.config.AllowedOrigins,
	}))

	app.Use(s.handleNotFound)
	return app
}

// Start serves on the configured address until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("Chat relay started", slog.String("address", s.config.Address))
	return s.app.Listen(s.config.Address)
}

// Serve uses an existing listener; tests bind to a random loopback port.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("Chat relay started", slog.String("address", ln.Addr().String()))
	return s.app.Listener(ln)
}

// App exposes the fiber app so HTTP handlers can be exercised with app.Test.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Registry() *presence.Registry { return s.registry }

// Shutdown stops accepting connections, closes every live session with a
// going-away frame and waits for their teardown, including the offline
// updates, to finish. It reports an error when ctx ends first.
func (s *Server) Shutdown(ctx context.Context, reason string) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	defer s.uploads.Stop()

	closed := s.gateway.CloseAll(reason)
	s.logger.Info("Shutting down", slog.String("reason", reason), slog.Int("connections", closed))

	// new upgrades are refused with 503 while sessions drain
	if err := s.gateway.Wait(ctx); err != nil {
		s.logger.Warn("Gave up waiting for connections to close",
			slog.Int("remaining", s.registry.Count()), slog.Any("error", err))
		s.app.ShutdownWithContext(ctx)
		return errors.Wrap(err, "server.Shutdown.Wait: ")
	}
	return s.app.ShutdownWithContext(ctx)
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	users := s.registry.UserIDs()
	return "connections=" + strconv.Itoa(len(users)) + ",users=" + strings.Join(users, ";")
}

func (s *Server) handleWebSocket(c *websocket.Conn) {
	id, ok := c.Locals(localIdentity).(models.Identity)
	if !ok {
		c.Close()
		return
	}
	s.gateway.Serve(c, id)
}

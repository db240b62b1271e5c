package gateway

import (
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/danilashk/noter/internal/config"
	"github.com/danilashk/noter/internal/metrics"
	"github.com/danilashk/noter/internal/model"
	"github.com/danilashk/noter/internal/store"
)

// Server hosts the websocket hub, the bootstrap REST surface and the
// operational endpoints.
type Server struct {
	app      *fiber.App
	cfg      *config.Config
	hub      *Hub
	store    store.Store
	db       *gorm.DB
	gatherer prometheus.Gatherer
}

// ServerConfig wires the server. DB and Gatherer are optional.
type ServerConfig struct {
	Config   *config.Config
	Hub      *Hub
	Store    store.Store
	DB       *gorm.DB
	Gatherer prometheus.Gatherer
}

// NewServer builds the fiber app around the hub.
func NewServer(sc ServerConfig) *Server {
	app := fiber.New(fiber.Config{
		AppName:         "Noter Sync Gateway",
		ServerHeader:    "Fiber",
		StrictRouting:   true,
		CaseSensitive:   true,
		ReadTimeout:     sc.Config.Server.ReadTimeout,
		WriteTimeout:    sc.Config.Server.WriteTimeout,
		IdleTimeout:     sc.Config.Server.IdleTimeout,
		Prefork:         false, // incompatible with websockets
		ReadBufferSize:  sc.Config.WebSocket.ReadBufferSize,
		WriteBufferSize: sc.Config.WebSocket.WriteBufferSize,
	})

	return &Server{
		app:      app,
		cfg:      sc.Config,
		hub:      sc.Hub,
		store:    sc.Store,
		db:       sc.DB,
		gatherer: sc.Gatherer,
	}
}

// SetupMiddleware installs panic recovery, request logging and CORS.
func (s *Server) SetupMiddleware() {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))

	s.app.Use(cors.New(cors.Config{
		AllowOrigins: s.cfg.Server.CORSOrigins,
		AllowHeaders: "Origin, Content-Type, Accept",
		AllowMethods: "GET, POST, OPTIONS",
	}))
}

// SetupRoutes installs the REST, operational and websocket routes.
func (s *Server) SetupRoutes() {
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/ready", s.handleReadiness)

	if s.gatherer != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler(s.gatherer)))
	}

	// REST bootstrap is cheap per call but unauthenticated; an IP cap keeps
	// scrapers off the store.
	apiLimiter := limiter.New(limiter.Config{
		Max:        60,
		Expiration: time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "too many requests, please try again later",
			})
		},
	})

	api := s.app.Group("/api/sessions", apiLimiter)
	api.Get("/:id", s.handleBootstrap)
	api.Get("/:id/stats", s.handleStats)

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	s.app.Get("/ws/:family/:sessionId", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}

		family := c.Params("family")
		if _, ok := Families[family]; !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "unknown topic family",
			})
		}

		sessionID := c.Params("sessionId")
		if err := model.ValidateSessionID(sessionID); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		participantID := c.Query("participantId")
		if participantID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "participantId is required",
			})
		}

		c.Locals("family", family)
		c.Locals("sessionId", sessionID)
		c.Locals("participantId", participantID)
		return c.Next()
	}, websocket.New(s.hub.ServeConn, websocket.Config{
		ReadBufferSize:   s.cfg.WebSocket.ReadBufferSize,
		WriteBufferSize:  s.cfg.WebSocket.WriteBufferSize,
		HandshakeTimeout: s.cfg.WebSocket.HandshakeTimeout,
	}))
}

// handleHealth reports component status: the durable store and open
// connections.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	type componentCheck struct {
		Status  string `json:"status"`
		Latency string `json:"latency,omitempty"`
		Error   string `json:"error,omitempty"`
	}
	response := struct {
		Status      string                    `json:"status"`
		Timestamp   string                    `json:"timestamp"`
		Checks      map[string]componentCheck `json:"checks"`
		Connections map[string]int            `json:"connections"`
	}{
		Status:      "healthy",
		Timestamp:   time.Now().Format(time.RFC3339),
		Checks:      make(map[string]componentCheck),
		Connections: s.hub.Connections(),
	}

	if s.db != nil {
		dbStart := time.Now()
		sqlDB, err := s.db.DB()
		if err == nil {
			err = sqlDB.Ping()
		}
		if err != nil {
			response.Status = "unhealthy"
			response.Checks["database"] = componentCheck{
				Status: "unhealthy",
				Error:  err.Error(),
			}
		} else {
			response.Checks["database"] = componentCheck{
				Status:  "healthy",
				Latency: time.Since(dbStart).String(),
			}
		}
	} else {
		response.Checks["database"] = componentCheck{Status: "not_configured"}
	}

	statusCode := fiber.StatusOK
	if response.Status == "unhealthy" {
		statusCode = fiber.StatusServiceUnavailable
	}
	return c.Status(statusCode).JSON(response)
}

func (s *Server) handleReadiness(c *fiber.Ctx) error {
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil || sqlDB.Ping() != nil {
			return c.Status(fiber.StatusServiceUnavailable).SendString("NOT READY")
		}
	}
	return c.SendString("READY")
}

// handleBootstrap returns the full durable state of one session: the initial
// load before the websocket streams take over.
func (s *Server) handleBootstrap(c *fiber.Ctx) error {
	sessionID := c.Params("id")
	if err := model.ValidateSessionID(sessionID); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	ctx := c.Context()
	loadStart := time.Now()
	session, err := s.store.Sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "session not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "session load failed"})
	}

	cards, err := s.store.Cards.List(ctx, sessionID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "card load failed"})
	}
	lines, err := s.store.Lines.List(ctx, sessionID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "line load failed"})
	}
	selections, err := s.store.Selections.List(ctx, sessionID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "selection load failed"})
	}
	participants, err := s.store.Participants.List(ctx, sessionID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "participant load failed"})
	}
	s.hub.recorder.RecordStoreLatency("bootstrap", time.Since(loadStart))

	return c.JSON(fiber.Map{
		"session":      session,
		"cards":        cards,
		"lines":        lines,
		"selections":   selections,
		"participants": participants,
	})
}

// handleStats returns lightweight counts for session list views.
func (s *Server) handleStats(c *fiber.Ctx) error {
	sessionID := c.Params("id")
	if err := model.ValidateSessionID(sessionID); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	ctx := c.Context()
	cards, err := s.store.Cards.List(ctx, sessionID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "card load failed"})
	}
	participants, err := s.store.Participants.List(ctx, sessionID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "participant load failed"})
	}

	return c.JSON(fiber.Map{
		"cardCount":        len(cards),
		"participantCount": len(participants),
	})
}

// Start runs the server with graceful shutdown on SIGINT/SIGTERM.
func (s *Server) Start() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("[Gateway] Shutting down...")
		if err := s.app.ShutdownWithTimeout(30 * time.Second); err != nil {
			log.Printf("[Gateway] Shutdown error: %v", err)
		}
	}()

	log.Printf("[Gateway] Noter sync gateway starting on %s", s.cfg.Server.Port)
	return s.app.Listen(s.cfg.Server.Port)
}

// Shutdown stops the server.
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(30 * time.Second)
}

// voicebridge: realtime voice relay gateway.
// Accepts client WebSocket sessions, verifies their entitlement, and
// relays them to the upstream realtime speech API with usage metering.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/httpc"
	"github.com/voicebridge/voicebridge/internal/log"
	"github.com/voicebridge/voicebridge/internal/telemetry"
	"github.com/voicebridge/voicebridge/pkg/entitlement"
	"github.com/voicebridge/voicebridge/pkg/gateway"
	"github.com/voicebridge/voicebridge/pkg/upstream"
)

var (
	version = "1.0.0"
	port    = flag.String("port", config.Port(), "HTTP server port")
	debug   = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	level := config.LogLevel()
	if *debug {
		level = "debug"
	}
	log.Init(level, config.LogFile())

	logger := log.With("service", "voicebridge", "version", version)

	metrics, telemetryShutdown, err := telemetry.Init(context.Background())
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer telemetryShutdown()

	ents := entitlement.New(config.VerifyURLRequired(), config.UsageURLRequired(), httpc.Client)

	hub := gateway.NewHub(gateway.Config{
		Upstream: upstream.Config{
			URL:              config.UpstreamURL(),
			APIKey:           config.UpstreamAPIKeyRequired(),
			Model:            config.UpstreamModel(),
			Voice:            config.UpstreamVoice(),
			HandshakeTimeout: config.DialTimeout(),
		},
		Verifier:      ents,
		Accounting:    ents,
		BufferLimit:   config.BufferLimit(),
		VerifyTimeout: config.VerifyTimeout(),
		FlushTimeout:  config.FlushTimeout(),
		Logger:        logger,
		Metrics:       metrics,
	})

	app := fiber.New(fiber.Config{
		AppName:               "voicebridge",
		DisableStartupMessage: true,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))
	if *debug {
		app.Use(fiberlogger.New())
	}

	// WebSocket session route
	hub.RegisterRoutes(app)

	// Session management API
	api := app.Group("/api")
	hub.RegisterAPIRoutes(api)

	// Health endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "ok",
			"version":  version,
			"sessions": hub.SessionCount(),
		})
	})

	// Metrics endpoint
	app.Get("/metrics", func(c *fiber.Ctx) error {
		stats := hub.GetStats()
		return c.SendString(fmt.Sprintf(`# HELP voicebridge_sessions Active session count
# TYPE voicebridge_sessions gauge
voicebridge_sessions %d

# HELP voicebridge_sessions_started Total sessions started
# TYPE voicebridge_sessions_started counter
voicebridge_sessions_started %d

# HELP voicebridge_sessions_closed Total sessions closed
# TYPE voicebridge_sessions_closed counter
voicebridge_sessions_closed %d

# HELP voicebridge_messages_received Total client messages received
# TYPE voicebridge_messages_received counter
voicebridge_messages_received %d
`, stats.ActiveSessions, stats.SessionsStarted, stats.SessionsClosed, stats.MessagesReceived))
	})

	// Start server
	go func() {
		addr := ":" + *port
		logger.Info("starting server",
			"addr", addr,
			"session_endpoint", "/v1/session",
			"upstream", config.UpstreamURL(),
		)
		if err := app.Listen(addr); err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if !hub.Shutdown(ctx) {
		logger.Warn("sessions did not drain before deadline")
	}
	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("goodbye")
}

// Package api serves the REST, webhook, push and metrics endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/matheus3301/wprelay/internal/chat"
	"github.com/matheus3301/wprelay/internal/config"
	"github.com/matheus3301/wprelay/internal/metrics"
	"github.com/matheus3301/wprelay/internal/relay"
	"github.com/matheus3301/wprelay/internal/status"
	"github.com/matheus3301/wprelay/internal/store"
	"github.com/matheus3301/wprelay/internal/webhook"
)

// Deps are the components the HTTP layer calls into.
type Deps struct {
	Config     config.ServerConfig
	Store      store.Store
	Chat       *chat.Service
	Normalizer *webhook.Normalizer
	Hub        *relay.Hub
	Machine    *status.Machine
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger
}

// Server owns the fiber app.
type Server struct {
	app        *fiber.App
	addr       string
	store      store.Store
	chat       *chat.Service
	normalizer *webhook.Normalizer
	hub        *relay.Hub
	machine    *status.Machine
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewServer builds the app and registers every route.
func NewServer(d Deps) *Server {
	logger := d.Logger.Named("api")
	s := &Server{
		addr:       d.Config.Addr,
		store:      d.Store,
		chat:       d.Chat,
		normalizer: d.Normalizer,
		hub:        d.Hub,
		machine:    d.Machine,
		metrics:    d.Metrics,
		logger:     logger,
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "wprelay",
		BodyLimit:             d.Config.BodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})

	origins := "*"
	if len(d.Config.CORSOrigins) > 0 {
		origins = strings.Join(d.Config.CORSOrigins, ",")
	}
	s.app.Use(recover.New())
	s.app.Use(cors.New(cors.Config{AllowOrigins: origins}))
	s.app.Use(requestLogger(logger))

	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s.app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString("wprelay server running")
	})
	s.app.Get("/health", s.health)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	s.app.Get("/webhook", func(c *fiber.Ctx) error {
		return c.SendString("Webhook up")
	})
	s.app.Post("/webhook", s.receiveWebhook)

	s.app.Get("/contacts", s.listConversations)
	s.app.Get("/conversations", s.listConversations)
	s.app.Get("/contacts/:waId/messages", s.listMessages)
	s.app.Post("/messages", s.sendMessage)
	s.app.Post("/messages/:waId/read", s.markRead)

	s.app.Get("/ws", relay.Upgrade, d.Hub.Handler())

	return s
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen binds the configured address.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return ln, nil
}

// Serve handles requests on ln. Blocks until shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("http server starting", zap.String("addr", ln.Addr().String()))
	return s.app.Listener(ln)
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("http server stopping")
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "internal server error"
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		msg = fe.Message
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
	}
	return c.Status(code).JSON(fiber.Map{"ok": false, "error": msg})
}

func fail(c *fiber.Ctx, code int, msg string) error {
	return c.Status(code).JSON(fiber.Map{"ok": false, "error": msg})
}

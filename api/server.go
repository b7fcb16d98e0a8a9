package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/oarkflow/sqlguard"
)

// Server exposes the ingest endpoint and the admin query API of a Guard.
type Server struct {
	guard  *sqlguard.Guard
	app    *fiber.App
	logger zerolog.Logger
	now    func() time.Time
}

func New(guard *sqlguard.Guard) *Server {
	s := &Server{
		guard:  guard,
		logger: guard.Logger.With().Str("component", "api").Logger(),
		now:    time.Now,
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "sqlguard",
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})
	s.app.Use(recover.New())
	s.app.Use(requestid.New())
	s.registerRoutes()
	return s
}

// App returns the underlying fiber application.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) registerRoutes() {
	s.app.Get("/healthz", s.health)
	s.app.Get("/metrics", adaptor.HTTPHandler(s.guard.Metrics.Handler()))
	s.app.Post("/api/ingest/log", s.ingestLog)

	admin := s.app.Group("/api", cors.New(), s.adminAuth())
	admin.Get("/events/summary", s.eventSummary)
	admin.Get("/events/:id", s.getEvent)
	admin.Get("/events", s.searchEvents)
	admin.Get("/logs/:id", s.getLog)
	admin.Get("/logs", s.searchLogs)
}

// adminAuth checks basic credentials against the configured bcrypt hashes.
// With no admin users configured every admin request is rejected.
func (s *Server) adminAuth() fiber.Handler {
	users := s.guard.Config.Server.AdminUsers
	return basicauth.New(basicauth.Config{
		Realm: "sqlguard",
		Authorizer: func(user, pass string) bool {
			hash, ok := users[user]
			if !ok {
				return false
			}
			return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)) == nil
		},
		Unauthorized: func(c *fiber.Ctx) error {
			c.Set(fiber.HeaderWWWAuthenticate, `Basic realm="sqlguard"`)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		},
	})
}

// Run serves on the configured listen address until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := s.guard.Config.Server.Listen
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("http server listening")
		errCh <- s.app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.logger.Info().Msg("shutting down http server")
	if err := s.app.ShutdownWithTimeout(s.guard.Config.ShutdownTimeout()); err != nil {
		return err
	}
	return <-errCh
}

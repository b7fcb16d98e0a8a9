package api

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/oarkflow/sqlguard"
)

func (s *Server) health(c *fiber.Ctx) error {
	health := fiber.Map{
		"status":    "ok",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	}
	if err := s.guard.HealthCheck(c.UserContext()); err != nil {
		health["status"] = "degraded"
		health["error"] = err.Error()
		return c.Status(fiber.StatusServiceUnavailable).JSON(health)
	}
	return c.JSON(health)
}

func (s *Server) ingestLog(c *fiber.Ctx) error {
	allowed, remaining, retryAfter := s.guard.Limiter.Allow(c.IP())
	if !allowed {
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limit exceeded"})
	}
	c.Set("X-RateLimit-Limit", strconv.Itoa(s.guard.Limiter.Burst()))
	c.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

	var req sqlguard.IngestRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	rec, err := sqlguard.NewRecord(req, s.now())
	if err != nil {
		var ve *sqlguard.ValidationError
		if errors.As(err, &ve) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": ve.Error(), "field": ve.Field})
		}
		return err
	}

	ctx := c.UserContext()
	if override := strings.TrimSpace(c.Get("X-Notify-Email")); override != "" {
		ctx = sqlguard.WithRecipientOverride(ctx, override)
	}
	if login := strings.TrimSpace(c.Get("X-Login-Email")); login != "" {
		ctx = sqlguard.WithLoginIdentity(ctx, login)
	}
	adminID := strings.TrimSpace(c.Get("X-Admin-Id"))
	if adminID == "" {
		adminID = rec.AdminID
	}
	if adminID != "" {
		ctx = sqlguard.WithAdminID(ctx, adminID)
	}

	result, err := s.guard.Detector.Ingest(ctx, rec)
	if err != nil {
		s.logger.Error().Err(err).Str("principal", rec.Principal).Msg("ingest deferred")
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"error": "ingest deferred"})
	}
	return c.Status(fiber.StatusCreated).JSON(result)
}

func (s *Server) eventSummary(c *fiber.Ctx) error {
	return c.JSON(s.guard.Ledger.Summary())
}

func (s *Server) searchEvents(c *fiber.Ctx) error {
	filter := sqlguard.FindingFilter{
		User:    strings.TrimSpace(c.Query("user")),
		AdminID: strings.TrimSpace(c.Query("adminId")),
		Query:   strings.TrimSpace(c.Query("q")),
		Page:    c.QueryInt("page", 0),
		Size:    c.QueryInt("size", 0),
	}
	var err error
	if v := c.Query("type"); v != "" {
		if filter.Kind, err = sqlguard.ParseFindingKind(v); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
	}
	if v := c.Query("severity"); v != "" {
		if filter.Severity, err = sqlguard.ParseSeverity(v); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
	}
	if filter.From, filter.To, err = timeRange(c); err != nil {
		return err
	}
	page, err := s.guard.Store.SearchFindings(c.UserContext(), filter)
	if err != nil {
		return err
	}
	return c.JSON(page)
}

func (s *Server) getEvent(c *fiber.Ctx) error {
	ctx := c.UserContext()
	f, err := s.guard.Store.GetFinding(ctx, c.Params("id"))
	if errors.Is(err, sqlguard.ErrNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "event not found")
	}
	if err != nil {
		return err
	}
	resp := fiber.Map{"event": f}
	if f.SourceRecordID != "" {
		rec, err := s.guard.Store.GetRecord(ctx, f.SourceRecordID)
		switch {
		case err == nil:
			resp["record"] = rec
		case !errors.Is(err, sqlguard.ErrNotFound):
			return err
		}
	}
	outcomes, err := s.guard.Store.ListOutcomes(ctx, f.ID)
	if err != nil {
		return err
	}
	if outcomes == nil {
		outcomes = []*sqlguard.NotificationOutcome{}
	}
	resp["notifications"] = outcomes
	return c.JSON(resp)
}

func (s *Server) searchLogs(c *fiber.Ctx) error {
	filter := sqlguard.RecordFilter{
		User:     strings.TrimSpace(c.Query("user")),
		Keywords: strings.TrimSpace(c.Query("keywords")),
		Page:     c.QueryInt("page", 0),
		Size:     c.QueryInt("size", 0),
	}
	var err error
	if v := c.Query("status"); v != "" {
		if filter.Outcome, err = sqlguard.ParseOutcome(v); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
	}
	if filter.From, filter.To, err = timeRange(c); err != nil {
		return err
	}
	page, err := s.guard.Store.SearchRecords(c.UserContext(), filter)
	if err != nil {
		return err
	}
	return c.JSON(page)
}

func (s *Server) getLog(c *fiber.Ctx) error {
	rec, err := s.guard.Store.GetRecord(c.UserContext(), c.Params("id"))
	if errors.Is(err, sqlguard.ErrNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "log not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(rec)
}

func timeRange(c *fiber.Ctx) (from, to time.Time, err error) {
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return from, to, fiber.NewError(fiber.StatusBadRequest, "from must be RFC 3339")
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return from, to, fiber.NewError(fiber.StatusBadRequest, "to must be RFC 3339")
		}
	}
	return from, to, nil
}

// Package ingest provides the local HTTP intake API used by the
// reporting UI to queue reports and request syncs.
package ingest

import (
	"io"
	"strconv"
	"strings"

	"github.com/go-playground/validator"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/jcastel/civisync/internal/logger"
	"github.com/jcastel/civisync/internal/store"
)

// maxImageBytes bounds an uploaded photo.
const maxImageBytes = 16 << 20

// reportPayload is the JSON body of POST /api/reports.
type reportPayload struct {
	Category    string   `json:"category" validate:"required"`
	Description string   `json:"description" validate:"required"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
}

type errorResp struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

type savedResp struct {
	OK bool  `json:"ok"`
	ID int64 `json:"id"`
}

// pendingItem is one row of GET /api/reports/pending.
type pendingItem struct {
	ID            int64  `json:"id"`
	Category      string `json:"category"`
	Description   string `json:"description"`
	CreatedAt     string `json:"created_at"`
	Attempts      int    `json:"attempts"`
	NextAttemptAt string `json:"next_attempt_at,omitempty"`
	HasImage      bool   `json:"has_image"`
}

// Server is the local intake API.
type Server struct {
	app      *fiber.App
	db       *store.DB
	trigger  func()
	validate *validator.Validate
}

// New creates the intake server. trigger is invoked by POST /api/sync
// to request a sweep; it must not block.
func New(db *store.DB, trigger func()) *Server {
	s := &Server{
		db:       db,
		trigger:  trigger,
		validate: validator.New(),
	}

	app := fiber.New(fiber.Config{
		BodyLimit:             maxImageBytes + (1 << 20),
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{TimeFormat: "15:04:05"}))
	app.Use(cors.New())

	app.Get("/healthz", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Post("/api/reports", s.handlePostReport)
	app.Get("/api/reports/pending", s.handlePending)
	app.Post("/api/sync", s.handleSync)

	s.app = app
	return s
}

// Listen serves the intake API on addr. Blocks until Shutdown.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the intake API.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) handlePostReport(c *fiber.Ctx) error {
	ct := c.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		return s.handleReportJSON(c)
	}
	if strings.HasPrefix(ct, "multipart/form-data") {
		return s.handleReportMultipart(c)
	}
	return c.Status(fiber.StatusUnsupportedMediaType).
		JSON(errorResp{Error: "unsupported content type"})
}

func (s *Server) handleReportJSON(c *fiber.Ctx) error {
	var p reportPayload
	if err := c.BodyParser(&p); err != nil {
		return badReq(c, "invalid JSON")
	}
	if err := s.validate.Struct(p); err != nil {
		return badReq(c, err.Error())
	}

	return s.save(c, store.Draft{
		Category:    strings.TrimSpace(p.Category),
		Description: strings.TrimSpace(p.Description),
		Latitude:    p.Latitude,
		Longitude:   p.Longitude,
	})
}

func (s *Server) handleReportMultipart(c *fiber.Ctx) error {
	p := reportPayload{
		Category:    strings.TrimSpace(c.FormValue("category")),
		Description: strings.TrimSpace(c.FormValue("description")),
	}

	for name, dst := range map[string]**float64{"latitude": &p.Latitude, "longitude": &p.Longitude} {
		raw := c.FormValue(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return badReq(c, name+" is not a number")
		}
		*dst = &v
	}

	if err := s.validate.Struct(p); err != nil {
		return badReq(c, err.Error())
	}

	draft := store.Draft{
		Category:    p.Category,
		Description: p.Description,
		Latitude:    p.Latitude,
		Longitude:   p.Longitude,
	}

	if fh, err := c.FormFile("image"); err == nil {
		if fh.Size > maxImageBytes {
			return badReq(c, "image too large")
		}
		f, err := fh.Open()
		if err != nil {
			return badReq(c, "unreadable image")
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return badReq(c, "unreadable image")
		}
		draft.Image = data
	}

	return s.save(c, draft)
}

func (s *Server) save(c *fiber.Ctx, draft store.Draft) error {
	id, err := s.db.SaveReport(draft)
	if err != nil {
		// A storage failure must reach the caller; a false "saved"
		// confirmation would lose the report.
		logger.Error("ingest: failed to save report: %v", err)
		return c.Status(fiber.StatusInternalServerError).
			JSON(errorResp{Error: "failed to save report"})
	}

	logger.Info("ingest: queued report %d (%s)", id, draft.Category)
	return c.Status(fiber.StatusCreated).JSON(savedResp{OK: true, ID: id})
}

func (s *Server) handlePending(c *fiber.Ctx) error {
	reports, err := s.db.PendingReports()
	if err != nil {
		logger.Error("ingest: failed to list pending reports: %v", err)
		return c.Status(fiber.StatusInternalServerError).
			JSON(errorResp{Error: "failed to list pending reports"})
	}

	items := make([]pendingItem, len(reports))
	for i, r := range reports {
		items[i] = pendingItem{
			ID:            r.ID,
			Category:      r.Category,
			Description:   r.Description,
			CreatedAt:     r.CreatedAt,
			Attempts:      r.Attempts,
			NextAttemptAt: r.NextAttemptAt,
			HasImage:      len(r.Image) > 0,
		}
	}

	return c.JSON(items)
}

func (s *Server) handleSync(c *fiber.Ctx) error {
	if s.trigger != nil {
		s.trigger()
	}
	return c.SendStatus(fiber.StatusAccepted)
}

func badReq(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(errorResp{Error: msg})
}

package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/sheetpub/sheetpub/internal/coordinator"
	"github.com/sheetpub/sheetpub/internal/heartbeat"
	"github.com/sheetpub/sheetpub/internal/journal"
	"github.com/sheetpub/sheetpub/internal/lock"
	"github.com/sheetpub/sheetpub/internal/logging"
	"github.com/sheetpub/sheetpub/internal/metrics"
	"github.com/sheetpub/sheetpub/internal/models"
	syncer "github.com/sheetpub/sheetpub/internal/sync"
	"github.com/sheetpub/sheetpub/internal/timesync"
)

// Deps are the components the HTTP surface drives
type Deps struct {
	Version   string
	SelfURL   string
	State     *coordinator.State
	Journal   *journal.Journal
	Heartbeat *heartbeat.Service
	Sync      *syncer.Manager
	Locks     *lock.Service
	TimeSync  *timesync.Service
	Metrics   *metrics.Metrics
	Logger    *logging.Logger
}

// Handler contains all HTTP handlers
type Handler struct {
	version   string
	selfURL   string
	state     *coordinator.State
	journal   *journal.Journal
	heartbeat *heartbeat.Service
	sync      *syncer.Manager
	locks     *lock.Service
	timeSync  *timesync.Service
	metrics   *metrics.Metrics
	logger    *logging.Logger
}

// New creates a new handler instance
func New(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{
		version:   d.Version,
		selfURL:   d.SelfURL,
		state:     d.State,
		journal:   d.Journal,
		heartbeat: d.Heartbeat,
		sync:      d.Sync,
		locks:     d.Locks,
		timeSync:  d.TimeSync,
		metrics:   d.Metrics,
		logger:    logger.With("component", "http"),
	}
}

// logContext pairs the request's trace id with the handler logger
func (h *Handler) logContext(c *fiber.Ctx) context.Context {
	return logging.WithLogger(c.UserContext(), h.logger)
}

func validationError(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
		Error: models.ErrorDetail{
			Code:    models.CodeValidation,
			Message: message,
			Path:    c.Path(),
		},
	})
}

// policyError reports a coordination refusal. The reason always travels in
// details so peers and the CLI can branch on it.
func policyError(c *fiber.Ctx, status int, code string, reason coordinator.Reason, extra map[string]interface{}) error {
	details := map[string]interface{}{"reason": string(reason)}
	for k, v := range extra {
		details[k] = v
	}
	return c.Status(status).JSON(models.ErrorResponse{
		Error: models.ErrorDetail{
			Code:    code,
			Message: string(reason),
			Path:    c.Path(),
			Details: details,
		},
	})
}

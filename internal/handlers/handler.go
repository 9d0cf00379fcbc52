package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/soltixdb/searchcoord/internal/config"
	"github.com/soltixdb/searchcoord/internal/errs"
	"github.com/soltixdb/searchcoord/internal/events"
	"github.com/soltixdb/searchcoord/internal/logging"
	"github.com/soltixdb/searchcoord/internal/models"
	"github.com/soltixdb/searchcoord/internal/store"
	"github.com/soltixdb/searchcoord/internal/utils"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// Handler contains all HTTP handlers
type Handler struct {
	logger     *logging.Logger
	db         *store.DB
	publisher  events.Publisher
	claimLimit int
}

// New creates a new handler instance
func New(logger *logging.Logger, db *store.DB, publisher events.Publisher, indexing config.IndexingConfig) *Handler {
	claimLimit := indexing.TaskClaimLimit
	if claimLimit <= 0 {
		claimLimit = utils.DefaultClaimLimit
	}
	return &Handler{
		logger:     logger,
		db:         db,
		publisher:  publisher,
		claimLimit: claimLimit,
	}
}

func idParam(c *fiber.Ctx, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Params(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// respondError maps registry errors to HTTP responses
func (h *Handler) respondError(c *fiber.Ctx, err error, what string) error {
	if errors.Is(err, errs.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(models.ErrorResponse{
			Error: models.ErrorDetail{
				Code:    "NOT_FOUND",
				Message: what + " not found",
				Path:    c.Path(),
			},
		})
	}
	return err
}

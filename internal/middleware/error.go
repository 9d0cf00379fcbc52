package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	fiberutils "github.com/gofiber/fiber/v2/utils"

	"github.com/soltixdb/searchcoord/internal/errs"
	"github.com/soltixdb/searchcoord/internal/logging"
	"github.com/soltixdb/searchcoord/internal/models"
)

// ErrorHandler renders handler errors as models.ErrorResponse.
// fiber errors keep their status; registry misses become 404 and deadlines 504.
func ErrorHandler(logger *logging.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "Internal Server Error"

		var fe *fiber.Error
		switch {
		case errors.As(err, &fe):
			code = fe.Code
			message = fe.Message
		case errors.Is(err, errs.ErrNotFound):
			code = fiber.StatusNotFound
			message = err.Error()
		case errors.Is(err, context.DeadlineExceeded):
			code = fiber.StatusGatewayTimeout
			message = "Request timed out"
		}

		fields := []interface{}{
			"path", c.Path(),
			"method", c.Method(),
			"status", code,
			"error", err,
		}
		if code >= fiber.StatusInternalServerError {
			logger.Error("Request error", fields...)
		} else {
			logger.Debug("Request rejected", fields...)
		}

		return c.Status(code).JSON(models.ErrorResponse{
			Error: models.ErrorDetail{
				Code:    statusCode(code),
				Message: message,
				Path:    c.Path(),
			},
		})
	}
}

// statusCode turns 404 into "NOT_FOUND"
func statusCode(status int) string {
	text := fiberutils.StatusMessage(status)
	if text == "" {
		return "ERROR"
	}
	return strings.ToUpper(strings.ReplaceAll(strings.ReplaceAll(text, " ", "_"), "'", ""))
}

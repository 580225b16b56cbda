package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/codemarcinu/new-egents/internal/database"
	"github.com/codemarcinu/new-egents/internal/pipeline"
	"github.com/codemarcinu/new-egents/internal/services"
)

// ErrorHandler is a custom error handler for Fiber
func ErrorHandler(c *fiber.Ctx, err error) error {
	// Default to 500
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	// Check if it's a Fiber error
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(APIResponse{
		Success: false,
		Error:   message,
	})
}

// APIResponse is a standard API response structure
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// Meta contains pagination metadata
type Meta struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Success returns a successful response
func Success(c *fiber.Ctx, data interface{}) error {
	return c.JSON(APIResponse{
		Success: true,
		Data:    data,
	})
}

// Accepted acknowledges work handed to the pipeline
func Accepted(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusAccepted).JSON(APIResponse{
		Success: true,
		Data:    data,
	})
}

// SuccessWithMeta returns a successful response with pagination
func SuccessWithMeta(c *fiber.Ctx, data interface{}, total, limit, offset int) error {
	return c.JSON(APIResponse{
		Success: true,
		Data:    data,
		Meta: &Meta{
			Total:  total,
			Limit:  limit,
			Offset: offset,
		},
	})
}

// Error returns an error response
func Error(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(APIResponse{
		Success: false,
		Error:   message,
	})
}

// FromError maps repository, pipeline and taxonomy errors onto HTTP codes.
// Unrecognised errors become a 500 with fallback as the message.
func FromError(c *fiber.Ctx, err error, fallback string) error {
	switch {
	case errors.Is(err, database.ErrReceiptNotFound):
		return Error(c, fiber.StatusNotFound, "receipt not found")
	case errors.Is(err, database.ErrProductNotFound):
		return Error(c, fiber.StatusNotFound, "product not found")
	case errors.Is(err, database.ErrProductConflict):
		return Error(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, database.ErrInventoryItemNotFound):
		return Error(c, fiber.StatusNotFound, "inventory item not found")
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		return Error(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrReceiptFinished):
		return Error(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, services.ErrValidation):
		return Error(c, fiber.StatusBadRequest, err.Error())
	default:
		return Error(c, fiber.StatusInternalServerError, fallback)
	}
}

// pagination reads limit/offset with the usual bounds
func pagination(c *fiber.Ctx, defaultLimit int) (limit, offset int) {
	limit = c.QueryInt("limit", defaultLimit)
	offset = c.QueryInt("offset", 0)
	if limit < 1 || limit > 100 {
		limit = defaultLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func paramID(c *fiber.Ctx, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Params(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

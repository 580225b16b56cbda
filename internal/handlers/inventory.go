package handlers

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/codemarcinu/new-egents/internal/config"
	"github.com/codemarcinu/new-egents/internal/logger"
	"github.com/codemarcinu/new-egents/internal/models"
)

// InventoryService is the stock surface outside the pipeline
type InventoryService interface {
	Consume(ctx context.Context, productID int64, quantity decimal.Decimal, note string) (*models.InventoryHistoryEntry, error)
	Expire(ctx context.Context, productID int64, quantity decimal.Decimal, note string) (*models.InventoryHistoryEntry, error)
	Adjust(ctx context.Context, productID int64, newQuantity decimal.Decimal, note string) (*models.InventoryHistoryEntry, error)
	List(ctx context.Context) ([]models.InventoryItemWithProduct, error)
	LowStock(ctx context.Context, threshold decimal.Decimal) ([]models.InventoryItemWithProduct, error)
	Summary(ctx context.Context) (*models.InventorySummary, error)
	History(ctx context.Context, productID int64, limit int) ([]models.InventoryHistoryEntry, error)
}

// InventoryHandler handles inventory endpoints
type InventoryHandler struct {
	cfg       *config.Config
	inventory InventoryService
	validate  *validator.Validate
	log       *logger.Logger
}

func NewInventoryHandler(cfg *config.Config, inventory InventoryService, log *logger.Logger) *InventoryHandler {
	return &InventoryHandler{
		cfg:       cfg,
		inventory: inventory,
		validate:  validator.New(),
		log:       log.With("handler", "inventory"),
	}
}

// StockChangeRequest is the body of consume, expire and adjust
type StockChangeRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
	Note     string          `json:"note" validate:"max=500"`
}

// ListInventory returns all stocked products
func (h *InventoryHandler) ListInventory(c *fiber.Ctx) error {
	items, err := h.inventory.List(c.UserContext())
	if err != nil {
		h.log.Error("Failed to list inventory", "error", err)
		return Error(c, fiber.StatusInternalServerError, "failed to list inventory")
	}
	return Success(c, items)
}

// ListLowStock returns products at or below the threshold
func (h *InventoryHandler) ListLowStock(c *fiber.Ctx) error {
	threshold := decimal.NewFromFloat(h.cfg.LowStockThreshold)
	if raw := c.Query("threshold"); raw != "" {
		t, err := decimal.NewFromString(raw)
		if err != nil || t.IsNegative() {
			return Error(c, fiber.StatusBadRequest, "invalid threshold")
		}
		threshold = t
	}

	items, err := h.inventory.LowStock(c.UserContext(), threshold)
	if err != nil {
		h.log.Error("Failed to list low stock", "error", err)
		return Error(c, fiber.StatusInternalServerError, "failed to list low stock items")
	}
	return Success(c, items)
}

// GetSummary returns inventory aggregates
func (h *InventoryHandler) GetSummary(c *fiber.Ctx) error {
	summary, err := h.inventory.Summary(c.UserContext())
	if err != nil {
		h.log.Error("Failed to get inventory summary", "error", err)
		return Error(c, fiber.StatusInternalServerError, "failed to get inventory summary")
	}
	return Success(c, summary)
}

// GetHistory returns the newest history entries of one product
func (h *InventoryHandler) GetHistory(c *fiber.Ctx) error {
	productID, ok := paramID(c, "productId")
	if !ok {
		return Error(c, fiber.StatusBadRequest, "invalid product ID")
	}
	limit, _ := pagination(c, 50)

	entries, err := h.inventory.History(c.UserContext(), productID, limit)
	if err != nil {
		return FromError(c, err, "failed to get inventory history")
	}
	return Success(c, entries)
}

// Consume records usage of a product
func (h *InventoryHandler) Consume(c *fiber.Ctx) error {
	return h.change(c, h.inventory.Consume)
}

// Expire records spoilage of a product
func (h *InventoryHandler) Expire(c *fiber.Ctx) error {
	return h.change(c, h.inventory.Expire)
}

// Adjust sets the on-hand quantity of a product
func (h *InventoryHandler) Adjust(c *fiber.Ctx) error {
	return h.change(c, h.inventory.Adjust)
}

type stockOp func(ctx context.Context, productID int64, quantity decimal.Decimal, note string) (*models.InventoryHistoryEntry, error)

func (h *InventoryHandler) change(c *fiber.Ctx, op stockOp) error {
	productID, ok := paramID(c, "productId")
	if !ok {
		return Error(c, fiber.StatusBadRequest, "invalid product ID")
	}

	var req StockChangeRequest
	if err := c.BodyParser(&req); err != nil {
		return Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return Error(c, fiber.StatusBadRequest, err.Error())
	}

	entry, err := op(c.UserContext(), productID, req.Quantity, req.Note)
	if err != nil {
		return FromError(c, err, "failed to update inventory")
	}
	return Success(c, entry)
}

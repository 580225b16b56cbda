package handlers

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/codemarcinu/new-egents/internal/logger"
	"github.com/codemarcinu/new-egents/internal/models"
	"github.com/codemarcinu/new-egents/internal/services"
)

// CatalogStore is the catalog curation surface
type CatalogStore interface {
	ListProducts(ctx context.Context, placeholdersOnly bool, limit, offset int) ([]models.Product, error)
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	ActivateProduct(ctx context.Context, id int64) error
	SetAliasStatus(ctx context.Context, productID int64, normalized string, status models.AliasStatus) error
	ListCategories(ctx context.Context) ([]models.Category, error)
}

// ProductHandler handles catalog endpoints. Placeholders created by the
// matcher are reviewed here.
type ProductHandler struct {
	catalog  CatalogStore
	validate *validator.Validate
	log      *logger.Logger
}

func NewProductHandler(catalog CatalogStore, log *logger.Logger) *ProductHandler {
	return &ProductHandler{
		catalog:  catalog,
		validate: validator.New(),
		log:      log.With("handler", "products"),
	}
}

// AliasStatusRequest records a curation decision on one alias
type AliasStatusRequest struct {
	Alias  string             `json:"alias" validate:"required,max=255"`
	Status models.AliasStatus `json:"status" validate:"required,oneof=unverified verified rejected"`
}

// ListProducts returns the catalog; ?placeholders=true lists only
// products waiting for curation
func (h *ProductHandler) ListProducts(c *fiber.Ctx) error {
	limit, offset := pagination(c, 50)
	placeholders := c.QueryBool("placeholders", false)

	products, err := h.catalog.ListProducts(c.UserContext(), placeholders, limit, offset)
	if err != nil {
		h.log.Error("Failed to list products", "error", err)
		return Error(c, fiber.StatusInternalServerError, "failed to list products")
	}
	return Success(c, products)
}

// GetProduct returns one product with its aliases
func (h *ProductHandler) GetProduct(c *fiber.Ctx) error {
	id, ok := paramID(c, "id")
	if !ok {
		return Error(c, fiber.StatusBadRequest, "invalid product ID")
	}
	product, err := h.catalog.GetProduct(c.UserContext(), id)
	if err != nil {
		return FromError(c, err, "failed to get product")
	}
	return Success(c, product)
}

// ActivateProduct promotes a placeholder into the curated catalog
func (h *ProductHandler) ActivateProduct(c *fiber.Ctx) error {
	id, ok := paramID(c, "id")
	if !ok {
		return Error(c, fiber.StatusBadRequest, "invalid product ID")
	}
	if err := h.catalog.ActivateProduct(c.UserContext(), id); err != nil {
		return FromError(c, err, "failed to activate product")
	}
	h.log.Info("Product activated", "product_id", id)
	return Success(c, fiber.Map{"activated": true})
}

// SetAliasStatus verifies or rejects an observed alias
func (h *ProductHandler) SetAliasStatus(c *fiber.Ctx) error {
	id, ok := paramID(c, "id")
	if !ok {
		return Error(c, fiber.StatusBadRequest, "invalid product ID")
	}

	var req AliasStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return Error(c, fiber.StatusBadRequest, err.Error())
	}

	normalized := services.NormalizeProductName(req.Alias)
	if normalized == "" {
		return Error(c, fiber.StatusBadRequest, "alias has no usable characters")
	}
	if err := h.catalog.SetAliasStatus(c.UserContext(), id, normalized, req.Status); err != nil {
		return FromError(c, err, "failed to update alias")
	}
	return Success(c, fiber.Map{"product_id": id, "alias": normalized, "status": req.Status})
}

// ListCategories returns every category
func (h *ProductHandler) ListCategories(c *fiber.Ctx) error {
	categories, err := h.catalog.ListCategories(c.UserContext())
	if err != nil {
		h.log.Error("Failed to list categories", "error", err)
		return Error(c, fiber.StatusInternalServerError, "failed to list categories")
	}
	return Success(c, categories)
}

package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/codemarcinu/new-egents/internal/config"
	"github.com/codemarcinu/new-egents/internal/middleware"
)

// Handlers bundles the route handlers the API serves
type Handlers struct {
	Receipts  *ReceiptHandler
	Inventory *InventoryHandler
	Products  *ProductHandler
}

// RegisterRoutes mounts the API under /api
func RegisterRoutes(app *fiber.App, cfg *config.Config, h Handlers) {
	api := app.Group("/api", middleware.AuthRequired(cfg))

	// Receipt routes
	receipts := api.Group("/receipts")
	receipts.Post("/", h.Receipts.UploadReceipt)
	receipts.Get("/", h.Receipts.ListReceipts)
	receipts.Get("/:id", h.Receipts.GetReceipt)
	receipts.Get("/:id/status", h.Receipts.GetStatus)
	receipts.Get("/:id/events", h.Receipts.StreamEvents)
	receipts.Post("/:id/process", h.Receipts.ProcessReceipt)
	receipts.Post("/:id/cancel", h.Receipts.CancelReceipt)
	receipts.Delete("/:id", h.Receipts.DeleteReceipt)

	// Inventory routes
	inventory := api.Group("/inventory")
	inventory.Get("/", h.Inventory.ListInventory)
	inventory.Get("/low-stock", h.Inventory.ListLowStock)
	inventory.Get("/summary", h.Inventory.GetSummary)
	inventory.Get("/:productId/history", h.Inventory.GetHistory)
	inventory.Post("/:productId/consume", h.Inventory.Consume)
	inventory.Post("/:productId/expire", h.Inventory.Expire)
	inventory.Put("/:productId", h.Inventory.Adjust)

	// Catalog routes (admin write)
	api.Get("/categories", h.Products.ListCategories)
	products := api.Group("/products")
	products.Get("/", h.Products.ListProducts)
	products.Get("/:id", h.Products.GetProduct)
	products.Post("/:id/activate", middleware.AdminRequired(cfg), h.Products.ActivateProduct)
	products.Put("/:id/aliases", middleware.AdminRequired(cfg), h.Products.SetAliasStatus)
}

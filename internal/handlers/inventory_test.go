package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemarcinu/new-egents/internal/models"
)

func TestInventoryStockChanges(t *testing.T) {
	env := newTestEnv(t)
	milk := env.store.SeedProduct("milk", "milk", true, nil)
	base := fmt.Sprintf("/api/inventory/%d", milk.ID)

	code, body := env.do(t, jsonRequest(http.MethodPut, base, `{"quantity": "3", "note": "stock take"}`))
	require.Equal(t, fiber.StatusOK, code, body.Error)
	var entry models.InventoryHistoryEntry
	require.NoError(t, json.Unmarshal(body.Data, &entry))
	assert.Equal(t, models.ChangeTypeAdjustment, entry.ChangeType)
	assert.True(t, entry.ResultingQuantity.Equal(decimal.NewFromInt(3)))

	code, body = env.do(t, jsonRequest(http.MethodPost, base+"/consume", `{"quantity": 1}`))
	require.Equal(t, fiber.StatusOK, code, body.Error)
	require.NoError(t, json.Unmarshal(body.Data, &entry))
	assert.True(t, entry.ResultingQuantity.Equal(decimal.NewFromInt(2)))

	code, body = env.do(t, jsonRequest(http.MethodPost, base+"/consume", `{"quantity": 5}`))
	assert.Equal(t, fiber.StatusBadRequest, code, "consuming more than is on hand is refused")
	assert.True(t, env.store.Quantity(milk.ID).Equal(decimal.NewFromInt(2)))

	code, body = env.do(t, jsonRequest(http.MethodPost, base+"/expire", `{"quantity": "0.5", "note": "sour"}`))
	require.Equal(t, fiber.StatusOK, code, body.Error)
	require.NoError(t, json.Unmarshal(body.Data, &entry))
	assert.Equal(t, models.ChangeTypeExpired, entry.ChangeType)

	code, body = env.do(t, jsonRequest(http.MethodGet, base+"/history", ""))
	require.Equal(t, fiber.StatusOK, code)
	var history []models.InventoryHistoryEntry
	require.NoError(t, json.Unmarshal(body.Data, &history))
	assert.Len(t, history, 3)
}

func TestInventoryRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	milk := env.store.SeedProduct("milk", "milk", true, nil)

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"zero quantity", http.MethodPost, fmt.Sprintf("/api/inventory/%d/consume", milk.ID), `{"quantity": 0}`, fiber.StatusBadRequest},
		{"negative target", http.MethodPut, fmt.Sprintf("/api/inventory/%d", milk.ID), `{"quantity": -1}`, fiber.StatusBadRequest},
		{"malformed body", http.MethodPut, fmt.Sprintf("/api/inventory/%d", milk.ID), `{"quantity": `, fiber.StatusBadRequest},
		{"bad product id", http.MethodPost, "/api/inventory/xyz/consume", `{"quantity": 1}`, fiber.StatusBadRequest},
		{"unknown product", http.MethodPut, "/api/inventory/999", `{"quantity": 1}`, fiber.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := env.do(t, jsonRequest(tt.method, tt.target, tt.body))
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestInventoryListingAndSummary(t *testing.T) {
	env := newTestEnv(t)
	milk := env.store.SeedProduct("milk", "milk", true, nil)
	rice := env.store.SeedProduct("rice", "rice", true, nil)
	env.do(t, jsonRequest(http.MethodPut, fmt.Sprintf("/api/inventory/%d", milk.ID), `{"quantity": 2}`))
	env.do(t, jsonRequest(http.MethodPut, fmt.Sprintf("/api/inventory/%d", rice.ID), `{"quantity": 12}`))

	code, body := env.do(t, jsonRequest(http.MethodGet, "/api/inventory", ""))
	require.Equal(t, fiber.StatusOK, code)
	var items []models.InventoryItemWithProduct
	require.NoError(t, json.Unmarshal(body.Data, &items))
	assert.Len(t, items, 2)

	code, body = env.do(t, jsonRequest(http.MethodGet, "/api/inventory/low-stock", ""))
	require.Equal(t, fiber.StatusOK, code)
	require.NoError(t, json.Unmarshal(body.Data, &items))
	require.Len(t, items, 1)
	assert.Equal(t, milk.ID, items[0].ProductID)

	code, body = env.do(t, jsonRequest(http.MethodGet, "/api/inventory/low-stock?threshold=20", ""))
	require.Equal(t, fiber.StatusOK, code)
	require.NoError(t, json.Unmarshal(body.Data, &items))
	assert.Len(t, items, 2)

	code, _ = env.do(t, jsonRequest(http.MethodGet, "/api/inventory/low-stock?threshold=lots", ""))
	assert.Equal(t, fiber.StatusBadRequest, code)

	code, body = env.do(t, jsonRequest(http.MethodGet, "/api/inventory/summary", ""))
	require.Equal(t, fiber.StatusOK, code)
	var summary models.InventorySummary
	require.NoError(t, json.Unmarshal(body.Data, &summary))
	assert.Equal(t, 2, summary.TotalProducts)
	assert.Equal(t, 1, summary.LowStockCount)
}

func TestProductCuration(t *testing.T) {
	env := newTestEnv(t)
	env.store.SeedProduct("milk", "milk", true, map[string]string{"Milk 2%": "milk"})
	placeholder := env.store.SeedProduct("Zzyx Snack Bar 50g", "zzyx snack bar", false, map[string]string{"Zzyx Snack Bar 50g": "zzyx snack bar"})

	code, body := env.do(t, jsonRequest(http.MethodGet, "/api/products?placeholders=true", ""))
	require.Equal(t, fiber.StatusOK, code)
	var products []models.Product
	require.NoError(t, json.Unmarshal(body.Data, &products))
	require.Len(t, products, 1)
	assert.Equal(t, placeholder.ID, products[0].ID)

	code, body = env.do(t, jsonRequest(http.MethodPut, fmt.Sprintf("/api/products/%d/aliases", placeholder.ID),
		`{"alias": "ZZYX Snack-Bar 50 g", "status": "verified"}`))
	require.Equal(t, fiber.StatusOK, code, body.Error)
	assert.Equal(t, models.AliasStatusVerified, env.store.Product(placeholder.ID).Aliases[0].VerificationStatus)

	code, _ = env.do(t, jsonRequest(http.MethodPut, fmt.Sprintf("/api/products/%d/aliases", placeholder.ID),
		`{"alias": "zzyx", "status": "maybe"}`))
	assert.Equal(t, fiber.StatusBadRequest, code)

	code, _ = env.do(t, jsonRequest(http.MethodPut, fmt.Sprintf("/api/products/%d/aliases", placeholder.ID),
		`{"alias": "never seen", "status": "rejected"}`))
	assert.Equal(t, fiber.StatusNotFound, code)

	code, _ = env.do(t, jsonRequest(http.MethodPost, fmt.Sprintf("/api/products/%d/activate", placeholder.ID), ""))
	require.Equal(t, fiber.StatusOK, code)
	assert.True(t, env.store.Product(placeholder.ID).IsActive)

	code, _ = env.do(t, jsonRequest(http.MethodPost, "/api/products/999/activate", ""))
	assert.Equal(t, fiber.StatusNotFound, code)

	code, body = env.do(t, jsonRequest(http.MethodGet, fmt.Sprintf("/api/products/%d", placeholder.ID), ""))
	require.Equal(t, fiber.StatusOK, code)
	var product models.Product
	require.NoError(t, json.Unmarshal(body.Data, &product))
	assert.Len(t, product.Aliases, 1)
}

func TestActivateProductNameTaken(t *testing.T) {
	env := newTestEnv(t)
	env.store.SeedProduct("Milk", "milk", true, nil)
	ghost := env.store.SeedProduct("MILK", "milk", false, map[string]string{"MILK": "milk"})

	code, body := env.do(t, jsonRequest(http.MethodPost, fmt.Sprintf("/api/products/%d/activate", ghost.ID), ""))

	assert.Equal(t, fiber.StatusConflict, code)
	assert.Contains(t, body.Error, "already exists")
	assert.False(t, env.store.Product(ghost.ID).IsActive)
}

func TestListCategories(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.store.EnsureCategory(context.Background(), "Pieczywo")
	require.NoError(t, err)
	_, err = env.store.EnsureCategory(context.Background(), "Nabiał")
	require.NoError(t, err)

	code, body := env.do(t, jsonRequest(http.MethodGet, "/api/categories", ""))

	require.Equal(t, fiber.StatusOK, code)
	var categories []models.Category
	require.NoError(t, json.Unmarshal(body.Data, &categories))
	require.Len(t, categories, 2)
	assert.Equal(t, "Nabiał", categories[0].Name)
}

package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemarcinu/new-egents/internal/models"
	"github.com/codemarcinu/new-egents/internal/services"
	"github.com/codemarcinu/new-egents/internal/testutil"
)

func TestDefaultCatalogParses(t *testing.T) {
	catalog, err := ParseCatalog(defaultCatalog)
	require.NoError(t, err)
	assert.NotEmpty(t, catalog.Categories)

	rules, err := services.NewCategoryGuesser("")
	require.NoError(t, err)
	names := rules.Names()
	for _, c := range catalog.Categories {
		assert.Contains(t, names, c.Name, "seed categories line up with the guesser rules")
	}
}

func TestParseCatalogRejects(t *testing.T) {
	tests := map[string]string{
		"empty":         ``,
		"no name":       "categories:\n  - products: []\n",
		"blank product": "categories:\n  - name: Inne\n    products:\n      - name: '500g'\n",
		"bad yaml":      "categories: [",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestSeedIsRepeatable(t *testing.T) {
	store := testutil.NewMemStore()
	catalog := &Catalog{Categories: []SeedCategory{{
		Name: "Nabiał",
		Products: []SeedProduct{{
			Name:    "Mleko 2%",
			Aliases: []string{"MLEKO UHT 2% 1L", "mleko"},
		}},
	}}}
	now := time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)
	ctx := context.Background()

	stats, err := Seed(ctx, store, catalog, now)
	require.NoError(t, err)
	assert.Equal(t, SeedStats{Categories: 1, Products: 1, Aliases: 2}, stats)

	stats, err = Seed(ctx, store, catalog, now)
	require.NoError(t, err)
	assert.Zero(t, stats.Aliases, "a second run adds nothing")

	products, err := store.ListProducts(ctx, false, 10, 0)
	require.NoError(t, err)
	require.Len(t, products, 1)
	p := store.Product(products[0].ID)
	assert.True(t, p.IsActive)
	assert.Equal(t, "mleko", p.NormalizedName)
	require.NotNil(t, p.CategoryName)
	assert.Equal(t, "Nabiał", *p.CategoryName)
	require.Len(t, p.Aliases, 2)
	for _, a := range p.Aliases {
		assert.Equal(t, models.AliasStatusVerified, a.VerificationStatus)
		assert.Equal(t, 1, a.OccurrenceCount)
	}

	found, err := store.FindProductByAlias(ctx, "mleko uht")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, p.ID, found.ID)
}

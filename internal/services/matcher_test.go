package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemarcinu/new-egents/internal/logger"
	"github.com/codemarcinu/new-egents/internal/models"
	"github.com/codemarcinu/new-egents/internal/testutil"
)

func newTestMatcher(t *testing.T, store *testutil.MemStore) *ProductMatcher {
	t.Helper()
	categories, err := NewCategoryGuesser("")
	require.NoError(t, err)
	return NewProductMatcher(store, categories, 0.75, logger.Nop(), nil)
}

// save records a match's alias sighting the way saving line items does
func save(t *testing.T, store *testutil.MemStore, res *models.MatchResult) {
	t.Helper()
	require.NotNil(t, res.Observed)
	o := res.Observed
	require.NoError(t, store.RecordAliasOccurrence(context.Background(), o.ProductID, o.Name, o.NormalizedName, o.SeenAt))
}

func TestMatcherExactTier(t *testing.T) {
	store := testutil.NewMemStore()
	p := store.SeedProduct("Mleko UHT", "mleko uht", true, nil)
	m := newTestMatcher(t, store)

	res, err := m.Match(context.Background(), "  Mleko   UHT ")
	require.NoError(t, err)
	assert.Equal(t, p.ID, res.ProductID)
	assert.Equal(t, models.MatchTypeExact, res.MatchType)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Nil(t, res.Observed)
}

func TestMatcherCaseOnlyDifferenceIsFuzzy(t *testing.T) {
	store := testutil.NewMemStore()
	p := store.SeedProduct("Mleko UHT", "mleko uht", true, nil)
	m := newTestMatcher(t, store)

	res, err := m.Match(context.Background(), "MLEKO UHT")
	require.NoError(t, err)
	assert.Equal(t, p.ID, res.ProductID)
	assert.Equal(t, models.MatchTypeFuzzy, res.MatchType)
	assert.Equal(t, 1.0, res.Confidence)
	require.NotNil(t, res.Observed)
	assert.Equal(t, "mleko uht", res.Observed.NormalizedName)
	assert.Equal(t, "MLEKO UHT", res.Observed.Name)
}

func TestMatcherExactTierIgnoresInactive(t *testing.T) {
	store := testutil.NewMemStore()
	inactive := store.SeedProduct("Kefir", "kefir", false, nil)
	m := newTestMatcher(t, store)

	res, err := m.Match(context.Background(), "Kefir")
	require.NoError(t, err)
	assert.NotEqual(t, models.MatchTypeExact, res.MatchType)
	// the placeholder path reuses the inactive product with the same key
	assert.Equal(t, inactive.ID, res.ProductID)
	assert.Equal(t, models.MatchTypeCreated, res.MatchType)
}

func TestMatcherAliasTier(t *testing.T) {
	store := testutil.NewMemStore()
	milk := store.SeedProduct("milk", "milk", true, map[string]string{"Milk 2%": "milk"})
	m := newTestMatcher(t, store)

	res, err := m.Match(context.Background(), "Milk")
	require.NoError(t, err)
	assert.Equal(t, milk.ID, res.ProductID)
	assert.Equal(t, models.MatchTypeAlias, res.MatchType)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)

	aliases := store.Product(milk.ID).Aliases
	require.Len(t, aliases, 1)
	assert.Equal(t, 1, aliases[0].OccurrenceCount, "matching alone does not count the sighting")

	require.NotNil(t, res.Observed)
	assert.Equal(t, milk.ID, res.Observed.ProductID)
	save(t, store, res)
	assert.Equal(t, 2, store.Product(milk.ID).Aliases[0].OccurrenceCount)
}

func TestMatcherFuzzyTierLearnsAlias(t *testing.T) {
	store := testutil.NewMemStore()
	choc := store.SeedProduct("Czekolada Gorzka", "czekolada gorzka", true, nil)
	m := newTestMatcher(t, store)
	ctx := context.Background()

	res, err := m.Match(ctx, "Czekolada Gorzk")
	require.NoError(t, err)
	assert.Equal(t, choc.ID, res.ProductID)
	assert.Equal(t, models.MatchTypeFuzzy, res.MatchType)
	assert.Greater(t, res.Confidence, 0.75)
	assert.Less(t, res.Confidence, 1.0)
	save(t, store, res)

	// the learned spelling is now resolved by the alias tier
	res, err = m.Match(ctx, "Czekolada Gorzk")
	require.NoError(t, err)
	assert.Equal(t, models.MatchTypeAlias, res.MatchType)
	assert.Equal(t, choc.ID, res.ProductID)
}

func TestMatcherPlaceholderTier(t *testing.T) {
	store := testutil.NewMemStore()
	store.SeedProduct("Mleko", "mleko", true, nil)
	m := newTestMatcher(t, store)

	res, err := m.Match(context.Background(), "Zzyx Snack Bar 50g")
	require.NoError(t, err)
	assert.Equal(t, models.MatchTypeCreated, res.MatchType)
	assert.Equal(t, 0.5, res.Confidence)
	assert.Equal(t, "zzyx snack bar", res.NormalizedName)

	p := store.Product(res.ProductID)
	require.NotNil(t, p)
	assert.False(t, p.IsActive)
	require.Len(t, p.Aliases, 1)
	assert.Equal(t, "zzyx snack bar", p.Aliases[0].NormalizedName)
	assert.Zero(t, p.Aliases[0].OccurrenceCount, "counted once the line items are saved")
	require.NotNil(t, res.Observed)
	assert.Equal(t, p.ID, res.Observed.ProductID)
	require.NotNil(t, p.CategoryName)
	assert.Equal(t, "Inne", *p.CategoryName)
}

func TestMatcherPlaceholderGetsGuessedCategory(t *testing.T) {
	store := testutil.NewMemStore()
	m := newTestMatcher(t, store)

	res, err := m.Match(context.Background(), "Chleb Razowy 500g")
	require.NoError(t, err)
	p := store.Product(res.ProductID)
	require.NotNil(t, p.CategoryName)
	assert.Equal(t, "Pieczywo", *p.CategoryName)
}

func TestMatcherRepeatedUnknownNameReusesPlaceholder(t *testing.T) {
	store := testutil.NewMemStore()
	m := newTestMatcher(t, store)
	ctx := context.Background()

	first, err := m.Match(ctx, "Zzyx Snack Bar 50g")
	require.NoError(t, err)
	save(t, store, first)
	second, err := m.Match(ctx, "ZZYX snack bar")
	require.NoError(t, err)

	assert.Equal(t, first.ProductID, second.ProductID)
	assert.Equal(t, models.MatchTypeAlias, second.MatchType)
}

func TestMatcherUnsavedPlaceholderIsCreatedAgain(t *testing.T) {
	store := testutil.NewMemStore()
	m := newTestMatcher(t, store)
	ctx := context.Background()

	first, err := m.Match(ctx, "Zzyx Snack Bar 50g")
	require.NoError(t, err)
	// the run stopped before its line items were saved
	again, err := m.Match(ctx, "Zzyx Snack Bar 50g")
	require.NoError(t, err)

	assert.Equal(t, first.ProductID, again.ProductID)
	assert.Equal(t, models.MatchTypeCreated, again.MatchType)
	assert.Equal(t, 0.5, again.Confidence)
	aliases := store.Product(first.ProductID).Aliases
	require.Len(t, aliases, 1)
	assert.Zero(t, aliases[0].OccurrenceCount)
}

func TestMatcherEmptyName(t *testing.T) {
	m := newTestMatcher(t, testutil.NewMemStore())
	_, err := m.Match(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrMatching)
}

func TestBestFuzzyCandidateTieBreak(t *testing.T) {
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	t.Run("most recently updated wins", func(t *testing.T) {
		candidates := []models.MatchCandidate{
			{ProductID: 1, NormalizedName: "ser zolty", UpdatedAt: older},
			{ProductID: 2, NormalizedName: "ser zolty", UpdatedAt: newer},
		}
		best, _, ok := bestFuzzyCandidate("ser zolt", candidates, 0.75)
		require.True(t, ok)
		assert.Equal(t, int64(2), best.ProductID)
	})

	t.Run("then lexical then id", func(t *testing.T) {
		candidates := []models.MatchCandidate{
			{ProductID: 9, NormalizedName: "abcd", UpdatedAt: older},
			{ProductID: 4, NormalizedName: "abce", UpdatedAt: older},
			{ProductID: 3, NormalizedName: "abcd", UpdatedAt: older},
		}
		for i := 0; i < 3; i++ {
			// order of input must not matter
			candidates[0], candidates[2] = candidates[2], candidates[0]
			best, score, ok := bestFuzzyCandidate("abc", candidates, 0.5)
			require.True(t, ok)
			assert.Equal(t, int64(3), best.ProductID)
			assert.InDelta(t, 6.0/7.0, score, 1e-9)
		}
	})

	t.Run("threshold is strict", func(t *testing.T) {
		candidates := []models.MatchCandidate{{ProductID: 1, NormalizedName: "ab"}}
		_, _, ok := bestFuzzyCandidate("abcd", candidates, 2.0/3.0)
		assert.False(t, ok)
	})
}

func TestGetMatchConfidenceLevel(t *testing.T) {
	assert.Equal(t, "high", GetMatchConfidenceLevel(1.0))
	assert.Equal(t, "high", GetMatchConfidenceLevel(0.9))
	assert.Equal(t, "medium", GetMatchConfidenceLevel(0.8))
	assert.Equal(t, "low", GetMatchConfidenceLevel(0.5))
	assert.Equal(t, "none", GetMatchConfidenceLevel(0.1))
}

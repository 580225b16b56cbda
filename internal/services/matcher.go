package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/codemarcinu/new-egents/internal/logger"
	"github.com/codemarcinu/new-egents/internal/metrics"
	"github.com/codemarcinu/new-egents/internal/models"
)

const (
	exactConfidence       = 1.0
	aliasConfidence       = 0.9
	placeholderConfidence = 0.5
)

// ProductStore is the catalog access the matcher needs. Lookups return a
// nil product and nil error when nothing matches.
type ProductStore interface {
	FindActiveProductByName(ctx context.Context, name string) (*models.Product, error)
	FindProductByAlias(ctx context.Context, normalized string) (*models.Product, error)
	ListMatchCandidates(ctx context.Context) ([]models.MatchCandidate, error)
	CreateProduct(ctx context.Context, req *models.CreateProductRequest) (*models.Product, error)
	EnsureCategory(ctx context.Context, name string) (*models.Category, error)
}

// ProductMatcher resolves parsed names to catalog products through the
// exact, alias, fuzzy and placeholder tiers, in that order.
type ProductMatcher struct {
	store          ProductStore
	categories     *CategoryGuesser
	fuzzyThreshold float64
	log            *logger.Logger
	metrics        *metrics.PipelineMetrics
	now            func() time.Time
}

func NewProductMatcher(store ProductStore, categories *CategoryGuesser, fuzzyThreshold float64, log *logger.Logger, m *metrics.PipelineMetrics) *ProductMatcher {
	if fuzzyThreshold <= 0 || fuzzyThreshold > 1 {
		fuzzyThreshold = 0.75
	}
	return &ProductMatcher{
		store:          store,
		categories:     categories,
		fuzzyThreshold: fuzzyThreshold,
		log:            log.With("component", "ProductMatcher"),
		metrics:        m,
		now:            time.Now,
	}
}

// Match always yields a product for a non-empty name; the placeholder tier
// is the total fallback. Errors come only from the store.
//
// Match does not count alias sightings itself. The result carries them in
// Observed and the caller records them together with the line items, so
// matching the same receipt twice counts it once.
func (m *ProductMatcher) Match(ctx context.Context, rawName string) (*models.MatchResult, error) {
	rawName = collapseSpaces(rawName)
	if rawName == "" {
		return nil, NewError(KindMatching, "empty product name")
	}
	key := matchKey(rawName)
	now := m.now()

	product, err := m.store.FindActiveProductByName(ctx, rawName)
	if err != nil {
		return nil, fmt.Errorf("exact lookup: %w", err)
	}
	if product != nil {
		return m.result(product, exactConfidence, models.MatchTypeExact), nil
	}

	product, err = m.store.FindProductByAlias(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("alias lookup: %w", err)
	}
	if product != nil {
		res := m.result(product, aliasConfidence, models.MatchTypeAlias)
		res.Observed = observation(product.ID, rawName, key, now)
		return res, nil
	}

	candidates, err := m.store.ListMatchCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	if best, score, ok := bestFuzzyCandidate(key, candidates, m.fuzzyThreshold); ok {
		m.observe(models.MatchTypeFuzzy)
		// the observed spelling lets the alias tier catch it next time
		return &models.MatchResult{
			ProductID:      best.ProductID,
			ProductName:    best.Name,
			NormalizedName: best.NormalizedName,
			Confidence:     score,
			MatchType:      models.MatchTypeFuzzy,
			Observed:       observation(best.ProductID, rawName, key, now),
		}, nil
	}

	return m.createPlaceholder(ctx, rawName, key, now)
}

func (m *ProductMatcher) createPlaceholder(ctx context.Context, rawName, key string, now time.Time) (*models.MatchResult, error) {
	req := &models.CreateProductRequest{
		Name:           rawName,
		NormalizedName: key,
		IsActive:       false,
		InitialAlias:   &rawName,
		SeenAt:         now,
	}
	if m.categories != nil {
		category, err := m.store.EnsureCategory(ctx, m.categories.Guess(key))
		if err != nil {
			m.log.Warn("Category lookup failed, creating placeholder without category", "name", key, "error", err)
		} else if category != nil {
			req.CategoryID = &category.ID
		}
	}

	product, err := m.store.CreateProduct(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create placeholder: %w", err)
	}
	m.log.Info("Created placeholder product", "product_id", product.ID, "name", key)
	res := m.result(product, placeholderConfidence, models.MatchTypeCreated)
	res.Observed = observation(product.ID, rawName, key, now)
	return res, nil
}

func observation(productID int64, rawName, key string, seenAt time.Time) *models.AliasObservation {
	return &models.AliasObservation{ProductID: productID, Name: rawName, NormalizedName: key, SeenAt: seenAt}
}

func (m *ProductMatcher) result(p *models.Product, confidence float64, matchType models.MatchType) *models.MatchResult {
	m.observe(matchType)
	return &models.MatchResult{
		ProductID:      p.ID,
		ProductName:    p.Name,
		NormalizedName: p.NormalizedName,
		Confidence:     confidence,
		MatchType:      matchType,
	}
}

func (m *ProductMatcher) observe(matchType models.MatchType) {
	if m.metrics != nil {
		m.metrics.ObserveMatch(string(matchType))
	}
}

// bestFuzzyCandidate picks the highest similarity strictly above threshold.
// Ties are ordered by most recently updated, then normalised name, then id,
// so the choice does not depend on candidate order.
func bestFuzzyCandidate(key string, candidates []models.MatchCandidate, threshold float64) (models.MatchCandidate, float64, bool) {
	type scored struct {
		c     models.MatchCandidate
		score float64
	}
	var hits []scored
	for _, c := range candidates {
		score := Similarity(key, c.NormalizedName)
		if score > threshold {
			hits = append(hits, scored{c: c, score: score})
		}
	}
	if len(hits) == 0 {
		return models.MatchCandidate{}, 0, false
	}
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.c.UpdatedAt.Equal(b.c.UpdatedAt) {
			return a.c.UpdatedAt.After(b.c.UpdatedAt)
		}
		if a.c.NormalizedName != b.c.NormalizedName {
			return strings.Compare(a.c.NormalizedName, b.c.NormalizedName) < 0
		}
		return a.c.ProductID < b.c.ProductID
	})
	return hits[0].c, hits[0].score, true
}

// GetMatchConfidenceLevel returns a human-readable confidence level
func GetMatchConfidenceLevel(confidence float64) string {
	switch {
	case confidence >= 0.9:
		return "high"
	case confidence >= 0.7:
		return "medium"
	case confidence >= 0.5:
		return "low"
	default:
		return "none"
	}
}

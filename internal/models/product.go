package models

import (
	"time"
)

// AliasStatus is the curation state of an alias
type AliasStatus string

const (
	AliasStatusUnverified AliasStatus = "unverified"
	AliasStatusVerified   AliasStatus = "verified"
	AliasStatusRejected   AliasStatus = "rejected"
)

// Category groups products; categories may nest
type Category struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	ParentID *int64 `json:"parent_id,omitempty"`
}

// Product is a canonical catalog entry. Products with IsActive=false are
// placeholders created by the matcher and wait for curation.
type Product struct {
	ID             int64          `json:"id"`
	Name           string         `json:"name"`
	NormalizedName string         `json:"normalized_name"`
	Brand          *string        `json:"brand,omitempty"`
	Barcode        *string        `json:"barcode,omitempty"`
	CategoryID     *int64         `json:"category_id,omitempty"`
	CategoryName   *string        `json:"category_name,omitempty"`
	IsActive       bool           `json:"is_active"`
	Aliases        []ProductAlias `json:"aliases,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ProductAlias is an alternate observed name for a product
type ProductAlias struct {
	ID                 int64       `json:"id"`
	ProductID          int64       `json:"product_id"`
	Name               string      `json:"name"`
	NormalizedName     string      `json:"normalized_name"`
	OccurrenceCount    int         `json:"occurrence_count"`
	FirstSeen          time.Time   `json:"first_seen"`
	LastSeen           time.Time   `json:"last_seen"`
	VerificationStatus AliasStatus `json:"verification_status"`
}

// CreateProductRequest creates a catalog or placeholder product
type CreateProductRequest struct {
	Name           string
	NormalizedName string
	Brand          *string
	Barcode        *string
	CategoryID     *int64
	IsActive       bool
	// InitialAlias, when set, is recorded with occurrence count 0. The
	// receipt that created the placeholder counts it when its line items
	// are saved.
	InitialAlias *string
	SeenAt       time.Time
}

// MatchResult is the outcome of resolving one parsed name
type MatchResult struct {
	ProductID      int64     `json:"product_id"`
	ProductName    string    `json:"product_name"`
	NormalizedName string    `json:"normalized_name"`
	Confidence     float64   `json:"confidence"`
	MatchType      MatchType `json:"match_type"`
	// Observed is the alias sighting to count once the match is saved
	Observed *AliasObservation `json:"-"`
}

// AliasObservation is one sighting of a spelling on a receipt
type AliasObservation struct {
	ProductID      int64
	Name           string
	NormalizedName string
	SeenAt         time.Time
}

// MatchCandidate is the projection the fuzzy tier scores
type MatchCandidate struct {
	ProductID      int64
	Name           string
	NormalizedName string
	UpdatedAt      time.Time
}

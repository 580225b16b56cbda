package main

import (
	"context"
	_ "embed"
	"errors"
	"flag"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/codemarcinu/new-egents/internal/config"
	"github.com/codemarcinu/new-egents/internal/database"
	"github.com/codemarcinu/new-egents/internal/logger"
	"github.com/codemarcinu/new-egents/internal/models"
	"github.com/codemarcinu/new-egents/internal/services"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Catalog is the seed file layout
type Catalog struct {
	Categories []SeedCategory `yaml:"categories"`
}

type SeedCategory struct {
	Name     string        `yaml:"name"`
	Products []SeedProduct `yaml:"products"`
}

type SeedProduct struct {
	Name    string   `yaml:"name"`
	Brand   string   `yaml:"brand"`
	Barcode string   `yaml:"barcode"`
	Aliases []string `yaml:"aliases"`
}

// CatalogWriter is what seeding needs from the database
type CatalogWriter interface {
	EnsureCategory(ctx context.Context, name string) (*models.Category, error)
	CreateProduct(ctx context.Context, req *models.CreateProductRequest) (*models.Product, error)
	RecordAliasOccurrence(ctx context.Context, productID int64, alias, normalized string, seenAt time.Time) error
	SetAliasStatus(ctx context.Context, productID int64, normalized string, status models.AliasStatus) error
}

// SeedStats counts what a run wrote
type SeedStats struct {
	Categories int
	Products   int
	Aliases    int
}

func main() {
	// Command line flags
	dryRun := flag.Bool("dry-run", false, "Preview changes without writing to database")
	localFile := flag.String("file", "", "Use a local catalog YAML instead of the built-in one")
	flag.Parse()

	// Load .env
	_ = godotenv.Load()

	cfg := config.Load()
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		stdlog.Fatalf("Failed to create logger: %v", err)
	}
	defer log.Sync()

	raw := defaultCatalog
	if *localFile != "" {
		raw, err = os.ReadFile(*localFile)
		if err != nil {
			log.Fatal("Failed to open catalog file", "file", *localFile, "error", err)
		}
		log.Info("Reading catalog from local file", "file", *localFile)
	}

	catalog, err := ParseCatalog(raw)
	if err != nil {
		log.Fatal("Invalid catalog", "error", err)
	}

	if *dryRun {
		products := 0
		for _, c := range catalog.Categories {
			products += len(c.Products)
			for _, p := range c.Products {
				log.Info("Would seed product", "category", c.Name, "name", p.Name, "aliases", len(p.Aliases))
			}
		}
		log.Info("Dry run complete", "categories", len(catalog.Categories), "products", products)
		return
	}

	ctx := context.Background()
	db, err := database.Connect(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}
	defer db.Close()

	if err := database.RunMigrations(ctx, db); err != nil {
		log.Fatal("Failed to run migrations", "error", err)
	}

	stats, err := Seed(ctx, db, catalog, time.Now())
	if err != nil {
		log.Fatal("Seeding failed", "error", err)
	}
	log.Info("Catalog seeded", "categories", stats.Categories, "products", stats.Products, "aliases", stats.Aliases)
}

// ParseCatalog decodes and checks a catalog file
func ParseCatalog(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	if len(c.Categories) == 0 {
		return nil, errors.New("catalog has no categories")
	}
	for _, cat := range c.Categories {
		if strings.TrimSpace(cat.Name) == "" {
			return nil, errors.New("category without a name")
		}
		for _, p := range cat.Products {
			if services.NormalizeProductName(p.Name) == "" {
				return nil, errors.New("product " + p.Name + " in " + cat.Name + " has no usable name")
			}
		}
	}
	return &c, nil
}

// Seed writes the catalog as active products with verified aliases. Running
// it again only adds what is missing.
func Seed(ctx context.Context, db CatalogWriter, catalog *Catalog, now time.Time) (SeedStats, error) {
	var stats SeedStats
	for _, cat := range catalog.Categories {
		category, err := db.EnsureCategory(ctx, cat.Name)
		if err != nil {
			return stats, err
		}
		stats.Categories++

		for _, sp := range cat.Products {
			categoryID := category.ID
			product, err := db.CreateProduct(ctx, &models.CreateProductRequest{
				Name:           sp.Name,
				NormalizedName: services.NormalizeProductName(sp.Name),
				Brand:          optional(sp.Brand),
				Barcode:        optional(sp.Barcode),
				CategoryID:     &categoryID,
				IsActive:       true,
				SeenAt:         now,
			})
			if err != nil {
				return stats, err
			}
			stats.Products++

			known := make(map[string]bool, len(product.Aliases))
			for _, a := range product.Aliases {
				known[a.NormalizedName] = true
			}
			for _, alias := range append([]string{sp.Name}, sp.Aliases...) {
				key := services.NormalizeProductName(alias)
				if key == "" {
					continue
				}
				if !known[key] {
					if err := db.RecordAliasOccurrence(ctx, product.ID, alias, key, now); err != nil {
						return stats, err
					}
					known[key] = true
					stats.Aliases++
				}
				if err := db.SetAliasStatus(ctx, product.ID, key, models.AliasStatusVerified); err != nil {
					return stats, err
				}
			}
		}
	}
	return stats, nil
}

func optional(s string) *string {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return &s
}

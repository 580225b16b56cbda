package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/codemarcinu/new-egents/internal/config"
	"github.com/codemarcinu/new-egents/internal/database"
	"github.com/codemarcinu/new-egents/internal/handlers"
	"github.com/codemarcinu/new-egents/internal/logger"
	"github.com/codemarcinu/new-egents/internal/metrics"
	"github.com/codemarcinu/new-egents/internal/pipeline"
	"github.com/codemarcinu/new-egents/internal/services"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := config.Load()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		stdlog.Fatalf("Failed to create logger: %v", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("Server stopped", "error", err)
	}
	log.Info("Server stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	db, err := database.Connect(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	if err := database.RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	if !cfg.StorageConfigured() {
		return errors.New("S3 credentials not configured (S3_ENDPOINT, S3_ACCESS_KEY, S3_SECRET_KEY)")
	}
	images, err := services.NewImageStore(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3Region, cfg.S3UseSSL, cfg.UploadMaxBytes)
	if err != nil {
		return err
	}
	// Ensure bucket exists
	if err := images.EnsureBucket(ctx); err != nil {
		log.Warn("Failed to ensure S3 bucket exists", "bucket", cfg.S3Bucket, "error", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewPipelineMetrics(registry)

	progress := newProgressBackends(ctx, cfg, log)
	defer progress.close()

	backends := newOCRBackends(ctx, cfg, log)
	defer backends.close()

	var model services.ReceiptModel
	if cfg.LLMEnabled {
		ollama, err := services.NewOllamaModel(services.OllamaOptions{
			BaseURL:         cfg.LLMURL,
			Model:           cfg.LLMModel,
			Temperature:     cfg.LLMTemperature,
			Timeout:         cfg.LLMTimeout,
			DefaultCurrency: cfg.DefaultCurrency,
		})
		if err != nil {
			log.Warn("Language model disabled, using pattern parser only", "error", err)
		} else {
			model = ollama
		}
	}

	categories, err := services.NewCategoryGuesser(cfg.CategoryRulesPath)
	if err != nil {
		return err
	}

	inventory := services.NewInventoryUpdater(db, cfg.LowStockThreshold, log, m)
	stages := pipeline.Stages{
		Images:       images,
		Preprocessor: services.NewImagePreprocessor(services.DefaultPreprocessOptions(), log),
		OCR: services.NewOCROrchestrator(backends.list, services.OCROptions{
			ConfidenceThreshold: cfg.OCRConfidenceThreshold,
			MaxBackends:         cfg.OCRMaxBackends,
			BackendTimeout:      cfg.OCRBackendTimeout,
		}, log, m),
		Parser:    services.NewStructuredParser(model, services.NewReceiptParser(cfg.DefaultCurrency), cfg.LLMTimeout, log, m),
		Matcher:   services.NewProductMatcher(db, categories, cfg.FuzzyThreshold, log, m),
		Inventory: inventory,
	}

	policy := pipeline.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BackoffBase,
		MaxDelay:    cfg.BackoffMax,
	}
	coord := pipeline.NewCoordinator(db, stages, progress.lease, progress.notifier, pipeline.CoordinatorOptions{
		OCRConfidenceThreshold: cfg.OCRConfidenceThreshold,
		ReviewTotalTolerance:   cfg.ReviewTotalTolerance,
		LeaseTTL:               cfg.LeaseTTL,
		SlowRunThreshold:       cfg.SlowRunThreshold,
	}, log, m)
	service := pipeline.NewService(db, db, progress.lease, policy, progress.notifier, log)
	worker := pipeline.NewWorker(db, coord, policy, pipeline.WorkerOptions{
		Concurrency:  cfg.Workers,
		PollInterval: cfg.PollInterval,
		StaleAfter:   cfg.LeaseTTL,
	}, log, m)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: handlers.ErrorHandler,
		BodyLimit:    int(cfg.UploadMaxBytes) + 1<<20,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		if err := db.Ping(c.UserContext()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "database unavailable"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	handlers.RegisterRoutes(app, cfg, handlers.Handlers{
		Receipts:  handlers.NewReceiptHandler(cfg, db, images, service, progress.events, log),
		Inventory: handlers.NewInventoryHandler(cfg, inventory, log),
		Products:  handlers.NewProductHandler(db, log),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Start(gctx)
	})
	g.Go(func() error {
		log.Info("Server starting", "port", cfg.Port, "environment", cfg.Environment)
		return app.Listen(":" + cfg.Port)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})
	return g.Wait()
}

// progressBackends holds the lease and event transport. Redis is used when
// configured and reachable; otherwise runs are leased in memory and events
// only logged.
type progressBackends struct {
	lease    services.ReceiptLease
	notifier services.ProgressNotifier
	events   handlers.ProgressSubscriber
	close    func()
}

func newProgressBackends(ctx context.Context, cfg *config.Config, log *logger.Logger) progressBackends {
	fallback := progressBackends{
		lease:    services.NewMemoryLease(),
		notifier: services.NewLogNotifier(log),
		close:    func() {},
	}
	if cfg.RedisAddr == "" {
		log.Info("Redis not configured, using in-process lease and logged progress events")
		return fallback
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn("Redis unreachable, using in-process lease and logged progress events", "addr", cfg.RedisAddr, "error", err)
		_ = rdb.Close()
		return fallback
	}

	notifier := services.NewRedisNotifier(rdb, cfg.RedisChannelPrefix, log)
	log.Info("Redis connected", "addr", cfg.RedisAddr)
	return progressBackends{
		lease:    services.NewRedisLease(rdb, cfg.RedisChannelPrefix),
		notifier: notifier,
		events:   notifier,
		close:    func() { _ = rdb.Close() },
	}
}

type ocrBackends struct {
	list  []services.OCRBackend
	close func()
}

// newOCRBackends builds backends in OCR_BACKENDS order. Unknown names and
// backends that fail to start are skipped.
func newOCRBackends(ctx context.Context, cfg *config.Config, log *logger.Logger) ocrBackends {
	out := ocrBackends{close: func() {}}
	for _, name := range cfg.OCRBackends {
		switch name {
		case "vision":
			if !cfg.VisionEnabled {
				log.Info("Google Vision disabled, skipping backend")
				continue
			}
			vision, err := services.NewVisionBackend(ctx, cfg.GoogleCredentialsFile)
			if err != nil {
				log.Warn("Google Vision unavailable", "error", err)
				continue
			}
			prev := out.close
			out.close = func() {
				prev()
				_ = vision.Close()
			}
			out.list = append(out.list, vision)
		case "tesseract":
			out.list = append(out.list, services.NewTesseractBackend(cfg.OCRLanguages))
		default:
			log.Warn("Unknown OCR backend ignored", "backend", name)
		}
	}
	if len(out.list) == 0 {
		log.Warn("No OCR backend configured, every receipt will fail OCR")
	}
	return out
}

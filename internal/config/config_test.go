package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OCR_BACKENDS", "")
	t.Setenv("PIPELINE_MAX_ATTEMPTS", "")

	cfg := Load()

	assert.Equal(t, []string{"vision", "tesseract"}, cfg.OCRBackends)
	assert.Equal(t, 0.7, cfg.OCRConfidenceThreshold)
	assert.Equal(t, 2, cfg.OCRMaxBackends)
	assert.Equal(t, 25*time.Second, cfg.OCRBackendTimeout)
	assert.Equal(t, 0.75, cfg.FuzzyThreshold)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.BackoffBase)
	assert.Equal(t, int64(10*1024*1024), cfg.UploadMaxBytes)
	assert.Equal(t, "PLN", cfg.DefaultCurrency)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("OCR_BACKENDS", " Tesseract , ,vision")
	t.Setenv("OCR_CONFIDENCE_THRESHOLD", "0.85")
	t.Setenv("PIPELINE_WORKERS", "8")
	t.Setenv("PIPELINE_POLL_INTERVAL_MS", "250")
	t.Setenv("S3_USE_SSL", "true")
	t.Setenv("DEFAULT_CURRENCY", "eur")

	cfg := Load()

	assert.Equal(t, []string{"tesseract", "vision"}, cfg.OCRBackends)
	assert.Equal(t, 0.85, cfg.OCRConfidenceThreshold)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.True(t, cfg.S3UseSSL)
	assert.Equal(t, "EUR", cfg.DefaultCurrency)
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("OCR_MAX_BACKENDS", "two")
	t.Setenv("LLM_TEMPERATURE", "warm")

	cfg := Load()

	assert.Equal(t, 2, cfg.OCRMaxBackends)
	assert.Equal(t, 0.1, cfg.LLMTemperature)
}

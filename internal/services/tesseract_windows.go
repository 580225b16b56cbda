//go:build windows

package services

import (
	"context"
)

// TesseractBackend is unavailable on Windows builds - run in the Docker image.
type TesseractBackend struct{}

func NewTesseractBackend(languages string) *TesseractBackend {
	return &TesseractBackend{}
}

func (b *TesseractBackend) Name() string { return "tesseract" }

func (b *TesseractBackend) Available() bool { return false }

func (b *TesseractBackend) Extract(ctx context.Context, image []byte) (OCRResult, error) {
	return OCRResult{}, NewError(KindBackendUnavailable, "tesseract is not available on Windows")
}

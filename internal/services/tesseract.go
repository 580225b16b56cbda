//go:build !windows

package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// TesseractBackend runs the local tesseract engine through gosseract.
type TesseractBackend struct {
	languages []string
}

// NewTesseractBackend takes languages in tesseract's "pol+eng" form.
func NewTesseractBackend(languages string) *TesseractBackend {
	var langs []string
	for _, l := range strings.Split(languages, "+") {
		if l = strings.TrimSpace(l); l != "" {
			langs = append(langs, l)
		}
	}
	if len(langs) == 0 {
		langs = []string{"eng"}
	}
	return &TesseractBackend{languages: langs}
}

func (b *TesseractBackend) Name() string { return "tesseract" }

func (b *TesseractBackend) Available() bool { return true }

// Extract creates a client per call; gosseract clients are not safe for
// concurrent use.
func (b *TesseractBackend) Extract(ctx context.Context, image []byte) (OCRResult, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(b.languages...); err != nil {
		return OCRResult{}, NewError(KindBackendUnavailable, "failed to set OCR language: %v", err)
	}
	// PSM 6 = Assume a single uniform block of text
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_BLOCK); err != nil {
		return OCRResult{}, NewError(KindBackendUnavailable, "failed to set page segmentation mode: %v", err)
	}
	if err := client.SetImageFromBytes(image); err != nil {
		return OCRResult{}, NewError(KindBackendUnavailable, "failed to set image: %v", err)
	}
	if err := ctx.Err(); err != nil {
		return OCRResult{}, &PipelineError{Kind: KindBackendTimeout, Err: err}
	}

	text, err := client.Text()
	if err != nil {
		return OCRResult{}, NewError(KindBackendUnavailable, "failed to extract text: %v", err)
	}

	return OCRResult{
		Text:       text,
		Confidence: wordConfidence(client),
		Backend:    b.Name(),
	}, nil
}

// wordConfidence averages tesseract's per-word confidence onto 0..1.
func wordConfidence(client *gosseract.Client) float64 {
	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, box := range boxes {
		sum += box.Confidence
	}
	return sum / float64(len(boxes)) / 100
}

func (b *TesseractBackend) String() string {
	return fmt.Sprintf("tesseract(%s)", strings.Join(b.languages, "+"))
}

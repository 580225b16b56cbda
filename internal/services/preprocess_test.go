package services

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemarcinu/new-egents/internal/logger"
)

func stripedReceipt(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{R: 220, G: 215, B: 200, A: 255}
			if y%16 < 3 && x > w/10 && x < w-w/10 {
				c = color.RGBA{R: 30, G: 30, B: 40, A: 255}
			}
			img.Set(x, y, c)
		}
	}
	return img
}

func TestPreprocessEnhancesImage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, stripedReceipt(200, 320), &jpeg.Options{Quality: 90}))

	p := NewImagePreprocessor(DefaultPreprocessOptions(), logger.Nop())
	res := p.Process(context.Background(), buf.Bytes(), "image/jpeg")

	require.False(t, res.Degraded, "unexpected degradation: %v", res.Err)
	assert.Equal(t, "image/png", res.ContentType)
	assert.Equal(t, []string{"grayscale", "resample", "contrast", "binarize"}, res.Steps)

	out, err := png.Decode(bytes.NewReader(res.Image))
	require.NoError(t, err)
	assert.Equal(t, 1000, out.Bounds().Dx())
	assert.Equal(t, 1600, out.Bounds().Dy())

	gray, ok := out.(*image.Gray)
	require.True(t, ok)
	for _, v := range gray.Pix {
		require.True(t, v == 0 || v == 255, "binarized output must be two-tone")
	}
}

func TestPreprocessCapsLargeImages(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, stripedReceipt(400, 800)))

	opts := DefaultPreprocessOptions()
	opts.MinWidth = 0
	opts.MaxDimension = 400
	opts.Deskew = false
	res := NewImagePreprocessor(opts, logger.Nop()).Process(context.Background(), buf.Bytes(), "image/png")
	require.False(t, res.Degraded)

	cfg, err := png.DecodeConfig(bytes.NewReader(res.Image))
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.Width)
	assert.Equal(t, 400, cfg.Height)
}

func TestPreprocessDegradesOnUndecodableInput(t *testing.T) {
	original := []byte("%PDF-1.4 not an image")
	res := NewImagePreprocessor(DefaultPreprocessOptions(), logger.Nop()).Process(context.Background(), original, "application/pdf")

	assert.True(t, res.Degraded)
	assert.Error(t, res.Err)
	assert.Equal(t, original, res.Image)
	assert.Equal(t, "application/pdf", res.ContentType)
}

func TestPreprocessDegradesOnOversizedImage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, stripedReceipt(100, 100)))

	opts := DefaultPreprocessOptions()
	opts.MaxPixels = 5000
	res := NewImagePreprocessor(opts, logger.Nop()).Process(context.Background(), buf.Bytes(), "image/png")
	assert.True(t, res.Degraded)
	assert.Equal(t, buf.Bytes(), res.Image)
}

func TestOtsuThresholdSplitsBimodalImage(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 10, 10))
	for i := range img.Pix {
		if i%2 == 0 {
			img.Pix[i] = 40
		} else {
			img.Pix[i] = 210
		}
	}
	th := otsuThreshold(img)
	assert.GreaterOrEqual(t, int(th), 40)
	assert.Less(t, int(th), 210)
}

func TestEstimateSkewOnLevelLines(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 200, 200))
	for y := 0; y < 200; y++ {
		for x := 0; x < 200; x++ {
			v := uint8(255)
			if y%20 < 3 && x > 20 && x < 180 {
				v = 0
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	assert.InDelta(t, 0, estimateSkew(img, 5, 0.5), 0.5)
}

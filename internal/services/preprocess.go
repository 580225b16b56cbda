package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	// decoders for the accepted upload formats
	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/codemarcinu/new-egents/internal/logger"
)

// PreprocessResult is the image handed to OCR. When Degraded is set the
// original bytes are returned untouched.
type PreprocessResult struct {
	Image       []byte
	ContentType string
	Degraded    bool
	Steps       []string
	SkewDegrees float64
	Err         error
}

// PreprocessOptions tunes the enhancement steps
type PreprocessOptions struct {
	MaxPixels    int
	MaxDimension int
	MinWidth     int
	MaxSkew      float64
	SkewStep     float64
	Deskew       bool
	Binarize     bool
}

func DefaultPreprocessOptions() PreprocessOptions {
	return PreprocessOptions{
		MaxPixels:    40_000_000,
		MaxDimension: 3000,
		MinWidth:     1000,
		MaxSkew:      5,
		SkewStep:     0.5,
		Deskew:       true,
		Binarize:     true,
	}
}

// ImagePreprocessor normalises receipt photos before text extraction:
// grayscale, resample, contrast stretch, deskew, Otsu binarisation.
type ImagePreprocessor struct {
	opts PreprocessOptions
	log  *logger.Logger
}

func NewImagePreprocessor(opts PreprocessOptions, log *logger.Logger) *ImagePreprocessor {
	return &ImagePreprocessor{opts: opts, log: log.With("component", "ImagePreprocessor")}
}

// Process never fails; problems are reported through Degraded.
func (p *ImagePreprocessor) Process(ctx context.Context, original []byte, contentType string) (res PreprocessResult) {
	degraded := func(err error) PreprocessResult {
		p.log.Warn("Preprocessing failed, using original image", "error", err)
		return PreprocessResult{Image: original, ContentType: contentType, Degraded: true, Err: err}
	}
	defer func() {
		if r := recover(); r != nil {
			res = degraded(fmt.Errorf("panic during preprocessing: %v", r))
		}
	}()

	cfg, _, err := image.DecodeConfig(bytes.NewReader(original))
	if err != nil {
		return degraded(fmt.Errorf("decode config: %w", err))
	}
	if cfg.Width*cfg.Height > p.opts.MaxPixels {
		return degraded(fmt.Errorf("image too large: %dx%d", cfg.Width, cfg.Height))
	}

	src, _, err := image.Decode(bytes.NewReader(original))
	if err != nil {
		return degraded(fmt.Errorf("decode: %w", err))
	}

	var steps []string
	gray := toGray(src)
	steps = append(steps, "grayscale")

	if scaled, ok := p.resample(gray); ok {
		gray = scaled
		steps = append(steps, "resample")
	}
	if err := ctx.Err(); err != nil {
		return degraded(err)
	}

	stretchContrast(gray)
	steps = append(steps, "contrast")

	var skew float64
	if p.opts.Deskew {
		skew = estimateSkew(gray, p.opts.MaxSkew, p.opts.SkewStep)
		if math.Abs(skew) >= p.opts.SkewStep {
			gray = rotateGray(gray, -skew)
			steps = append(steps, "deskew")
		}
	}
	if err := ctx.Err(); err != nil {
		return degraded(err)
	}

	if p.opts.Binarize {
		binarize(gray, otsuThreshold(gray))
		steps = append(steps, "binarize")
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, gray); err != nil {
		return degraded(fmt.Errorf("encode: %w", err))
	}
	return PreprocessResult{
		Image:       buf.Bytes(),
		ContentType: "image/png",
		Steps:       steps,
		SkewDegrees: skew,
	}
}

func toGray(src image.Image) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

func (p *ImagePreprocessor) resample(src *image.Gray) (*image.Gray, bool) {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	scale := 1.0
	longest := w
	if h > longest {
		longest = h
	}
	switch {
	case p.opts.MaxDimension > 0 && longest > p.opts.MaxDimension:
		scale = float64(p.opts.MaxDimension) / float64(longest)
	case p.opts.MinWidth > 0 && w < p.opts.MinWidth:
		scale = float64(p.opts.MinWidth) / float64(w)
		if float64(longest)*scale > float64(p.opts.MaxDimension) && p.opts.MaxDimension > 0 {
			scale = float64(p.opts.MaxDimension) / float64(longest)
		}
	}
	if scale == 1.0 {
		return src, false
	}
	nw, nh := int(float64(w)*scale), int(float64(h)*scale)
	if nw < 1 || nh < 1 {
		return src, false
	}
	dst := image.NewGray(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst, true
}

// stretchContrast maps the 1st..99th percentile range onto 0..255.
func stretchContrast(img *image.Gray) {
	var hist [256]int
	for _, v := range img.Pix {
		hist[v]++
	}
	total := len(img.Pix)
	if total == 0 {
		return
	}
	lo, hi := percentile(hist, total, 0.01), percentile(hist, total, 0.99)
	if hi <= lo {
		return
	}
	span := float64(hi - lo)
	for i, v := range img.Pix {
		switch {
		case int(v) <= lo:
			img.Pix[i] = 0
		case int(v) >= hi:
			img.Pix[i] = 255
		default:
			img.Pix[i] = uint8(float64(int(v)-lo) * 255 / span)
		}
	}
}

func percentile(hist [256]int, total int, q float64) int {
	target := int(float64(total) * q)
	acc := 0
	for v, n := range hist {
		acc += n
		if acc > target {
			return v
		}
	}
	return 255
}

// otsuThreshold picks the threshold maximising between-class variance.
func otsuThreshold(img *image.Gray) uint8 {
	var hist [256]int
	for _, v := range img.Pix {
		hist[v]++
	}
	total := len(img.Pix)
	var sum float64
	for v, n := range hist {
		sum += float64(v * n)
	}

	var sumB, best float64
	var wB int
	threshold := uint8(128)
	for v := 0; v < 256; v++ {
		wB += hist[v]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(v * hist[v])
		mB := sumB / float64(wB)
		mF := (sum - sumB) / float64(wF)
		between := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			threshold = uint8(v)
		}
	}
	return threshold
}

func binarize(img *image.Gray, threshold uint8) {
	for i, v := range img.Pix {
		if v > threshold {
			img.Pix[i] = 255
		} else {
			img.Pix[i] = 0
		}
	}
}

// estimateSkew returns the text line angle in degrees by maximising the
// energy of the horizontal projection profile of dark pixels.
func estimateSkew(img *image.Gray, maxDeg, step float64) float64 {
	if step <= 0 || maxDeg <= 0 {
		return 0
	}
	b := img.Bounds()
	sample := 1
	if b.Dx() > 800 {
		sample = b.Dx() / 800
	}
	threshold := otsuThreshold(img)

	type point struct{ x, y float64 }
	var dark []point
	for y := b.Min.Y; y < b.Max.Y; y += sample {
		for x := b.Min.X; x < b.Max.X; x += sample {
			if img.GrayAt(x, y).Y <= threshold {
				dark = append(dark, point{float64(x), float64(y)})
			}
		}
	}
	if len(dark) == 0 {
		return 0
	}

	bestAngle, bestScore := 0.0, -1.0
	for deg := -maxDeg; deg <= maxDeg+1e-9; deg += step {
		rad := deg * math.Pi / 180
		sin, cos := math.Sin(rad), math.Cos(rad)
		rows := make(map[int]int)
		for _, p := range dark {
			r := int(math.Round((-p.x*sin + p.y*cos) / float64(sample)))
			rows[r]++
		}
		var score float64
		for _, n := range rows {
			score += float64(n * n)
		}
		// prefer the smaller correction on ties
		if score > bestScore || (score == bestScore && math.Abs(deg) < math.Abs(bestAngle)) {
			bestScore, bestAngle = score, deg
		}
	}
	return bestAngle
}

// rotateGray rotates img about its centre by deg degrees, filling with white.
func rotateGray(img *image.Gray, deg float64) *image.Gray {
	b := img.Bounds()
	dst := image.NewGray(b)
	draw.Draw(dst, b, &image.Uniform{C: color.Gray{Y: 255}}, image.Point{}, draw.Src)

	rad := deg * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)
	cx := float64(b.Min.X) + float64(b.Dx())/2
	cy := float64(b.Min.Y) + float64(b.Dy())/2
	m := f64.Aff3{
		cos, -sin, cx - cos*cx + sin*cy,
		sin, cos, cy - sin*cx - cos*cy,
	}
	draw.BiLinear.Transform(dst, m, img, b, draw.Over, nil)
	return dst
}

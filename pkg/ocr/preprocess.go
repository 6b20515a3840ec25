package ocr

import (
	"bytes"
	"image"
	"image/color"
	"log/slog"

	"github.com/disintegration/imaging"
)

// PreprocessConfig controls the image transform applied before recognition.
type PreprocessConfig struct {
	// MaxDimension bounds width and height. Smaller images are never enlarged.
	MaxDimension int
	// Sharpen is the gaussian sigma passed to imaging.Sharpen. Zero skips it.
	Sharpen float64
	// Contrast is an extra imaging.AdjustContrast percentage applied after
	// the histogram stretch.
	Contrast float64
	// Threshold is the global binarization cutoff: luminance >= Threshold is white.
	Threshold uint8
	// Adaptive switches to a mean adaptive threshold over AdaptiveWindow px.
	Adaptive       bool
	AdaptiveWindow int
	AdaptiveBias   int
	// Dilate thickens dark strokes after thresholding.
	Dilate int
}

// DefaultPreprocessConfig is the profile used for every first scan.
func DefaultPreprocessConfig() PreprocessConfig {
	return PreprocessConfig{
		MaxDimension: 1200,
		Sharpen:      1.0,
		Threshold:    128,
	}
}

// AggressivePreprocessConfig is used when a scan is enhanced automatically.
func AggressivePreprocessConfig() PreprocessConfig {
	return PreprocessConfig{
		MaxDimension:   1200,
		Sharpen:        2.0,
		Contrast:       30,
		Threshold:      128,
		Adaptive:       true,
		AdaptiveWindow: 15,
		AdaptiveBias:   7,
		Dilate:         1,
	}
}

// Preprocessor turns a photo into a high-contrast PNG for tesseract.
type Preprocessor struct {
	cfg    PreprocessConfig
	logger *slog.Logger
}

func NewPreprocessor(cfg PreprocessConfig, logger *slog.Logger) *Preprocessor {
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = DefaultPreprocessConfig().MaxDimension
	}
	return &Preprocessor{cfg: cfg, logger: logger.With("component", "preprocess")}
}

// Process returns the transformed image, or data unchanged when it cannot be
// decoded or encoded. It never fails.
func (p *Preprocessor) Process(data []byte) (out []byte) {
	out = data
	if len(data) == 0 {
		return data
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("preprocess panic, using original image", "panic", r)
			out = data
		}
	}()

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		p.logger.Debug("preprocess decode failed, using original image", "error", err, "bytes", len(data))
		return data
	}
	gray := p.transform(img)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, gray, imaging.PNG); err != nil {
		p.logger.Debug("preprocess encode failed, using original image", "error", err)
		return data
	}
	return buf.Bytes()
}

func (p *Preprocessor) transform(img image.Image) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() > p.cfg.MaxDimension || b.Dy() > p.cfg.MaxDimension {
		img = imaging.Fit(img, p.cfg.MaxDimension, p.cfg.MaxDimension, imaging.Lanczos)
	}
	if p.cfg.Sharpen > 0 {
		img = imaging.Sharpen(img, p.cfg.Sharpen)
	}
	img = stretchContrast(img)
	if p.cfg.Contrast != 0 {
		img = imaging.AdjustContrast(img, p.cfg.Contrast)
	}
	gray := imaging.Grayscale(img)
	if p.cfg.Adaptive {
		return dilate(adaptiveThreshold(gray, p.cfg.AdaptiveWindow, p.cfg.AdaptiveBias), p.cfg.Dilate)
	}
	return dilate(binarize(gray, p.cfg.Threshold), p.cfg.Dilate)
}

// stretchContrast maps the darkest luminance to 0 and the brightest to 255.
func stretchContrast(img image.Image) *image.NRGBA {
	src := imaging.Clone(img)
	lo, hi := uint8(255), uint8(0)
	for i := 0; i+3 < len(src.Pix); i += 4 {
		l := luminance(src.Pix[i], src.Pix[i+1], src.Pix[i+2])
		if l < lo {
			lo = l
		}
		if l > hi {
			hi = l
		}
	}
	if hi <= lo {
		return src
	}
	scale := 255 / float64(hi-lo)
	stretch := func(v uint8) uint8 {
		if v <= lo {
			return 0
		}
		f := float64(v-lo) * scale
		if f > 255 {
			return 255
		}
		return uint8(f + 0.5)
	}
	return imaging.AdjustFunc(src, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{R: stretch(c.R), G: stretch(c.G), B: stretch(c.B), A: c.A}
	})
}

func luminance(r, g, b uint8) uint8 {
	return uint8((299*int(r) + 587*int(g) + 114*int(b)) / 1000)
}

// binarize performs a global threshold on a grayscale image.
func binarize(gray *image.NRGBA, threshold uint8) *image.NRGBA {
	out := image.NewNRGBA(gray.Bounds())
	for i := 0; i+3 < len(gray.Pix); i += 4 {
		var v uint8
		if gray.Pix[i] >= threshold {
			v = 255
		}
		out.Pix[i], out.Pix[i+1], out.Pix[i+2], out.Pix[i+3] = v, v, v, 255
	}
	return out
}

// adaptiveThreshold compares each pixel with the mean of its window using an
// integral image.
func adaptiveThreshold(gray *image.NRGBA, window int, bias int) *image.NRGBA {
	if window < 3 {
		window = 3
	}
	if window%2 == 0 {
		window++
	}
	w, h := gray.Bounds().Dx(), gray.Bounds().Dy()
	out := imaging.New(w, h, color.NRGBA{255, 255, 255, 255})
	if w == 0 || h == 0 {
		return out
	}
	at := func(x, y int) int { return int(gray.Pix[y*gray.Stride+x*4]) }

	// integral has a zero row and column so window sums need no edge cases.
	integral := make([]int, (w+1)*(h+1))
	for y := 0; y < h; y++ {
		row := 0
		for x := 0; x < w; x++ {
			row += at(x, y)
			integral[(y+1)*(w+1)+x+1] = integral[y*(w+1)+x+1] + row
		}
	}
	half := window / 2
	for y := 0; y < h; y++ {
		y0, y1 := max(y-half, 0), min(y+half, h-1)
		for x := 0; x < w; x++ {
			x0, x1 := max(x-half, 0), min(x+half, w-1)
			sum := integral[(y1+1)*(w+1)+x1+1] - integral[y0*(w+1)+x1+1] - integral[(y1+1)*(w+1)+x0] + integral[y0*(w+1)+x0]
			mean := sum / ((x1 - x0 + 1) * (y1 - y0 + 1))
			if at(x, y) < max(mean-bias, 0) {
				i := y*out.Stride + x*4
				out.Pix[i], out.Pix[i+1], out.Pix[i+2] = 0, 0, 0
			}
		}
	}
	return out
}

// dilate grows black pixels over the 4-neighborhood radius times.
func dilate(img *image.NRGBA, radius int) *image.NRGBA {
	if radius <= 0 {
		return img
	}
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	cur := img
	for r := 0; r < radius; r++ {
		next := imaging.New(w, h, color.NRGBA{255, 255, 255, 255})
		black := func(x, y int) bool {
			if x < 0 || y < 0 || x >= w || y >= h {
				return false
			}
			return cur.Pix[y*cur.Stride+x*4] == 0
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				if black(x, y) || black(x+1, y) || black(x-1, y) || black(x, y+1) || black(x, y-1) {
					i := y*next.Stride + x*4
					next.Pix[i], next.Pix[i+1], next.Pix[i+2] = 0, 0, 0
				}
			}
		}
		cur = next
	}
	return cur
}

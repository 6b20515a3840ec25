// Package detect locates cards in a photo. There is no detection model yet:
// Cards returns a single region shaped like a standard card and centred in
// the frame, which is right for single-card photos only.
package detect

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// ErrUndecodable is returned when the image cannot be decoded.
var ErrUndecodable = errors.New("image cannot be decoded")

// Card aspect ratio, 59mm by 86mm.
const (
	cardWidth  = 59
	cardHeight = 86
	// coverage is the share of the limiting frame side the region spans.
	coverage   = 0.9
	// Confidence reported for the heuristic region.
	Confidence = 0.5
)

type Region struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float64 `json:"confidence"`
}

// Cards returns the card regions found in img.
func Cards(img []byte) ([]Region, error) {
	src, err := imaging.Decode(bytes.NewReader(img), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUndecodable, err)
	}
	return []Region{centred(src.Bounds())}, nil
}

func centred(b image.Rectangle) Region {
	w, h := b.Dx(), b.Dy()
	rw := int(float64(w) * coverage)
	rh := rw * cardHeight / cardWidth
	if limit := int(float64(h) * coverage); rh > limit {
		rh = limit
		rw = rh * cardWidth / cardHeight
	}
	return Region{
		X:          b.Min.X + (w-rw)/2,
		Y:          b.Min.Y + (h-rh)/2,
		Width:      rw,
		Height:     rh,
		Confidence: Confidence,
	}
}

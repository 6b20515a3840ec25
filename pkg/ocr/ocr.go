// Package ocr prepares card photos for tesseract and runs recognition under
// a bounded worker pool.
package ocr

import (
	"context"
	"image"
)

// Language is the tesseract language used for every card.
const Language = "eng"

// PageMode selects tesseract page segmentation.
type PageMode int

const (
	PageAuto PageMode = iota
	PageSingleBlock
	PageSparseText
)

func (m PageMode) String() string {
	switch m {
	case PageSingleBlock:
		return "single_block"
	case PageSparseText:
		return "sparse_text"
	default:
		return "auto"
	}
}

// Options parameterize a single recognition pass.
type Options struct {
	Language string
	PageMode PageMode
}

// Word is one recognized word with its confidence (0-100) and pixel box.
type Word struct {
	Text       string
	Confidence float64
	Box        image.Rectangle
}

// Result is the output of one recognition pass. Confidence is 0-100.
type Result struct {
	Text       string
	Confidence float64
	Words      []Word
	PageMode   PageMode
}

// Empty reports whether nothing but whitespace was recognized.
func (r Result) Empty() bool {
	return Normalize(r.Text) == ""
}

// Recognizer runs a single OCR pass over an encoded image.
type Recognizer interface {
	Recognize(ctx context.Context, img []byte, opts Options) (Result, error)
}

// MeanConfidence averages word confidences, ignoring tesseract's -1 markers.
func MeanConfidence(words []Word) float64 {
	var sum float64
	n := 0
	for _, w := range words {
		if w.Confidence < 0 {
			continue
		}
		sum += w.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

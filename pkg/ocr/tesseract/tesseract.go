// Package tesseract implements ocr.Recognizer on top of gosseract.
package tesseract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"cardscan/pkg/ocr"
)

// Recognizer creates a fresh gosseract client per pass; clients are not safe
// for concurrent use.
type Recognizer struct {
	tessdataPrefix string
	logger         *slog.Logger
}

func New(tessdataPrefix string, logger *slog.Logger) *Recognizer {
	return &Recognizer{tessdataPrefix: tessdataPrefix, logger: logger.With("component", "tesseract")}
}

func pageSegMode(m ocr.PageMode) gosseract.PageSegMode {
	switch m {
	case ocr.PageSingleBlock:
		return gosseract.PSM_SINGLE_BLOCK
	case ocr.PageSparseText:
		return gosseract.PSM_SPARSE_TEXT
	default:
		return gosseract.PSM_AUTO
	}
}

func (r *Recognizer) Recognize(ctx context.Context, img []byte, opts ocr.Options) (ocr.Result, error) {
	if err := ctx.Err(); err != nil {
		return ocr.Result{}, err
	}
	lang := opts.Language
	if lang == "" {
		lang = ocr.Language
	}

	client := gosseract.NewClient()
	defer client.Close()
	if r.tessdataPrefix != "" {
		if err := client.SetTessdataPrefix(r.tessdataPrefix); err != nil {
			return ocr.Result{}, fmt.Errorf("%w: tessdata prefix: %v", ocr.ErrRecognition, err)
		}
	}
	if err := client.SetLanguage(lang); err != nil {
		return ocr.Result{}, fmt.Errorf("%w: set language: %v", ocr.ErrRecognition, err)
	}
	if err := client.SetPageSegMode(pageSegMode(opts.PageMode)); err != nil {
		return ocr.Result{}, fmt.Errorf("%w: set page mode: %v", ocr.ErrRecognition, err)
	}
	if err := client.SetImageFromBytes(img); err != nil {
		return ocr.Result{}, fmt.Errorf("%w: set image: %v", ocr.ErrRecognition, err)
	}
	text, err := client.Text()
	if err != nil {
		return ocr.Result{}, fmt.Errorf("%w: %v", ocr.ErrRecognition, err)
	}
	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return ocr.Result{}, fmt.Errorf("%w: word boxes: %v", ocr.ErrRecognition, err)
	}

	words := make([]ocr.Word, 0, len(boxes))
	for _, b := range boxes {
		w := strings.TrimSpace(b.Word)
		if w == "" {
			continue
		}
		words = append(words, ocr.Word{Text: w, Confidence: b.Confidence, Box: b.Box})
	}
	res := ocr.Result{
		Text:       text,
		Confidence: ocr.MeanConfidence(words),
		Words:      words,
		PageMode:   opts.PageMode,
	}
	r.logger.Debug("OCR RAW", "mode", opts.PageMode, "words", len(words), "confidence", res.Confidence, "snippet", ocr.Snippet(ocr.Normalize(text), 180))
	return res, nil
}

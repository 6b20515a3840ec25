package ocr

import (
	"context"
	"log/slog"
)

// RunPasses recognizes img once per page mode and returns the best pass.
// It fails only when every pass fails, returning the last error.
func RunPasses(ctx context.Context, rec Recognizer, img []byte, modes []PageMode, logger *slog.Logger) (Result, error) {
	if len(modes) == 0 {
		modes = []PageMode{PageAuto}
	}
	var (
		passes  []Result
		lastErr error
	)
	for _, mode := range modes {
		res, err := rec.Recognize(ctx, img, Options{Language: Language, PageMode: mode})
		if err != nil {
			logger.Debug("recognition pass failed", "mode", mode, "error", err)
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		res.PageMode = mode
		passes = append(passes, res)
		logger.Debug("recognition pass", "mode", mode, "confidence", res.Confidence, "words", len(res.Words), "score", ScorePass(res), "snippet", Snippet(Normalize(res.Text), 120))
	}
	best, ok := BestPass(passes)
	if !ok {
		return Result{}, lastErr
	}
	logger.Info("recognition passes summary", "passes", len(passes), "modes", len(modes), "chosen", passes[best].PageMode, "confidence", passes[best].Confidence)
	return passes[best], nil
}

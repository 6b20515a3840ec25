package scan

import (
	"context"
	"log/slog"
	"time"

	"cardscan/pkg/cardparse"
	"cardscan/pkg/catalog"
	"cardscan/pkg/ocr"
)

// Strategy selects the preprocessing profile and page modes of a run.
type Strategy int

const (
	// StrategyStandard is one auto-segmented pass on the default profile.
	StrategyStandard Strategy = iota
	// StrategyAggressive uses the aggressive profile and two passes.
	StrategyAggressive
)

func (s Strategy) modes() []ocr.PageMode {
	if s == StrategyAggressive {
		return []ocr.PageMode{ocr.PageSingleBlock, ocr.PageSparseText}
	}
	return []ocr.PageMode{ocr.PageAuto}
}

// PipelineConfig holds the tunables of every pipeline stage.
type PipelineConfig struct {
	Preprocess ocr.PreprocessConfig
	Aggressive ocr.PreprocessConfig
	Params     cardparse.Params
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Preprocess: ocr.DefaultPreprocessConfig(),
		Aggressive: ocr.AggressivePreprocessConfig(),
		Params:     cardparse.DefaultParams(),
	}
}

// Pipeline runs preprocessing, recognition, classification and catalog
// resolution. It keeps no state between runs.
type Pipeline struct {
	pre        *ocr.Preprocessor
	aggressive *ocr.Preprocessor
	rec        ocr.Recognizer
	resolver   *catalog.Resolver
	params     cardparse.Params
	metrics    *Metrics
	logger     *slog.Logger
}

func NewPipeline(rec ocr.Recognizer, resolver *catalog.Resolver, cfg PipelineConfig, metrics *Metrics, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		pre:        ocr.NewPreprocessor(cfg.Preprocess, logger),
		aggressive: ocr.NewPreprocessor(cfg.Aggressive, logger),
		rec:        rec,
		resolver:   resolver,
		params:     cfg.Params,
		metrics:    metrics,
		logger:     logger.With("component", "pipeline"),
	}
}

// Identification is everything one run learned about an image.
type Identification struct {
	OCR        ocr.Result
	Candidate  cardparse.Candidate
	Regions    []cardparse.Region
	Resolution catalog.Resolution
}

// Recognize preprocesses img and returns the best recognition pass.
func (p *Pipeline) Recognize(ctx context.Context, img []byte, s Strategy) (ocr.Result, error) {
	if len(img) == 0 {
		return ocr.Result{}, ocr.ErrEmptyImage
	}
	start := time.Now()
	processed := p.Preprocess(img, s)
	res, err := ocr.RunPasses(ctx, p.rec, processed, s.modes(), p.logger)
	p.metrics.observeOCR(time.Since(start))
	return res, err
}

// Preprocess returns the image the recognizer sees for strategy s.
func (p *Pipeline) Preprocess(img []byte, s Strategy) []byte {
	if s == StrategyAggressive {
		return p.aggressive.Process(img)
	}
	return p.pre.Process(img)
}

// Classify reads candidate fields and word regions from a recognition result.
func (p *Pipeline) Classify(res ocr.Result) (cardparse.Candidate, []cardparse.Region) {
	return cardparse.Classify(res, p.params), cardparse.Regions(res.Words, p.params)
}

// Resolve looks name up in the catalog. It never fails.
func (p *Pipeline) Resolve(ctx context.Context, name string) catalog.Resolution {
	r := p.resolver.Resolve(ctx, name)
	p.metrics.observeLookup(r)
	return r
}

// Identify runs every stage on img. Only recognition errors are returned.
func (p *Pipeline) Identify(ctx context.Context, img []byte, s Strategy) (Identification, error) {
	res, err := p.Recognize(ctx, img, s)
	if err != nil {
		return Identification{}, err
	}
	cand, regions := p.Classify(res)
	p.logger.Info("classified card text", "name", cand.Name, "type", cand.Type, "confidence", res.Confidence, "words", len(res.Words), "snippet", ocr.Snippet(ocr.Normalize(res.Text), 80))
	return Identification{
		OCR:        res,
		Candidate:  cand,
		Regions:    regions,
		Resolution: p.Resolve(ctx, cand.Name),
	}, nil
}

package scan

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"cardscan/models"
	"cardscan/pkg/cardparse"
	"cardscan/pkg/catalog"
	"cardscan/pkg/ocr"
)

// Mode selects how an enhancement run identifies the card.
type Mode string

const (
	// ModeAuto re-recognizes the image harder, without human input.
	ModeAuto Mode = "auto"
	// ModeManual identifies the card from hints; stored text corroborates.
	ModeManual Mode = "manual"
	// ModeHybrid re-recognizes the image and lets hints steer the fields.
	ModeHybrid Mode = "hybrid"
)

// ParseMode accepts the three mode names; empty means auto.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeManual:
		return ModeManual, nil
	case ModeHybrid:
		return ModeHybrid, nil
	}
	return "", fmt.Errorf("%w %q", ErrInvalidMode, s)
}

type EnhancementRequest struct {
	ScanID  uint
	OwnerID uint
	Mode    Mode
	Hints   models.Hints
}

type EnhancementResult struct {
	Scan       *models.ScanAttempt `json:"scan"`
	Candidate  cardparse.Candidate `json:"candidate"`
	Reasoning  string              `json:"reasoning"`
	Confidence float64             `json:"confidence"`
}

const placeholderEnhanced = "Enhanced Scan"

// Orchestrator runs a second identification attempt on an existing scan.
// It shares the manager's in-flight guard, so an enhancement never races a
// retry of the same scan.
type Orchestrator struct {
	m      *Manager
	logger *slog.Logger
}

func NewOrchestrator(m *Manager, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{m: m, logger: logger.With("component", "enhancer")}
}

// attempt is what one enhancement run produced before persistence.
type attempt struct {
	id          Identification
	corroborate bool
	reasons     []string
}

// Enhance re-identifies the card of req.ScanID. On failure the linked card
// is left untouched, an identified scan keeps its state and a pending scan
// becomes failed; the returned error wraps ErrEnhanceFailed.
func (o *Orchestrator) Enhance(ctx context.Context, req EnhancementRequest) (*EnhancementResult, error) {
	mode, err := ParseMode(string(req.Mode))
	if err != nil {
		return nil, err
	}
	if req.OwnerID == 0 {
		return nil, ErrMissingOwner
	}
	if mode == ModeManual && req.Hints.Empty() {
		return nil, ErrHintsRequired
	}
	scan, release, err := o.m.acquire(ctx, req.ScanID, req.OwnerID)
	if err != nil {
		return nil, err
	}
	defer release()

	o.logger.Info("enhancing scan", "scan_id", scan.ID, "mode", mode, "status", scan.Status, "hints", !req.Hints.Empty())
	var a attempt
	switch mode {
	case ModeManual:
		a = o.manual(ctx, scan, req.Hints)
	default:
		a, err = o.recognize(ctx, scan, mode, req.Hints)
	}
	if err != nil {
		return nil, o.failed(ctx, scan, mode, req.Hints, err)
	}

	card, err := o.cardFor(ctx, scan, a.id)
	if err != nil {
		return nil, o.failed(ctx, scan, mode, req.Hints, fmt.Errorf("save card: %w", err))
	}

	conf := enhancementConfidence(mode, a.id.OCR.Confidence, req.Hints, a.id.Resolution, a.corroborate)
	a.reasons = append(a.reasons, resolutionReason(a.id.Resolution))
	reasoning := strings.Join(a.reasons, "; ")

	diag := a.id.Diagnostics()
	diag.Verification.CardNameMatch = a.id.Resolution.Matched() || a.corroborate
	diag.EnhancementMode = string(mode)
	diag.OriginalScanID = scan.ID
	diag.Reasoning = reasoning
	if !req.Hints.Empty() {
		h := req.Hints
		diag.ManualHints = &h
	}

	scan.Status = models.ScanIdentified
	scan.Confidence = &conf
	scan.Diagnostics = diag
	scan.CardID = &card.ID
	scan.Card = card
	if err := o.m.persist(ctx, scan); err != nil {
		return nil, err
	}
	o.m.metrics.observeScan("enhance", scan.Status)
	o.m.metrics.observeEnhancement(mode, true)
	o.logger.Info("enhancement identified card", "scan_id", scan.ID, "card_id", card.ID, "name", card.Name, "confidence", conf)
	return &EnhancementResult{Scan: scan, Candidate: a.id.Candidate, Reasoning: reasoning, Confidence: conf}, nil
}

// recognize re-reads the image with the aggressive strategy. In hybrid mode
// known text is appended before classification and hints override fields.
func (o *Orchestrator) recognize(ctx context.Context, scan *models.ScanAttempt, mode Mode, h models.Hints) (attempt, error) {
	img, err := o.m.sources.Resolve(ctx, scan.SourceImageRef)
	if err != nil {
		return attempt{}, fmt.Errorf("resolve image: %w", err)
	}
	p := o.m.pipeline
	res, err := p.Recognize(ctx, img, StrategyAggressive)
	if err != nil {
		return attempt{}, err
	}
	a := attempt{reasons: []string{fmt.Sprintf("aggressive preprocessing, best pass %s at %.0f%% confidence", res.PageMode, res.Confidence)}}

	if mode == ModeHybrid {
		a.corroborate = mentions(res.Text, h.CardName)
		if known := strings.TrimSpace(h.KnownText); known != "" {
			res.Text = joinText(res.Text, known)
			a.reasons = append(a.reasons, "known text added to recognized text")
		}
	}
	cand, regions := p.Classify(res)
	if mode == ModeHybrid {
		a.reasons = append(a.reasons, applyHints(&cand, h, p.params)...)
		if a.corroborate {
			a.reasons = append(a.reasons, "hinted name appears in recognized text")
		}
	}
	a.id = Identification{OCR: res, Candidate: cand, Regions: regions, Resolution: p.Resolve(ctx, cand.Name)}
	return a, nil
}

// manual builds the candidate from hints. The stored text of the previous
// attempt fills fields the hints leave open and corroborates the name.
func (o *Orchestrator) manual(ctx context.Context, scan *models.ScanAttempt, h models.Hints) attempt {
	p := o.m.pipeline
	var prior ocr.Result
	if d := scan.Diagnostics; d != nil {
		prior = ocr.Result{Text: d.FullText, Confidence: d.Confidence}
	}
	a := attempt{corroborate: mentions(prior.Text, h.CardName)}
	text := prior.Text
	contradicted := prior.Text != "" && strings.TrimSpace(h.CardName) != "" && !a.corroborate
	if contradicted {
		// The previous text belongs to another card; its fields must not leak.
		text = ""
	}
	if known := strings.TrimSpace(h.KnownText); known != "" {
		text = joinText(text, known)
	}
	cand, _ := p.Classify(ocr.Result{Text: text, Confidence: prior.Confidence})
	a.reasons = append(a.reasons, applyHints(&cand, h, p.params)...)
	switch {
	case prior.Text == "":
		a.reasons = append(a.reasons, "no previously recognized text to corroborate")
	case a.corroborate:
		a.reasons = append(a.reasons, "hinted name appears in previously recognized text")
	case contradicted:
		a.reasons = append(a.reasons, "previously recognized text does not mention the hinted name and was ignored")
	}
	a.id = Identification{OCR: prior, Candidate: cand, Resolution: p.Resolve(ctx, cand.Name)}
	return a
}

// cardFor links the result to a card. Besides the lifecycle rules, an
// unmatched result may link a stored card of the same name.
func (o *Orchestrator) cardFor(ctx context.Context, scan *models.ScanAttempt, id Identification) (*models.CardRecord, error) {
	return o.m.linkCard(ctx, scan, id.Candidate, id.Resolution, placeholderName(placeholderEnhanced, o.m.now()), true)
}

// failed applies the failure rules and returns the error for the caller.
func (o *Orchestrator) failed(ctx context.Context, scan *models.ScanAttempt, mode Mode, h models.Hints, cause error) error {
	o.m.metrics.observeEnhancement(mode, false)
	o.logger.Warn("enhancement failed", "scan_id", scan.ID, "mode", mode, "status", scan.Status, "error", cause)
	if scan.Status == models.ScanPending {
		diag := &models.Diagnostics{
			Regions:         []models.Region{},
			Error:           cause.Error(),
			EnhancementMode: string(mode),
			OriginalScanID:  scan.ID,
		}
		if !h.Empty() {
			diag.ManualHints = &h
		}
		scan.Status = models.ScanFailed
		scan.Diagnostics = diag
		if err := o.m.persist(ctx, scan); err != nil {
			return fmt.Errorf("%w: %w (%w)", ErrEnhanceFailed, cause, err)
		}
		o.m.metrics.observeScan("enhance", scan.Status)
	}
	return fmt.Errorf("%w: %w", ErrEnhanceFailed, cause)
}

// applyHints overrides candidate fields with usable hints and returns one
// reason per hint applied.
func applyHints(c *cardparse.Candidate, h models.Hints, p cardparse.Params) []string {
	var reasons []string
	if name := cardparse.CleanName(h.CardName, p); name != "" {
		c.Name = name
		reasons = append(reasons, "name from hint")
	}
	if t := cardparse.ParseCardType(h.CardType); t != cardparse.TypeUnknown {
		c.Type = t
		reasons = append(reasons, "type from hint")
	}
	if attr, ok := cardparse.ParseAttribute(h.Attribute); ok {
		c.Attribute = &attr
		reasons = append(reasons, "attribute from hint")
	}
	if d := strings.TrimSpace(h.Description); d != "" {
		c.Effect = d
		reasons = append(reasons, "description from hint")
	}
	return reasons
}

func resolutionReason(r catalog.Resolution) string {
	switch {
	case r.Skipped:
		return "name too short for catalog lookup"
	case r.Matched() && r.Ambiguous:
		return fmt.Sprintf("ambiguous %s catalog match %q, first result taken", r.Mode, r.Entry.Name)
	case r.Matched():
		return fmt.Sprintf("%s catalog match %q", r.Mode, r.Entry.Name)
	case r.Err != nil:
		return "catalog unavailable, local fields kept"
	}
	return "no catalog match, local fields kept"
}

// enhancementConfidence scores a run on the 0-1 scale. Recognition gives the
// base for auto, hints for manual and the larger of both for hybrid; catalog
// matches and a corroborated name add to it.
func enhancementConfidence(mode Mode, ocrConfidence float64, h models.Hints, r catalog.Resolution, corroborated bool) float64 {
	hintBase := 0.3
	if strings.TrimSpace(h.CardName) != "" {
		hintBase = 0.5
	}
	var c float64
	switch mode {
	case ModeManual:
		c = hintBase
	case ModeHybrid:
		c = scanConfidence(ocrConfidence)
		if !h.Empty() && hintBase > c {
			c = hintBase
		}
	default:
		c = scanConfidence(ocrConfidence)
	}
	switch r.Mode {
	case catalog.MatchExact:
		c += 0.2
	case catalog.MatchFuzzy:
		c += 0.1
	}
	if corroborated {
		c += 0.1
	}
	if c > 1 {
		c = 1
	}
	return c
}

func mentions(text, name string) bool {
	name = strings.ToLower(ocr.Normalize(name))
	if name == "" {
		return false
	}
	return strings.Contains(strings.ToLower(ocr.Normalize(text)), name)
}

func joinText(text, extra string) string {
	if strings.TrimSpace(text) == "" {
		return extra
	}
	return text + "\n" + extra
}

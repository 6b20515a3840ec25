package scan

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"cardscan/models"
	"cardscan/pkg/blobstore"
	"cardscan/pkg/cardparse"
	"cardscan/pkg/catalog"
)

// Manager owns the scan lifecycle: pending on creation, then identified or
// failed after each processing attempt. Failed and pending scans can be
// retried against the original image.
type Manager struct {
	store    Store
	blobs    blobstore.Store
	sources  *SourceResolver
	pipeline *Pipeline
	guard    *inflight
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewManager(store Store, blobs blobstore.Store, sources *SourceResolver, pipeline *Pipeline, metrics *Metrics, logger *slog.Logger) *Manager {
	if sources == nil {
		sources = NewSourceResolver(blobs, nil, nil)
	}
	return &Manager{
		store:    store,
		blobs:    blobs,
		sources:  sources,
		pipeline: pipeline,
		guard:    newInflight(),
		metrics:  metrics,
		logger:   logger.With("component", "scan_manager"),
		now:      time.Now,
	}
}

// Create keeps the image in the blob store and persists a pending scan.
func (m *Manager) Create(ctx context.Context, ownerID uint, img []byte, contentType string) (*models.ScanAttempt, error) {
	if ownerID == 0 {
		return nil, ErrMissingOwner
	}
	if len(img) == 0 {
		return nil, ErrMissingImage
	}
	if contentType == "" {
		contentType = http.DetectContentType(img)
	}
	ref, err := m.blobs.Store(ctx, img, contentType)
	if err != nil {
		return nil, fmt.Errorf("store image: %w", err)
	}
	return m.createPending(ctx, ownerID, ref, contentType)
}

// CreateFromReference persists a pending scan for an image given as a data
// URI or an http(s) URL on an allowed host. The image is read when the scan
// is processed.
func (m *Manager) CreateFromReference(ctx context.Context, ownerID uint, ref string) (*models.ScanAttempt, error) {
	if ownerID == 0 {
		return nil, ErrMissingOwner
	}
	if ref == "" {
		return nil, ErrMissingImage
	}
	var contentType string
	switch {
	case blobstore.IsDataURI(ref):
		_, ct, err := blobstore.DecodeDataURI(ref)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		contentType = ct
	case isHTTPURL(ref):
		if err := m.sources.CheckURL(ref); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: image reference must be a data URI or http(s) URL", ErrInvalidRequest)
	}
	return m.createPending(ctx, ownerID, ref, contentType)
}

func (m *Manager) createPending(ctx context.Context, ownerID uint, ref, contentType string) (*models.ScanAttempt, error) {
	scan := &models.ScanAttempt{
		OwnerID:        ownerID,
		SourceImageRef: ref,
		ContentType:    contentType,
		Status:         models.ScanPending,
	}
	if err := m.store.CreateScan(ctx, scan); err != nil {
		return nil, fmt.Errorf("create scan: %w", err)
	}
	m.logger.Info("scan created", "scan_id", scan.ID, "owner_id", ownerID, "content_type", contentType)
	return scan, nil
}

// Submit creates a scan and processes it right away.
func (m *Manager) Submit(ctx context.Context, ownerID uint, img []byte, contentType string) (*models.ScanAttempt, error) {
	scan, err := m.Create(ctx, ownerID, img, contentType)
	if err != nil {
		return nil, err
	}
	if !m.guard.acquire(scan.ID) {
		return scan, ErrScanBusy
	}
	defer m.guard.release(scan.ID)
	return m.run(ctx, scan, img, "process", false)
}

// Process runs the pipeline on a pending scan created earlier. Pipeline
// failures end in status failed and are not returned as errors.
func (m *Manager) Process(ctx context.Context, scanID, ownerID uint) (*models.ScanAttempt, error) {
	scan, release, err := m.acquire(ctx, scanID, ownerID)
	if err != nil {
		return nil, err
	}
	defer release()
	if scan.Status != models.ScanPending {
		return nil, fmt.Errorf("%w: scan %d is %s", ErrInvalidRequest, scan.ID, scan.Status)
	}
	img, err := m.sources.Resolve(ctx, scan.SourceImageRef)
	if err != nil {
		return m.fail(ctx, scan, "process", fmt.Errorf("resolve image: %w", err), false)
	}
	return m.run(ctx, scan, img, "process", false)
}

// Retry reprocesses the original image of a failed or pending scan. The
// linked card is rebuilt in place only while no other scan shares it.
func (m *Manager) Retry(ctx context.Context, scanID, ownerID uint) (*models.ScanAttempt, error) {
	scan, release, err := m.acquire(ctx, scanID, ownerID)
	if err != nil {
		return nil, err
	}
	defer release()
	if scan.Status != models.ScanFailed && scan.Status != models.ScanPending {
		return nil, ErrNotRetryable
	}
	m.logger.Info("retrying scan", "scan_id", scan.ID, "previous_status", scan.Status)
	img, err := m.sources.Resolve(ctx, scan.SourceImageRef)
	if err != nil {
		return m.fail(ctx, scan, "retry", fmt.Errorf("resolve image: %w", err), true)
	}
	return m.run(ctx, scan, img, "retry", true)
}

// Get returns one of the owner's scans.
func (m *Manager) Get(ctx context.Context, scanID, ownerID uint) (*models.ScanAttempt, error) {
	return m.load(ctx, scanID, ownerID)
}

// List returns the owner's scans newest first.
func (m *Manager) List(ctx context.Context, ownerID uint, status models.ScanStatus, limit, offset int) ([]models.ScanAttempt, error) {
	if ownerID == 0 {
		return nil, ErrMissingOwner
	}
	return m.store.ListScans(ctx, ownerID, status, limit, offset)
}

// Counts returns the owner's scan count per status.
func (m *Manager) Counts(ctx context.Context, ownerID uint) (map[models.ScanStatus]int64, error) {
	if ownerID == 0 {
		return nil, ErrMissingOwner
	}
	return m.store.CountScans(ctx, ownerID)
}

func (m *Manager) load(ctx context.Context, scanID, ownerID uint) (*models.ScanAttempt, error) {
	if ownerID == 0 {
		return nil, ErrMissingOwner
	}
	scan, err := m.store.FindScan(ctx, scanID)
	if err != nil {
		return nil, err
	}
	if scan.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	return scan, nil
}

// acquire marks the scan in flight and loads it. The returned release must
// be called once the operation is done.
func (m *Manager) acquire(ctx context.Context, scanID, ownerID uint) (*models.ScanAttempt, func(), error) {
	if ownerID == 0 {
		return nil, nil, ErrMissingOwner
	}
	if !m.guard.acquire(scanID) {
		return nil, nil, ErrScanBusy
	}
	release := func() { m.guard.release(scanID) }
	scan, err := m.load(ctx, scanID, ownerID)
	if err != nil {
		release()
		return nil, nil, err
	}
	return scan, release, nil
}

func (m *Manager) run(ctx context.Context, scan *models.ScanAttempt, img []byte, op string, retry bool) (*models.ScanAttempt, error) {
	id, err := m.pipeline.Identify(ctx, img, StrategyStandard)
	if err != nil {
		return m.fail(ctx, scan, op, err, retry)
	}
	prefix := placeholderScan
	if retry {
		prefix = placeholderRetry
	}
	card, err := m.cardFor(ctx, scan, id.Candidate, id.Resolution, placeholderName(prefix, m.now()))
	if err != nil {
		return m.fail(ctx, scan, op, fmt.Errorf("save card: %w", err), retry)
	}

	diag := id.Diagnostics()
	if retry {
		m.markRetry(diag)
	}
	conf := scanConfidence(id.OCR.Confidence)
	scan.Status = models.ScanIdentified
	scan.Confidence = &conf
	scan.Diagnostics = diag
	scan.CardID = &card.ID
	scan.Card = card
	if err := m.persist(ctx, scan); err != nil {
		return nil, err
	}
	m.metrics.observeScan(op, scan.Status)
	m.logger.Info("scan identified", "scan_id", scan.ID, "card_id", card.ID, "name", card.Name, "catalog", id.Resolution.Mode, "confidence", conf)
	return scan, nil
}

// fail records cause on the scan and moves it to failed. The error is only
// returned when the scan itself could not be saved.
func (m *Manager) fail(ctx context.Context, scan *models.ScanAttempt, op string, cause error, retry bool) (*models.ScanAttempt, error) {
	m.logger.Warn("scan failed", "scan_id", scan.ID, "operation", op, "error", cause)
	diag := &models.Diagnostics{Regions: []models.Region{}, Error: cause.Error()}
	if retry {
		m.markRetry(diag)
	}
	scan.Status = models.ScanFailed
	scan.Diagnostics = diag
	if err := m.persist(ctx, scan); err != nil {
		return nil, err
	}
	m.metrics.observeScan(op, scan.Status)
	return scan, nil
}

func (m *Manager) markRetry(d *models.Diagnostics) {
	ts := m.now().UTC()
	d.RetryAttempt = true
	d.RetryTimestamp = &ts
}

// persist saves the scan even when ctx was cancelled so that no attempt is
// left pending.
func (m *Manager) persist(ctx context.Context, scan *models.ScanAttempt) error {
	if err := m.store.SaveScan(context.WithoutCancel(ctx), scan); err != nil {
		return fmt.Errorf("save scan %d: %w", scan.ID, err)
	}
	return nil
}

// cardFor returns the card a processed scan links to.
func (m *Manager) cardFor(ctx context.Context, scan *models.ScanAttempt, cand cardparse.Candidate, res catalog.Resolution, placeholder string) (*models.CardRecord, error) {
	return m.linkCard(ctx, scan, cand, res, placeholder, false)
}

// linkCard picks the card for a new identification of scan. The scan's own
// card is rebuilt in place only when no other scan links to it and it has no
// external code or the matched one. A catalog match otherwise links the card
// already holding that code; with byName set, an unmatched candidate links a
// stored card of the same name. Anything else gets a new card. Cards shared
// with other scans are never modified.
func (m *Manager) linkCard(ctx context.Context, scan *models.ScanAttempt, cand cardparse.Candidate, res catalog.Resolution, placeholder string, byName bool) (*models.CardRecord, error) {
	linked, err := m.linkedCard(ctx, scan)
	if err != nil {
		return nil, err
	}
	own := false
	if linked != nil {
		others, err := m.store.CountCardScans(ctx, linked.ID, scan.ID)
		if err != nil {
			return nil, err
		}
		own = others == 0
	}

	if res.Matched() {
		code := res.Entry.Code()
		if linked != nil && linked.ExternalCode != nil && *linked.ExternalCode == code {
			if !own {
				return linked, nil
			}
			return m.rebuildCard(ctx, linked, scan, cand, res, placeholder)
		}
		existing, err := m.store.FindCardByExternalCode(ctx, code)
		if err != nil || existing != nil {
			return existing, err
		}
	} else if byName && cand.Name != "" && !(own && linked.ExternalCode == nil) {
		existing, err := m.store.FindCardByName(ctx, cand.Name)
		if err != nil || existing != nil {
			return existing, err
		}
	}

	if own && linked.ExternalCode == nil {
		return m.rebuildCard(ctx, linked, scan, cand, res, placeholder)
	}
	return m.rebuildCard(ctx, nil, scan, cand, res, placeholder)
}

func (m *Manager) linkedCard(ctx context.Context, scan *models.ScanAttempt) (*models.CardRecord, error) {
	if scan.CardID == nil {
		return nil, nil
	}
	if scan.Card != nil && scan.Card.ID == *scan.CardID {
		return scan.Card, nil
	}
	return m.store.FindCard(ctx, *scan.CardID)
}

// rebuildCard saves a record built only from this identification, reusing
// the id of prev when given. Nothing of prev's content survives.
func (m *Manager) rebuildCard(ctx context.Context, prev *models.CardRecord, scan *models.ScanAttempt, cand cardparse.Candidate, res catalog.Resolution, placeholder string) (*models.CardRecord, error) {
	card := buildCard(cand, res, placeholder)
	if prev != nil {
		card.ID, card.CreatedAt = prev.ID, prev.CreatedAt
	}
	card.SourceImageRef = scan.SourceImageRef
	if err := m.store.SaveCard(ctx, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

package scan

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"cardscan/models"
	"cardscan/pkg/blobstore"
	"cardscan/pkg/catalog"
	"cardscan/pkg/ocr"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var fakeImage = []byte("not really an image")

const scenarioAText = "Valkyrie Funfte\nLIGHT\nLEVEL 2\nLong effect text here spanning words\nATK 800 DEF 1200"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intPtr(v int) *int { return &v }

type recognizerFunc func(ctx context.Context, img []byte, opts ocr.Options) (ocr.Result, error)

func (f recognizerFunc) Recognize(ctx context.Context, img []byte, opts ocr.Options) (ocr.Result, error) {
	return f(ctx, img, opts)
}

func textRecognizer(text string, conf float64) recognizerFunc {
	return func(context.Context, []byte, ocr.Options) (ocr.Result, error) {
		return ocr.Result{Text: text, Confidence: conf}, nil
	}
}

// fakeCatalog matches exact names case-insensitively and partial names by
// substring.
type fakeCatalog struct {
	entries []catalog.Entry
	err     error
}

func (f *fakeCatalog) LookupExact(_ context.Context, name string) ([]catalog.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []catalog.Entry
	for _, e := range f.entries {
		if strings.EqualFold(e.Name, name) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeCatalog) LookupFuzzy(_ context.Context, partial string) ([]catalog.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []catalog.Entry
	for _, e := range f.entries {
		if strings.Contains(strings.ToLower(e.Name), strings.ToLower(partial)) {
			out = append(out, e)
		}
	}
	return out, nil
}

func darkMagician() catalog.Entry {
	return catalog.Entry{
		ID:         46986414,
		Name:       "Dark Magician",
		Type:       "Normal Monster",
		Desc:       "The ultimate wizard in terms of attack and defense.",
		Atk:        intPtr(2500),
		Def:        intPtr(2100),
		Level:      intPtr(7),
		Attribute:  "DARK",
		CardImages: []catalog.Image{{ID: 46986414, ImageURL: "https://images.ygoprodeck.com/images/cards/46986414.jpg"}},
		CardSets:   []catalog.Set{{SetName: "Legend of Blue Eyes White Dragon", SetCode: "LOB-005", SetRarity: "Ultra Rare"}},
	}
}

func potOfGreed() catalog.Entry {
	return catalog.Entry{
		ID:         55144522,
		Name:       "Pot of Greed",
		Type:       "Spell Card",
		Desc:       "Draw 2 cards.",
		CardImages: []catalog.Image{{ID: 55144522, ImageURL: "https://images.ygoprodeck.com/images/cards/55144522.jpg"}},
	}
}

// assertDarkMagicianCard checks a stored card still holds the catalog
// Dark Magician record.
func assertDarkMagicianCard(t *testing.T, card *models.CardRecord) {
	t.Helper()
	require.NotNil(t, card)
	assert.Equal(t, "Dark Magician", card.Name)
	require.NotNil(t, card.ExternalCode)
	assert.Equal(t, "46986414", *card.ExternalCode)
	require.NotNil(t, card.Attack)
	assert.Equal(t, 2500, *card.Attack)
	require.NotNil(t, card.Attribute)
	assert.Equal(t, "DARK", *card.Attribute)
}

type fixture struct {
	store    *GormStore
	manager  *Manager
	enhancer *Orchestrator
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "scans.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.CardRecord{}, &models.ScanAttempt{}))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newFixture(t *testing.T, rec ocr.Recognizer, entries ...catalog.Entry) *fixture {
	t.Helper()
	logger := testLogger()
	blobs, err := blobstore.NewFS(t.TempDir(), logger)
	require.NoError(t, err)
	metrics := NewMetrics(prometheus.NewRegistry())
	resolver := catalog.NewResolver(&fakeCatalog{entries: entries}, logger)
	pipeline := NewPipeline(rec, resolver, DefaultPipelineConfig(), metrics, logger)
	store := NewGormStore(openTestDB(t))
	m := NewManager(store, blobs, nil, pipeline, metrics, logger)
	return &fixture{store: store, manager: m, enhancer: NewOrchestrator(m, logger)}
}

func (f *fixture) reload(t *testing.T, id uint) *models.ScanAttempt {
	t.Helper()
	scan, err := f.store.FindScan(context.Background(), id)
	require.NoError(t, err)
	return scan
}

func TestSubmitIdentifiesCard(t *testing.T) {
	f := newFixture(t, textRecognizer(scenarioAText, 82))

	scan, err := f.manager.Submit(context.Background(), 1, fakeImage, "image/png")
	require.NoError(t, err)
	assert.Equal(t, models.ScanIdentified, scan.Status)
	require.NotNil(t, scan.CardID)
	require.NotNil(t, scan.Confidence)
	assert.InDelta(t, 0.82, *scan.Confidence, 1e-9)

	stored := f.reload(t, scan.ID)
	require.NotNil(t, stored.Card)
	card := stored.Card
	assert.Equal(t, "Valkyrie Funfte", card.Name)
	assert.Equal(t, "Unknown", card.Type)
	require.NotNil(t, card.Attribute)
	assert.Equal(t, "LIGHT", *card.Attribute)
	assert.Equal(t, 2, *card.Level)
	assert.Equal(t, 800, *card.Attack)
	assert.Equal(t, 1200, *card.Defense)
	assert.Equal(t, "Long effect text here spanning words", card.Description)
	assert.Equal(t, "Common", card.Rarity)
	assert.Nil(t, card.ExternalCode)
	assert.Equal(t, scan.SourceImageRef, card.SourceImageRef)

	require.NotNil(t, stored.Diagnostics)
	assert.Equal(t, scenarioAText, stored.Diagnostics.FullText)
	assert.Equal(t, "high", stored.Diagnostics.Verification.TextQuality)
	assert.False(t, stored.Diagnostics.Verification.CardNameMatch)
	require.NotEmpty(t, stored.Diagnostics.Regions)
	assert.Equal(t, models.RegionFullText, stored.Diagnostics.Regions[0].Type)
	assert.False(t, stored.Diagnostics.RetryAttempt)
}

func TestSubmitEmptyTextCreatesPlaceholder(t *testing.T) {
	f := newFixture(t, textRecognizer("", 0))

	scan, err := f.manager.Submit(context.Background(), 1, fakeImage, "")
	require.NoError(t, err)
	assert.Equal(t, models.ScanIdentified, scan.Status)
	require.NotNil(t, scan.Card)
	assert.True(t, strings.HasPrefix(scan.Card.Name, "Scanned Card "), scan.Card.Name)
	assert.Equal(t, "Unknown", scan.Card.Type)
	assert.Equal(t, PlaceholderDescription, scan.Card.Description)
	assert.Nil(t, scan.Card.Attack)
	assert.Nil(t, scan.Card.Level)
	assert.Equal(t, "low", scan.Diagnostics.Verification.TextQuality)
	assert.Empty(t, scan.Diagnostics.Regions)
}

func TestSubmitRecognitionFailureMarksFailed(t *testing.T) {
	f := newFixture(t, recognizerFunc(func(context.Context, []byte, ocr.Options) (ocr.Result, error) {
		return ocr.Result{}, errors.New("tesseract crashed")
	}))

	scan, err := f.manager.Submit(context.Background(), 1, fakeImage, "image/png")
	require.NoError(t, err)
	assert.Equal(t, models.ScanFailed, scan.Status)

	stored := f.reload(t, scan.ID)
	assert.Equal(t, models.ScanFailed, stored.Status)
	assert.Nil(t, stored.CardID)
	require.NotNil(t, stored.Diagnostics)
	assert.Contains(t, stored.Diagnostics.Error, "tesseract crashed")
}

func TestRecognitionTimeoutMarksFailed(t *testing.T) {
	blocking := recognizerFunc(func(ctx context.Context, _ []byte, _ ocr.Options) (ocr.Result, error) {
		<-ctx.Done()
		return ocr.Result{}, ctx.Err()
	})
	f := newFixture(t, ocr.NewPool(blocking, 1, 50*time.Millisecond, testLogger()))

	scan, err := f.manager.Submit(context.Background(), 1, fakeImage, "image/png")
	require.NoError(t, err)
	assert.Equal(t, models.ScanFailed, scan.Status)
	assert.Contains(t, f.reload(t, scan.ID).Diagnostics.Error, "timed out")
}

func TestCatalogMatchOverridesAndIsReused(t *testing.T) {
	f := newFixture(t, textRecognizer("Dark Magician\nDARK\nATK 100 DEF 100", 75), darkMagician())
	ctx := context.Background()

	first, err := f.manager.Submit(ctx, 1, fakeImage, "image/png")
	require.NoError(t, err)
	require.NotNil(t, first.Card)
	card := first.Card
	require.NotNil(t, card.ExternalCode)
	assert.Equal(t, "46986414", *card.ExternalCode)
	assert.Equal(t, 2500, *card.Attack)
	assert.Equal(t, 2100, *card.Defense)
	assert.Equal(t, 7, *card.Level)
	assert.Equal(t, "Monster", card.Type)
	assert.Equal(t, "Ultra Rare", card.Rarity)
	require.NotNil(t, card.CatalogImageURL)
	assert.True(t, first.Diagnostics.Verification.CardNameMatch)
	assert.Equal(t, "Dark Magician (exact)", first.Diagnostics.CatalogMatch)

	second, err := f.manager.Submit(ctx, 2, fakeImage, "image/png")
	require.NoError(t, err)
	assert.Equal(t, *first.CardID, *second.CardID)
}

func TestUnknownNameHasNoExternalCode(t *testing.T) {
	f := newFixture(t, textRecognizer("Zzzqx1", 40), darkMagician())

	scan, err := f.manager.Submit(context.Background(), 1, fakeImage, "image/png")
	require.NoError(t, err)
	assert.Equal(t, models.ScanIdentified, scan.Status)
	assert.Nil(t, scan.Card.ExternalCode)
	assert.Empty(t, scan.Diagnostics.CatalogMatch)
}

func TestRetryRejectsIdentifiedScan(t *testing.T) {
	f := newFixture(t, textRecognizer(scenarioAText, 82))
	ctx := context.Background()
	scan, err := f.manager.Submit(ctx, 1, fakeImage, "image/png")
	require.NoError(t, err)
	before := f.reload(t, scan.ID)

	_, err = f.manager.Retry(ctx, scan.ID, 1)
	require.ErrorIs(t, err, ErrNotRetryable)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	after := f.reload(t, scan.ID)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.Diagnostics, after.Diagnostics)
	assert.Equal(t, before.CardID, after.CardID)
}

func TestRetryFailedScan(t *testing.T) {
	var calls int
	f := newFixture(t, recognizerFunc(func(context.Context, []byte, ocr.Options) (ocr.Result, error) {
		calls++
		if calls == 1 {
			return ocr.Result{}, errors.New("first pass crashed")
		}
		return ocr.Result{}, nil
	}))
	ctx := context.Background()

	scan, err := f.manager.Submit(ctx, 1, fakeImage, "image/png")
	require.NoError(t, err)
	require.Equal(t, models.ScanFailed, scan.Status)

	retried, err := f.manager.Retry(ctx, scan.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.ScanIdentified, retried.Status)
	require.NotNil(t, retried.Card)
	assert.True(t, strings.HasPrefix(retried.Card.Name, "Retry Scan "), retried.Card.Name)

	stored := f.reload(t, scan.ID)
	assert.True(t, stored.Diagnostics.RetryAttempt)
	assert.NotNil(t, stored.Diagnostics.RetryTimestamp)
	assert.Empty(t, stored.Diagnostics.Error)
}

func TestRetryFailureKeepsErrorAndRetryMeta(t *testing.T) {
	f := newFixture(t, recognizerFunc(func(context.Context, []byte, ocr.Options) (ocr.Result, error) {
		return ocr.Result{}, errors.New("still broken")
	}))
	ctx := context.Background()
	scan, err := f.manager.Create(ctx, 1, fakeImage, "image/png")
	require.NoError(t, err)

	retried, err := f.manager.Retry(ctx, scan.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.ScanFailed, retried.Status)
	stored := f.reload(t, scan.ID)
	assert.True(t, stored.Diagnostics.RetryAttempt)
	assert.Contains(t, stored.Diagnostics.Error, "still broken")
}

func TestRetryRejectsOtherOwnerAndMissingScan(t *testing.T) {
	f := newFixture(t, textRecognizer("", 0))
	ctx := context.Background()
	scan, err := f.manager.Create(ctx, 1, fakeImage, "image/png")
	require.NoError(t, err)

	_, err = f.manager.Retry(ctx, scan.ID, 2)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, models.ScanPending, f.reload(t, scan.ID).Status)

	_, err = f.manager.Retry(ctx, scan.ID+100, 1)
	assert.ErrorIs(t, err, ErrScanNotFound)

	_, err = f.manager.Retry(ctx, scan.ID, 0)
	assert.ErrorIs(t, err, ErrMissingOwner)
}

func TestConcurrentOperationOnSameScanIsRejected(t *testing.T) {
	started := make(chan struct{}, 1)
	unblock := make(chan struct{})
	f := newFixture(t, recognizerFunc(func(context.Context, []byte, ocr.Options) (ocr.Result, error) {
		started <- struct{}{}
		<-unblock
		return ocr.Result{Text: "Slow Card", Confidence: 60}, nil
	}))
	ctx := context.Background()
	scan, err := f.manager.Create(ctx, 1, fakeImage, "image/png")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var retried *models.ScanAttempt
	var retryErr error
	go func() {
		defer wg.Done()
		retried, retryErr = f.manager.Retry(ctx, scan.ID, 1)
	}()
	<-started

	_, err = f.manager.Retry(ctx, scan.ID, 1)
	assert.ErrorIs(t, err, ErrScanBusy)
	_, err = f.enhancer.Enhance(ctx, EnhancementRequest{ScanID: scan.ID, OwnerID: 1, Mode: ModeAuto})
	assert.ErrorIs(t, err, ErrScanBusy)

	close(unblock)
	wg.Wait()
	require.NoError(t, retryErr)
	assert.Equal(t, models.ScanIdentified, retried.Status)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, textRecognizer("", 0))
	ctx := context.Background()

	_, err := f.manager.Create(ctx, 0, fakeImage, "image/png")
	assert.ErrorIs(t, err, ErrMissingOwner)
	_, err = f.manager.Create(ctx, 1, nil, "image/png")
	assert.ErrorIs(t, err, ErrMissingImage)
	_, err = f.manager.CreateFromReference(ctx, 1, "ftp://example.com/card.png")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.manager.CreateFromReference(ctx, 1, "data:image/png;base64,@@@")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestProcessScanFromDataURI(t *testing.T) {
	f := newFixture(t, textRecognizer(scenarioAText, 65))
	ctx := context.Background()

	scan, err := f.manager.CreateFromReference(ctx, 1, blobstore.EncodeDataURI(fakeImage, "image/jpeg"))
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", scan.ContentType)
	assert.Equal(t, models.ScanPending, scan.Status)

	done, err := f.manager.Process(ctx, scan.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.ScanIdentified, done.Status)
	assert.Equal(t, "medium", done.Diagnostics.Verification.TextQuality)

	_, err = f.manager.Process(ctx, scan.ID, 1)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestListAndCounts(t *testing.T) {
	var calls int
	f := newFixture(t, recognizerFunc(func(context.Context, []byte, ocr.Options) (ocr.Result, error) {
		calls++
		if calls == 2 {
			return ocr.Result{}, errors.New("boom")
		}
		return ocr.Result{Text: "Some Card", Confidence: 55}, nil
	}))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.manager.Submit(ctx, 7, fakeImage, "image/png")
		require.NoError(t, err)
	}
	_, err := f.manager.Submit(ctx, 8, fakeImage, "image/png")
	require.NoError(t, err)

	scans, err := f.manager.List(ctx, 7, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, scans, 3)
	assert.GreaterOrEqual(t, scans[0].ID, scans[1].ID)

	failed, err := f.manager.List(ctx, 7, models.ScanFailed, 10, 0)
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	counts, err := f.manager.Counts(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.ScanIdentified])
	assert.Equal(t, int64(1), counts[models.ScanFailed])
}

func TestRetryDoesNotModifySharedCard(t *testing.T) {
	text := "Dark Magician\nDARK\nATK 100 DEF 100"
	f := newFixture(t, recognizerFunc(func(context.Context, []byte, ocr.Options) (ocr.Result, error) {
		return ocr.Result{Text: text, Confidence: 70}, nil
	}), darkMagician(), potOfGreed())
	ctx := context.Background()

	first, err := f.manager.Submit(ctx, 1, fakeImage, "image/png")
	require.NoError(t, err)
	shared := *first.CardID

	// A failed scan that still links the shared card.
	second, err := f.manager.Create(ctx, 1, fakeImage, "image/png")
	require.NoError(t, err)
	second.Status = models.ScanFailed
	second.CardID = &shared
	require.NoError(t, f.store.SaveScan(ctx, second))

	text = "Pot of Greed\nSPELL"
	retried, err := f.manager.Retry(ctx, second.ID, 1)
	require.NoError(t, err)
	require.Equal(t, models.ScanIdentified, retried.Status)
	assert.NotEqual(t, shared, *retried.CardID)
	assert.Equal(t, "Pot of Greed", retried.Card.Name)
	assert.Nil(t, retried.Card.Attack)

	assertDarkMagicianCard(t, f.reload(t, first.ID).Card)
}

func TestRetryWithoutMatchDoesNotModifySharedCard(t *testing.T) {
	f := newFixture(t, textRecognizer("Zzzqx1", 40), darkMagician())
	ctx := context.Background()
	card := &models.CardRecord{Name: "Dark Magician", Type: "Monster", Description: "wizard", Rarity: "Ultra Rare"}
	require.NoError(t, f.store.SaveCard(ctx, card))

	var scans []*models.ScanAttempt
	for i := 0; i < 2; i++ {
		sc, err := f.manager.Create(ctx, 1, fakeImage, "image/png")
		require.NoError(t, err)
		sc.Status = models.ScanFailed
		sc.CardID = &card.ID
		require.NoError(t, f.store.SaveScan(ctx, sc))
		scans = append(scans, sc)
	}

	retried, err := f.manager.Retry(ctx, scans[1].ID, 1)
	require.NoError(t, err)
	assert.NotEqual(t, card.ID, *retried.CardID)
	assert.Equal(t, "Zzzqx1", retried.Card.Name)

	kept := f.reload(t, scans[0].ID).Card
	require.NotNil(t, kept)
	assert.Equal(t, "Dark Magician", kept.Name)
	assert.Equal(t, "wizard", kept.Description)
}

func TestRetryRebuildsOwnCardWithoutStaleFields(t *testing.T) {
	text := "Old Monster\nDARK\nLEVEL 4\nATK 1000 DEF 1000"
	f := newFixture(t, recognizerFunc(func(context.Context, []byte, ocr.Options) (ocr.Result, error) {
		return ocr.Result{Text: text, Confidence: 50}, nil
	}))
	ctx := context.Background()
	sc, err := f.manager.Submit(ctx, 1, fakeImage, "image/png")
	require.NoError(t, err)
	cardID := *sc.CardID
	sc.Status = models.ScanFailed
	require.NoError(t, f.store.SaveScan(ctx, sc))

	text = "Quiet Spell\nSPELL"
	retried, err := f.manager.Retry(ctx, sc.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, cardID, *retried.CardID)

	card := f.reload(t, sc.ID).Card
	assert.Equal(t, "Quiet Spell", card.Name)
	assert.Equal(t, "Spell", card.Type)
	assert.Nil(t, card.Attack)
	assert.Nil(t, card.Defense)
	assert.Nil(t, card.Level)
	assert.Nil(t, card.Attribute)
}

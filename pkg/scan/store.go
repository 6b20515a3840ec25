package scan

import (
	"context"
	"errors"
	"strings"

	"cardscan/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists scans and card records. Every write touches one row.
type Store interface {
	CreateScan(ctx context.Context, s *models.ScanAttempt) error
	SaveScan(ctx context.Context, s *models.ScanAttempt) error
	// FindScan returns ErrScanNotFound when id does not exist. The linked
	// card is loaded.
	FindScan(ctx context.Context, id uint) (*models.ScanAttempt, error)
	// ListScans returns an owner's scans newest first. An empty status
	// lists every status.
	ListScans(ctx context.Context, ownerID uint, status models.ScanStatus, limit, offset int) ([]models.ScanAttempt, error)
	CountScans(ctx context.Context, ownerID uint) (map[models.ScanStatus]int64, error)

	SaveCard(ctx context.Context, c *models.CardRecord) error
	// The card finders return nil, nil when nothing matches.
	FindCard(ctx context.Context, id uint) (*models.CardRecord, error)
	FindCardByExternalCode(ctx context.Context, code string) (*models.CardRecord, error)
	FindCardByName(ctx context.Context, name string) (*models.CardRecord, error)
	// CountCardScans counts the scans other than exceptScanID linked to cardID.
	CountCardScans(ctx context.Context, cardID, exceptScanID uint) (int64, error)
}

// GormStore implements Store on gorm.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// EffectiveLimit is the page size a list request actually gets.
func EffectiveLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return min(limit, MaxListLimit)
}

func (s *GormStore) CreateScan(ctx context.Context, scan *models.ScanAttempt) error {
	return s.db.WithContext(ctx).Omit(clause.Associations).Create(scan).Error
}

func (s *GormStore) SaveScan(ctx context.Context, scan *models.ScanAttempt) error {
	return s.db.WithContext(ctx).Omit(clause.Associations).Save(scan).Error
}

func (s *GormStore) FindScan(ctx context.Context, id uint) (*models.ScanAttempt, error) {
	var scan models.ScanAttempt
	err := s.db.WithContext(ctx).Preload("Card").First(&scan, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrScanNotFound
	}
	if err != nil {
		return nil, err
	}
	return &scan, nil
}

func (s *GormStore) ListScans(ctx context.Context, ownerID uint, status models.ScanStatus, limit, offset int) ([]models.ScanAttempt, error) {
	limit = EffectiveLimit(limit)
	if offset < 0 {
		offset = 0
	}
	q := s.db.WithContext(ctx).Preload("Card").Where("owner_id = ?", ownerID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var scans []models.ScanAttempt
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Offset(offset).Find(&scans).Error; err != nil {
		return nil, err
	}
	return scans, nil
}

func (s *GormStore) CountScans(ctx context.Context, ownerID uint) (map[models.ScanStatus]int64, error) {
	var rows []struct {
		Status models.ScanStatus
		N      int64
	}
	err := s.db.WithContext(ctx).Model(&models.ScanAttempt{}).
		Select("status, count(*) as n").
		Where("owner_id = ?", ownerID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[models.ScanStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

func (s *GormStore) SaveCard(ctx context.Context, card *models.CardRecord) error {
	return s.db.WithContext(ctx).Save(card).Error
}

func (s *GormStore) FindCard(ctx context.Context, id uint) (*models.CardRecord, error) {
	return s.firstCard(s.db.WithContext(ctx).Where("id = ?", id))
}

func (s *GormStore) FindCardByExternalCode(ctx context.Context, code string) (*models.CardRecord, error) {
	if code == "" {
		return nil, nil
	}
	return s.firstCard(s.db.WithContext(ctx).Where("external_code = ?", code))
}

// FindCardByName tries an exact match first and then a case-insensitive
// contains match.
func (s *GormStore) FindCardByName(ctx context.Context, name string) (*models.CardRecord, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	card, err := s.firstCard(s.db.WithContext(ctx).Where("name = ?", name))
	if card != nil || err != nil {
		return card, err
	}
	pattern := "%" + escapeLike(strings.ToLower(name)) + "%"
	return s.firstCard(s.db.WithContext(ctx).Where(`LOWER(name) LIKE ? ESCAPE '\'`, pattern))
}

func (s *GormStore) CountCardScans(ctx context.Context, cardID, exceptScanID uint) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.ScanAttempt{}).
		Where("card_id = ? AND id <> ?", cardID, exceptScanID).
		Count(&n).Error
	return n, err
}

func (s *GormStore) firstCard(q *gorm.DB) (*models.CardRecord, error) {
	var card models.CardRecord
	err := q.Order("id ASC").First(&card).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &card, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

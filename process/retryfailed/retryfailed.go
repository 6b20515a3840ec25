// Package retryfailed reprocesses an owner's failed scans in bulk.
package retryfailed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"cardscan/models"

	"golang.org/x/sync/errgroup"
)

// Retrier is the part of the scan manager the batch needs.
type Retrier interface {
	List(ctx context.Context, ownerID uint, status models.ScanStatus, limit, offset int) ([]models.ScanAttempt, error)
	Retry(ctx context.Context, scanID, ownerID uint) (*models.ScanAttempt, error)
}

const pageSize = 100

type Summary struct {
	Attempted  int
	Identified int
	Failed     int
	Errors     int
}

func (s Summary) String() string {
	return fmt.Sprintf("attempted=%d identified=%d failed=%d errors=%d", s.Attempted, s.Identified, s.Failed, s.Errors)
}

// Run retries every failed scan of ownerID with at most concurrency retries
// in flight. Errors on single scans are counted, not returned.
func Run(ctx context.Context, r Retrier, ownerID uint, concurrency int, logger *slog.Logger) (Summary, error) {
	logger = logger.With("component", "retry_failed", "owner_id", ownerID)
	ids, err := failedIDs(ctx, r, ownerID)
	if err != nil {
		return Summary{}, err
	}
	logger.Info("retrying failed scans", "count", len(ids), "concurrency", concurrency)
	if concurrency <= 0 {
		concurrency = 1
	}

	var (
		mu  sync.Mutex
		sum Summary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			sc, err := r.Retry(gctx, id, ownerID)
			mu.Lock()
			defer mu.Unlock()
			sum.Attempted++
			if err != nil {
				sum.Errors++
				logger.Warn("retry failed", "scan_id", id, "error", err)
				return nil
			}
			switch sc.Status {
			case models.ScanIdentified:
				sum.Identified++
			case models.ScanFailed:
				sum.Failed++
			}
			logger.Info("scan retried", "scan_id", id, "status", sc.Status)
			return nil
		})
	}
	_ = g.Wait()
	return sum, ctx.Err()
}

// failedIDs collects ids up front since retrying shrinks the failed set
// while paging.
func failedIDs(ctx context.Context, r Retrier, ownerID uint) ([]uint, error) {
	var ids []uint
	for offset := 0; ; offset += pageSize {
		page, err := r.List(ctx, ownerID, models.ScanFailed, pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("list failed scans: %w", err)
		}
		for _, sc := range page {
			ids = append(ids, sc.ID)
		}
		if len(page) < pageSize {
			return ids, nil
		}
	}
}

// Package report prints an owner's scan totals and, optionally, each scan.
package report

import (
	"context"
	"fmt"
	"io"
	"time"

	"cardscan/models"
)

// Source is the read side of the scan manager.
type Source interface {
	Counts(ctx context.Context, ownerID uint) (map[models.ScanStatus]int64, error)
	List(ctx context.Context, ownerID uint, status models.ScanStatus, limit, offset int) ([]models.ScanAttempt, error)
}

const pageSize = 100

// Write prints the report for user to w. With list set, one line per scan
// follows the totals: id|status|confidence|card|externalCode|createdAt.
func Write(ctx context.Context, w io.Writer, src Source, user models.User, status models.ScanStatus, list bool) error {
	counts, err := src.Counts(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("count scans: %w", err)
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	fmt.Fprintf(w, "Report for user=%s:\n", user.Username)
	fmt.Fprintf(w, "  scans=%d pending=%d identified=%d failed=%d\n",
		total, counts[models.ScanPending], counts[models.ScanIdentified], counts[models.ScanFailed])
	if !list {
		return nil
	}

	for offset := 0; ; offset += pageSize {
		page, err := src.List(ctx, user.ID, status, pageSize, offset)
		if err != nil {
			return fmt.Errorf("list scans: %w", err)
		}
		for _, sc := range page {
			fmt.Fprintln(w, line(sc))
		}
		if len(page) < pageSize {
			return nil
		}
	}
}

func line(sc models.ScanAttempt) string {
	conf := "-"
	if sc.Confidence != nil {
		conf = fmt.Sprintf("%.2f", *sc.Confidence)
	}
	card, code := "-", "-"
	if sc.Card != nil {
		card = sc.Card.Name
		if sc.Card.ExternalCode != nil {
			code = *sc.Card.ExternalCode
		}
	}
	return fmt.Sprintf("%d|%s|%s|%s|%s|%s", sc.ID, sc.Status, conf, card, code, sc.CreatedAt.Format(time.RFC3339))
}

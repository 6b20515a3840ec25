package catalog

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"
)

type MatchMode string

const (
	MatchNone  MatchMode = ""
	MatchExact MatchMode = "exact"
	MatchFuzzy MatchMode = "fuzzy"
)

// Resolution is the outcome of resolving one name. Entry is nil when nothing
// matched; Err records a catalog failure that was treated as no match.
type Resolution struct {
	Entry     *Entry
	Mode      MatchMode
	Ambiguous bool
	Skipped   bool
	Err       error
}

func (r Resolution) Matched() bool { return r.Entry != nil }

const (
	minLookupLen = 3
	minFuzzyLen  = 4
	fuzzyTokens  = 2
)

// Resolver looks a name up exactly first and falls back to a partial lookup
// on its first two tokens. Catalog errors never escape Resolve.
type Resolver struct {
	catalog Catalog
	logger  *slog.Logger
}

func NewResolver(c Catalog, logger *slog.Logger) *Resolver {
	return &Resolver{catalog: c, logger: logger.With("component", "resolver")}
}

func (r *Resolver) Resolve(ctx context.Context, name string) Resolution {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) < minLookupLen {
		return Resolution{Skipped: true}
	}

	var res Resolution
	entries, err := r.catalog.LookupExact(ctx, name)
	switch {
	case err != nil:
		r.logger.Warn("exact lookup failed, continuing with fuzzy", "name", name, "error", err)
		res.Err = err
	case len(entries) > 0:
		r.logger.Debug("exact match", "name", name, "match", entries[0].Name, "id", entries[0].ID)
		return Resolution{Entry: &entries[0], Mode: MatchExact}
	}

	partial := strings.Join(firstTokens(name, fuzzyTokens), " ")
	if utf8.RuneCountInString(partial) < minFuzzyLen {
		return res
	}
	entries, err = r.catalog.LookupFuzzy(ctx, partial)
	if err != nil {
		r.logger.Warn("fuzzy lookup failed, using local fields", "name", name, "partial", partial, "error", err)
		res.Err = err
		return res
	}
	if len(entries) == 0 {
		return res
	}

	lname := strings.ToLower(name)
	for i := range entries {
		cand := strings.ToLower(entries[i].Name)
		if strings.Contains(cand, lname) || strings.Contains(lname, cand) {
			r.logger.Debug("fuzzy match", "name", name, "match", entries[i].Name, "candidates", len(entries))
			return Resolution{Entry: &entries[i], Mode: MatchFuzzy}
		}
	}
	// No candidate shares text with the name: the first result is taken as is.
	ambiguous := len(entries) > 1
	if ambiguous {
		r.logger.Info("ambiguous fuzzy match, taking first result", "name", name, "match", entries[0].Name, "candidates", len(entries))
	}
	return Resolution{Entry: &entries[0], Mode: MatchFuzzy, Ambiguous: ambiguous}
}

func firstTokens(s string, n int) []string {
	f := strings.Fields(s)
	if len(f) > n {
		f = f[:n]
	}
	return f
}

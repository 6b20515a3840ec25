package models

import (
	"strings"
	"time"
)

// Region types used in Diagnostics.Regions.
const (
	RegionFullText = "full_text"
)

// Diagnostics is the OCR payload stored with a scan. The JSON shape is
// consumed by clients: fullText, confidence, regions and verification are
// always present once a scan was processed; the remaining keys only appear
// for retries, failures and enhancement runs.
type Diagnostics struct {
	FullText     string        `json:"fullText"`
	Confidence   float64       `json:"confidence"`
	Regions      []Region      `json:"regions"`
	Verification *Verification `json:"verification,omitempty"`
	CatalogMatch string        `json:"catalogMatch,omitempty"`

	RetryAttempt   bool       `json:"retryAttempt,omitempty"`
	RetryTimestamp *time.Time `json:"retryTimestamp,omitempty"`

	Error string `json:"error,omitempty"`

	EnhancementMode string `json:"enhancementMode,omitempty"`
	ManualHints     *Hints `json:"manualHints,omitempty"`
	OriginalScanID  uint   `json:"originalScanId,omitempty"`
	Reasoning       string `json:"reasoning,omitempty"`
}

type Region struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Type       string  `json:"type"`
	Role       string  `json:"role,omitempty"`
	BBox       *BBox   `json:"bbox,omitempty"`
}

type BBox struct {
	X0 int `json:"x0"`
	Y0 int `json:"y0"`
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
}

type Verification struct {
	CardNameMatch bool   `json:"cardNameMatch"`
	TextQuality   string `json:"textQuality"`
}

// Hints are optional human-supplied facts about a card.
type Hints struct {
	CardName    string `json:"cardName,omitempty"`
	CardType    string `json:"cardType,omitempty"`
	Attribute   string `json:"attribute,omitempty"`
	KnownText   string `json:"knownText,omitempty"`
	Description string `json:"description,omitempty"`
}

// Empty reports whether no hint carries any text.
func (h Hints) Empty() bool {
	return strings.TrimSpace(h.CardName) == "" &&
		strings.TrimSpace(h.CardType) == "" &&
		strings.TrimSpace(h.Attribute) == "" &&
		strings.TrimSpace(h.KnownText) == "" &&
		strings.TrimSpace(h.Description) == ""
}

// TextQuality buckets a 0-100 recognizer confidence.
func TextQuality(confidence float64) string {
	switch {
	case confidence > 70:
		return "high"
	case confidence > 50:
		return "medium"
	default:
		return "low"
	}
}

package cardparse

import (
	"image"
	"regexp"
	"strings"

	"cardscan/pkg/ocr"
)

type WordKind string

const (
	KindAttribute WordKind = "attribute"
	KindType      WordKind = "type"
	KindRarity    WordKind = "rarity"
	KindLevel     WordKind = "level"
	KindStats     WordKind = "stats"
	KindNumber    WordKind = "number"
	KindText      WordKind = "text"
)

// Role marks text words that fall in the name band or the effect box.
type Role string

const (
	RoleNone   Role = ""
	RoleName   Role = "name"
	RoleEffect Role = "effect"
)

// Region is one classified word.
type Region struct {
	Text       string
	Confidence float64
	Kind       WordKind
	Role       Role
	Box        image.Rectangle
}

var digitsRE = regexp.MustCompile(`^\d+$`)

// ClassifyWord types a single word by vocabulary and shape.
func ClassifyWord(word string) WordKind {
	up := strings.ToUpper(strings.Trim(word, `.,:;!?()[]{}"'`))
	if _, ok := ParseAttribute(up); ok {
		return KindAttribute
	}
	for _, ct := range cardTypes {
		if up == ct.token {
			return KindType
		}
	}
	for _, r := range rarities {
		if up == r.token {
			return KindRarity
		}
	}
	switch {
	case strings.HasPrefix(up, "LEVEL"), strings.HasPrefix(up, "RANK"):
		return KindLevel
	case strings.Contains(up, "ATK"), strings.Contains(up, "DEF"):
		return KindStats
	case digitsRE.MatchString(up):
		return KindNumber
	}
	return KindText
}

// Regions classifies the confidently recognized words. Text words high on the
// card are name candidates; text words below the header band are effect text.
func Regions(words []ocr.Word, p Params) []Region {
	out := make([]Region, 0, len(words))
	for _, w := range words {
		if w.Confidence <= p.MinWordConfidence {
			continue
		}
		r := Region{Text: w.Text, Confidence: w.Confidence, Kind: ClassifyWord(w.Text), Box: w.Box}
		if r.Kind == KindText {
			switch {
			case w.Confidence > p.NameWordConfidence && w.Box.Min.Y < p.HeaderBandPx:
				r.Role = RoleName
			case w.Confidence > p.EffectWordConfidence && w.Box.Min.Y > p.HeaderBandPx:
				r.Role = RoleEffect
			}
		}
		out = append(out, r)
	}
	return out
}

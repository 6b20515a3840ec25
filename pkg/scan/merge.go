package scan

import (
	"fmt"
	"time"

	"cardscan/models"
	"cardscan/pkg/cardparse"
	"cardscan/pkg/catalog"
	"cardscan/pkg/ocr"
)

// PlaceholderDescription is stored when neither the catalog nor the card
// text gives a description.
const PlaceholderDescription = "Card scanned from image. Use the edit feature to add card details manually."

const (
	placeholderScan  = "Scanned Card"
	placeholderRetry = "Retry Scan"
)

func placeholderName(prefix string, now time.Time) string {
	return fmt.Sprintf("%s %s", prefix, now.Format("2006-01-02 1504"))
}

// buildCard makes a record from the candidate and lets a catalog match
// override every field it supplies. Fields the catalog lacks keep the
// candidate's value; mandatory fields fall back to placeholders.
func buildCard(cand cardparse.Candidate, res catalog.Resolution, placeholder string) models.CardRecord {
	card := models.CardRecord{
		Name:        cand.Name,
		Attribute:   cand.Attribute,
		Level:       cand.Level,
		Attack:      cand.Attack,
		Defense:     cand.Defense,
		Description: cand.Effect,
		Rarity:      cand.Rarity,
	}
	if cand.Type != cardparse.TypeUnknown {
		card.Type = string(cand.Type)
	}

	if e := res.Entry; e != nil {
		if e.Name != "" {
			card.Name = e.Name
		}
		if k := e.Kind(); k != "" {
			card.Type = k
		}
		if attr, ok := cardparse.ParseAttribute(e.Attribute); ok {
			card.Attribute = &attr
		}
		if e.Level != nil {
			card.Level = e.Level
		}
		if e.Atk != nil {
			card.Attack = e.Atk
		}
		if e.Def != nil {
			card.Defense = e.Def
		}
		if e.Desc != "" {
			card.Description = e.Desc
		}
		if r := e.Rarity(); r != "" {
			card.Rarity = r
		}
		code := e.Code()
		card.ExternalCode = &code
		if u := e.ImageURL(); u != "" {
			card.CatalogImageURL = &u
		}
	}

	if card.Name == "" {
		card.Name = placeholder
	}
	if card.Type == "" {
		card.Type = string(cardparse.TypeUnknown)
	}
	if card.Description == "" {
		card.Description = PlaceholderDescription
	}
	if card.Rarity == "" {
		card.Rarity = cardparse.DefaultRarity
	}
	return card
}

// scanConfidence converts a 0-100 recognizer confidence to the stored 0-1 scale.
func scanConfidence(ocrConfidence float64) float64 {
	c := ocrConfidence / 100
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

// Diagnostics renders what a run learned in the stored diagnostics shape.
func (id Identification) Diagnostics() *models.Diagnostics {
	d := &models.Diagnostics{
		FullText:   id.OCR.Text,
		Confidence: id.OCR.Confidence,
		Regions:    make([]models.Region, 0, len(id.Regions)+1),
		Verification: &models.Verification{
			CardNameMatch: id.Resolution.Matched(),
			TextQuality:   models.TextQuality(id.OCR.Confidence),
		},
	}
	if text := ocr.Normalize(id.OCR.Text); text != "" {
		d.Regions = append(d.Regions, models.Region{Text: text, Confidence: id.OCR.Confidence, Type: models.RegionFullText})
	}
	for _, r := range id.Regions {
		box := r.Box
		d.Regions = append(d.Regions, models.Region{
			Text:       r.Text,
			Confidence: r.Confidence,
			Type:       string(r.Kind),
			Role:       string(r.Role),
			BBox:       &models.BBox{X0: box.Min.X, Y0: box.Min.Y, X1: box.Max.X, Y1: box.Max.Y},
		})
	}
	if e := id.Resolution.Entry; e != nil {
		d.CatalogMatch = fmt.Sprintf("%s (%s)", e.Name, id.Resolution.Mode)
	}
	return d
}

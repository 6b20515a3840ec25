// Package catalog resolves card names against the YGOPRODeck card database.
package catalog

import (
	"context"
	"strconv"
	"strings"
)

// Catalog is the external card database.
type Catalog interface {
	LookupExact(ctx context.Context, name string) ([]Entry, error)
	LookupFuzzy(ctx context.Context, partial string) ([]Entry, error)
}

// Entry mirrors a card in the cardinfo.php response.
type Entry struct {
	ID         int64   `json:"id"`
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Desc       string  `json:"desc"`
	Atk        *int    `json:"atk"`
	Def        *int    `json:"def"`
	Level      *int    `json:"level"`
	Attribute  string  `json:"attribute"`
	CardImages []Image `json:"card_images"`
	CardSets   []Set   `json:"card_sets"`
}

type Image struct {
	ID       int64  `json:"id"`
	ImageURL string `json:"image_url"`
}

type Set struct {
	SetName   string `json:"set_name"`
	SetCode   string `json:"set_code"`
	SetRarity string `json:"set_rarity"`
}

// Code is the catalog identifier stored as a record's external code.
func (e Entry) Code() string {
	return strconv.FormatInt(e.ID, 10)
}

// ImageURL returns the first official artwork URL, if any.
func (e Entry) ImageURL() string {
	for _, img := range e.CardImages {
		if img.ImageURL != "" {
			return img.ImageURL
		}
	}
	return ""
}

// Rarity returns the rarity of the first printing, if any.
func (e Entry) Rarity() string {
	for _, s := range e.CardSets {
		if s.SetRarity != "" {
			return s.SetRarity
		}
	}
	return ""
}

// Kind maps the catalog's type string ("Effect Monster", "Spell Card") onto
// Monster, Spell or Trap.
func (e Entry) Kind() string {
	switch t := strings.ToLower(e.Type); {
	case strings.Contains(t, "spell"):
		return "Spell"
	case strings.Contains(t, "trap"):
		return "Trap"
	case t != "":
		return "Monster"
	}
	return ""
}

package models

import (
	"time"
)

// CardRecord is the stored card produced by a scan, enriched by the catalog
// when a match was found. ExternalCode is only set for catalog matches.
type CardRecord struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	Name            string    `gorm:"size:255;not null;index" json:"name"`
	Type            string    `gorm:"size:16;not null" json:"type"`
	Attribute       *string   `gorm:"size:16" json:"attribute"`
	Level           *int      `json:"level"`
	Attack          *int      `json:"attack"`
	Defense         *int      `json:"defense"`
	Description     string    `gorm:"type:text" json:"description"`
	Rarity          string    `gorm:"size:64" json:"rarity"`
	ExternalCode    *string   `gorm:"size:64;index" json:"externalCode"`
	SourceImageRef  string    `gorm:"type:text" json:"sourceImageRef"`
	CatalogImageURL *string   `gorm:"size:512" json:"catalogImageUrl"`
}

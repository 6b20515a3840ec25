package models

import (
	"time"
)

type ScanStatus string

const (
	ScanPending    ScanStatus = "pending"
	ScanIdentified ScanStatus = "identified"
	ScanFailed     ScanStatus = "failed"
)

// Terminal reports whether the status ends a processing attempt.
func (s ScanStatus) Terminal() bool {
	return s == ScanIdentified || s == ScanFailed
}

// ScanAttempt is one submitted image and the outcome of processing it.
// Diagnostics are persisted as JSON in the extracted_text column.
type ScanAttempt struct {
	ID             uint         `gorm:"primaryKey" json:"id"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
	OwnerID        uint         `gorm:"index;not null" json:"ownerId"`
	SourceImageRef string       `gorm:"type:text;not null" json:"sourceImageRef"`
	ContentType    string       `gorm:"size:128" json:"contentType"`
	Status         ScanStatus   `gorm:"size:16;not null;index;default:pending" json:"status"`
	Confidence     *float64     `json:"confidence"`
	Diagnostics    *Diagnostics `gorm:"column:extracted_text;type:text;serializer:json" json:"extractedText"`
	CardID         *uint        `gorm:"index" json:"resolvedCardId"`
	Card           *CardRecord  `gorm:"foreignKey:CardID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL;" json:"card,omitempty"`
}

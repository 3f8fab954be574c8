package db

import (
	"time"

	"gorm.io/datatypes"
)

type CardSet struct {
	ID          uint      `gorm:"primaryKey"`
	Name        string    `gorm:"size:255;not null"`
	Description *string   `gorm:"type:text"`
	Slug        *string   `gorm:"size:50;uniqueIndex"`
	IsPublic    bool      `gorm:"not null;default:false"`
	CreatedAt   time.Time `gorm:"not null"`
	BlackCards  []BlackCard
	WhiteCards  []WhiteCard
}

type BlackCard struct {
	ID        uint   `gorm:"primaryKey"`
	CardSetID uint   `gorm:"index;not null"`
	Text      string `gorm:"type:text;not null"`
	Pick      int    `gorm:"not null;default:1"`
}

type WhiteCard struct {
	ID        uint   `gorm:"primaryKey"`
	CardSetID uint   `gorm:"index;not null"`
	Text      string `gorm:"type:text;not null"`
}

// Event is a write-only operational log of room lifecycle moments.
// It is never read back into live room state.
type Event struct {
	ID        uint           `gorm:"primaryKey"`
	RoomCode  string         `gorm:"size:12;index;not null"`
	Type      string         `gorm:"size:64;not null"`
	Payload   datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt time.Time      `gorm:"not null"`
}

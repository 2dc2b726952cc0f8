package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           uint      `gorm:"primaryKey"`
	Username     string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	Role         int       `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type BookModel struct {
	ID                uint   `gorm:"primaryKey"`
	Title             string `gorm:"not null"`
	Author            string `gorm:"not null;index"`
	Genre             string `gorm:"not null"`
	PDFKey            string
	PageCount         int
	IsAvailable       bool       `gorm:"not null;default:true"`
	CurrentBorrowerID *uint      `gorm:"index"`
	CurrentBorrower   *UserModel `gorm:"foreignKey:CurrentBorrowerID;constraint:OnDelete:SET NULL"`
	CreatedAt         time.Time  `gorm:"not null"`
	UpdatedAt         time.Time  `gorm:"not null"`
}

type BookingModel struct {
	ID         uint      `gorm:"primaryKey"`
	BookID     uint      `gorm:"not null;index"`
	Book       BookModel `gorm:"constraint:OnDelete:CASCADE"`
	BorrowerID uint      `gorm:"not null;index"`
	Borrower   UserModel `gorm:"foreignKey:BorrowerID;constraint:OnDelete:CASCADE"`
	StartAt    time.Time `gorm:"not null"`
	EndAt      *time.Time
}

type RatingModel struct {
	ID        uint      `gorm:"primaryKey"`
	BookID    uint      `gorm:"not null;index"`
	Book      BookModel `gorm:"constraint:OnDelete:CASCADE"`
	UserID    uint      `gorm:"not null;index"`
	User      UserModel `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
	Stars     int       `gorm:"not null"`
	Comment   string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"not null"`
}

// LedgerEventModel is the append-only audit trail of borrow/return transitions.
type LedgerEventModel struct {
	ID        uint           `gorm:"primaryKey"`
	Kind      string         `gorm:"not null;index"`
	Payload   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null;index"`
}

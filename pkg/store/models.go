package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID        string `gorm:"primaryKey"`
	Phone     string `gorm:"uniqueIndex;not null"`
	Role      string `gorm:"not null"`
	Nickname  string
	AvatarURL string
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

type ConsultationModel struct {
	ID          string `gorm:"primaryKey"`
	PatientID   string `gorm:"not null;index"`
	DoctorID    *string `gorm:"index"`
	Status      string `gorm:"not null;index"`
	Description string
	Intake      datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt   time.Time      `gorm:"not null;index"`
	AcceptedAt  *time.Time
	ClosedAt    *time.Time
}

type MessageModel struct {
	ID             string `gorm:"primaryKey"`
	ConsultationID string `gorm:"not null;uniqueIndex:idx_consultation_sequence,priority:1"`
	SenderID       string `gorm:"not null"`
	SenderRole     string `gorm:"not null"`
	Content        string `gorm:"type:text;not null"`
	Sequence       int64  `gorm:"not null;uniqueIndex:idx_consultation_sequence,priority:2"`
	CreatedAt      time.Time `gorm:"not null"`
}

package domain

import (
	"encoding/json"
	"time"
)

type UserRole string

const (
	RolePatient UserRole = "patient"
	RoleDoctor  UserRole = "doctor"
)

// ParseUserRole validates a role string from an external source.
func ParseUserRole(role string) (UserRole, bool) {
	switch UserRole(role) {
	case RolePatient:
		return RolePatient, true
	case RoleDoctor:
		return RoleDoctor, true
	default:
		return "", false
	}
}

type User struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone"`
	Role      UserRole  `json:"role"`
	Nickname  string    `json:"nickname"`
	AvatarURL string    `json:"avatarUrl"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type ConsultationStatus string

const (
	StatusPending    ConsultationStatus = "pending"
	StatusAccepted   ConsultationStatus = "accepted"
	StatusInProgress ConsultationStatus = "in_progress"
	StatusCompleted  ConsultationStatus = "completed"
	StatusCancelled  ConsultationStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ConsultationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition encodes the legal edges of the consultation lifecycle:
// pending -> accepted -> in_progress -> completed, with cancellation
// allowed from pending and accepted only. A consultation never returns
// to pending once it has left it.
func CanTransition(from, to ConsultationStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusAccepted || to == StatusCancelled
	case StatusAccepted:
		return to == StatusInProgress || to == StatusCancelled
	case StatusInProgress:
		return to == StatusCompleted
	default:
		return false
	}
}

type Consultation struct {
	ID          string             `json:"id"`
	PatientID   string             `json:"patientId"`
	DoctorID    string             `json:"doctorId,omitempty"`
	Status      ConsultationStatus `json:"status"`
	Description string             `json:"description"`
	Intake      json.RawMessage    `json:"intake,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	AcceptedAt  *time.Time         `json:"acceptedAt,omitempty"`
	ClosedAt    *time.Time         `json:"closedAt,omitempty"`
}

// Participant reports whether the user takes part in this consultation.
func (c Consultation) Participant(userID string) bool {
	return userID != "" && (c.PatientID == userID || c.DoctorID == userID)
}

// PendingSummary is the doctor-facing view of an unclaimed consultation.
type PendingSummary struct {
	ID           string             `json:"id"`
	PatientID    string             `json:"patientId"`
	PatientPhone string             `json:"patientPhone"`
	DoctorID     string             `json:"doctorId,omitempty"`
	Status       ConsultationStatus `json:"status"`
	Description  string             `json:"description"`
	CreatedAt    time.Time          `json:"createdAt"`
}

// Message is one chat entry. Sequence numbers are assigned at append
// time, strictly increasing per consultation starting at 1 with no gaps,
// and are the sole ordering authority for delivery.
type Message struct {
	ID             string    `json:"id"`
	ConsultationID string    `json:"consultationId"`
	SenderID       string    `json:"senderId"`
	SenderRole     UserRole  `json:"senderRole"`
	Content        string    `json:"content"`
	Sequence       int64     `json:"sequence"`
	CreatedAt      time.Time `json:"createdAt"`
}

// TokenPair is the credential pair issued at login and on refresh.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

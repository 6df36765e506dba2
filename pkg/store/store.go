package store

import (
	"teleclinic/pkg/domain"
)

// Store defines persistence operations for users, consultations, and
// messages. Implementations must assign message sequence numbers
// atomically per consultation; callers provide any coarser serialization
// they need on top.
type Store interface {
	// users
	SaveUser(domain.User) error
	GetUserByID(id string) (domain.User, bool, error)
	GetUserByPhone(phone string) (domain.User, bool, error)

	// consultations
	SaveConsultation(domain.Consultation) error
	GetConsultation(id string) (domain.Consultation, bool, error)
	// ListPendingConsultations returns pending consultations ordered by
	// creation time ascending (oldest first).
	ListPendingConsultations() ([]domain.Consultation, error)
	ListConsultationsByUser(userID string) ([]domain.Consultation, error)

	// messages
	// AppendMessage stores msg with Sequence set to the consultation's
	// current maximum plus one and returns the stored message.
	AppendMessage(msg domain.Message) (domain.Message, error)
	// ListMessagesAfter returns messages with sequence > afterSeq in
	// ascending sequence order. limit <= 0 means no limit.
	ListMessagesAfter(consultationID string, afterSeq int64, limit int) ([]domain.Message, error)
}

// SessionStore issues and validates access tokens carrying a user id and
// role. Validation is stateless apart from an optional revocation check.
type SessionStore interface {
	NewSession(userID string, role domain.UserRole) (string, error)
	Identity(token string) (userID string, role domain.UserRole, err error)
	DeleteSession(token string) error
}

// JWK represents a JSON Web Key entry used by the JWKS endpoint.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// JWKSProvider is an optional capability exposed by session stores that
// can publish JSON Web Keys.
type JWKSProvider interface {
	JWKS() []JWK
}

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"teleclinic/pkg/domain"
)

const migrateLockID int64 = 52815281

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory
// lock so concurrent instances do not race the schema.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &ConsultationModel{}, &MessageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", migrateLockID).Error; err != nil {
			return fmt.Errorf("acquire migration lock: %w", err)
		}
		return fn(tx)
	})
}

// SaveUser stores or replaces a user record.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&model).Error
}

// GetUserByID retrieves a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	err := s.db.First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByPhone retrieves a user by phone number.
func (s *GormStore) GetUserByPhone(phone string) (domain.User, bool, error) {
	var model UserModel
	err := s.db.First(&model, "phone = ?", phone).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// SaveConsultation stores or replaces a consultation record.
func (s *GormStore) SaveConsultation(c domain.Consultation) error {
	model := consultationToModel(c)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&model).Error
}

// GetConsultation retrieves a consultation by ID.
func (s *GormStore) GetConsultation(id string) (domain.Consultation, bool, error) {
	var model ConsultationModel
	err := s.db.First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Consultation{}, false, nil
	}
	if err != nil {
		return domain.Consultation{}, false, err
	}
	return consultationFromModel(model), true, nil
}

// ListPendingConsultations returns pending consultations oldest first.
func (s *GormStore) ListPendingConsultations() ([]domain.Consultation, error) {
	var models []ConsultationModel
	err := s.db.
		Where("status = ?", string(domain.StatusPending)).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return consultationsFromModels(models), nil
}

// ListConsultationsByUser returns consultations the user participates in,
// newest first.
func (s *GormStore) ListConsultationsByUser(userID string) ([]domain.Consultation, error) {
	var models []ConsultationModel
	err := s.db.
		Where("patient_id = ? OR doctor_id = ?", userID, userID).
		Order("created_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return consultationsFromModels(models), nil
}

// AppendMessage assigns the next sequence number and inserts the message
// in one transaction. A per-consultation advisory lock serializes
// concurrent appends so sequences stay contiguous; the unique
// (consultation_id, sequence) index backstops the invariant.
func (s *GormStore) AppendMessage(msg domain.Message) (domain.Message, error) {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(
			"SELECT pg_advisory_xact_lock(hashtextextended(?, 0))", msg.ConsultationID,
		).Error; err != nil {
			return fmt.Errorf("acquire append lock: %w", err)
		}
		var next int64
		if err := tx.Raw(
			"SELECT COALESCE(MAX(sequence), 0) + 1 FROM message_models WHERE consultation_id = ?",
			msg.ConsultationID,
		).Scan(&next).Error; err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		msg.Sequence = next
		model := messageToModel(msg)
		return tx.Create(&model).Error
	})
	if err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

// ListMessagesAfter returns messages with sequence > afterSeq ascending.
func (s *GormStore) ListMessagesAfter(consultationID string, afterSeq int64, limit int) ([]domain.Message, error) {
	q := s.db.
		Where("consultation_id = ? AND sequence > ?", consultationID, afterSeq).
		Order("sequence ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []MessageModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Message, 0, len(models))
	for _, m := range models {
		out = append(out, messageFromModel(m))
	}
	return out, nil
}

// model conversions

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:        u.ID,
		Phone:     u.Phone,
		Role:      string(u.Role),
		Nickname:  u.Nickname,
		AvatarURL: u.AvatarURL,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:        m.ID,
		Phone:     m.Phone,
		Role:      domain.UserRole(m.Role),
		Nickname:  m.Nickname,
		AvatarURL: m.AvatarURL,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func consultationToModel(c domain.Consultation) ConsultationModel {
	model := ConsultationModel{
		ID:          c.ID,
		PatientID:   c.PatientID,
		Status:      string(c.Status),
		Description: c.Description,
		CreatedAt:   c.CreatedAt,
		AcceptedAt:  c.AcceptedAt,
		ClosedAt:    c.ClosedAt,
	}
	if c.DoctorID != "" {
		doctorID := c.DoctorID
		model.DoctorID = &doctorID
	}
	if len(c.Intake) > 0 {
		model.Intake = datatypes.JSON(c.Intake)
	}
	return model
}

func consultationFromModel(m ConsultationModel) domain.Consultation {
	c := domain.Consultation{
		ID:          m.ID,
		PatientID:   m.PatientID,
		Status:      domain.ConsultationStatus(m.Status),
		Description: m.Description,
		CreatedAt:   m.CreatedAt,
		AcceptedAt:  m.AcceptedAt,
		ClosedAt:    m.ClosedAt,
	}
	if m.DoctorID != nil {
		c.DoctorID = *m.DoctorID
	}
	if len(m.Intake) > 0 {
		c.Intake = json.RawMessage(m.Intake)
	}
	return c
}

func consultationsFromModels(models []ConsultationModel) []domain.Consultation {
	out := make([]domain.Consultation, 0, len(models))
	for _, m := range models {
		out = append(out, consultationFromModel(m))
	}
	return out
}

func messageToModel(m domain.Message) MessageModel {
	return MessageModel{
		ID:             m.ID,
		ConsultationID: m.ConsultationID,
		SenderID:       m.SenderID,
		SenderRole:     string(m.SenderRole),
		Content:        m.Content,
		Sequence:       m.Sequence,
		CreatedAt:      m.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:             m.ID,
		ConsultationID: m.ConsultationID,
		SenderID:       m.SenderID,
		SenderRole:     domain.UserRole(m.SenderRole),
		Content:        m.Content,
		Sequence:       m.Sequence,
		CreatedAt:      m.CreatedAt,
	}
}

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"teleclinic/internal/events"
	"teleclinic/pkg/chat"
	"teleclinic/pkg/domain"
)

// CreateConsultation opens a new pending consultation for the patient.
func (a *App) CreateConsultation(patient domain.User, description string, intake json.RawMessage) (domain.Consultation, error) {
	if patient.Role != domain.RolePatient {
		return domain.Consultation{}, ErrForbidden
	}
	description = strings.TrimSpace(description)
	if description == "" {
		return domain.Consultation{}, ErrDescriptionRequired
	}
	c := domain.Consultation{
		ID:          uuid.NewString(),
		PatientID:   patient.ID,
		Status:      domain.StatusPending,
		Description: description,
		Intake:      intake,
		CreatedAt:   time.Now().UTC(),
	}
	if err := a.store.SaveConsultation(c); err != nil {
		return domain.Consultation{}, fmt.Errorf("save consultation: %w", err)
	}
	a.publishEvent(events.TypeConsultationCreated, c)
	return c, nil
}

// ListPending returns pending consultations visible to the doctor,
// oldest first, with the patient phone joined in for triage.
func (a *App) ListPending(doctor domain.User) ([]domain.PendingSummary, error) {
	if doctor.Role != domain.RoleDoctor {
		return nil, ErrForbidden
	}
	pending, err := a.store.ListPendingConsultations()
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	out := make([]domain.PendingSummary, 0, len(pending))
	for _, c := range pending {
		if !a.eligible(c, doctor) {
			continue
		}
		summary := domain.PendingSummary{
			ID:          c.ID,
			PatientID:   c.PatientID,
			DoctorID:    c.DoctorID,
			Status:      c.Status,
			Description: c.Description,
			CreatedAt:   c.CreatedAt,
		}
		if patient, found, err := a.store.GetUserByID(c.PatientID); err == nil && found {
			summary.PatientPhone = patient.Phone
		}
		out = append(out, summary)
	}
	return out, nil
}

// ListMine returns the consultations the user participates in.
func (a *App) ListMine(user domain.User) ([]domain.Consultation, error) {
	return a.store.ListConsultationsByUser(user.ID)
}

// GetConsultation returns a consultation visible to the user. Unknown ids
// and consultations the user does not participate in both report
// domain.ErrNotFound, so callers cannot probe for existence.
func (a *App) GetConsultation(id string, user domain.User) (domain.Consultation, error) {
	c, found, err := a.store.GetConsultation(id)
	if err != nil {
		return domain.Consultation{}, fmt.Errorf("fetch consultation: %w", err)
	}
	if !found || !c.Participant(user.ID) {
		return domain.Consultation{}, domain.ErrNotFound
	}
	return c, nil
}

// Claim attempts the pending -> accepted transition for the doctor. For
// any set of concurrent claims on one consultation exactly one doctor
// wins; the rest fail with domain.ErrAlreadyClaimed and leave the record
// untouched. A retried claim by the winner succeeds again with the same
// state.
func (a *App) Claim(id string, doctor domain.User) (domain.Consultation, error) {
	if doctor.Role != domain.RoleDoctor {
		return domain.Consultation{}, ErrForbidden
	}
	unlock := a.locks.Lock(id)
	defer unlock()

	c, found, err := a.store.GetConsultation(id)
	if err != nil {
		return domain.Consultation{}, fmt.Errorf("fetch consultation: %w", err)
	}
	if !found {
		return domain.Consultation{}, domain.ErrNotFound
	}
	if c.DoctorID == doctor.ID {
		// Retry after a dropped response: the claim already took effect.
		return c, nil
	}
	if c.DoctorID != "" {
		return domain.Consultation{}, domain.ErrAlreadyClaimed
	}
	if c.Status != domain.StatusPending {
		// Covers cancellation racing with claim.
		return domain.Consultation{}, domain.ErrConsultationUnavailable
	}
	if !a.eligible(c, doctor) {
		return domain.Consultation{}, domain.ErrConsultationUnavailable
	}

	now := time.Now().UTC()
	c.Status = domain.StatusAccepted
	c.DoctorID = doctor.ID
	c.AcceptedAt = &now
	if err := a.store.SaveConsultation(c); err != nil {
		return domain.Consultation{}, fmt.Errorf("save consultation: %w", err)
	}
	a.publishEvent(events.TypeConsultationAccepted, c)
	return c, nil
}

// Start moves an accepted consultation to in_progress. Only the assigned
// doctor may start it.
func (a *App) Start(id string, doctor domain.User) (domain.Consultation, error) {
	return a.transition(id, domain.StatusInProgress, func(c domain.Consultation) error {
		if c.DoctorID != doctor.ID {
			return ErrForbidden
		}
		return nil
	})
}

// Complete moves an in-progress consultation to completed. Only the
// assigned doctor may complete it.
func (a *App) Complete(id string, doctor domain.User) (domain.Consultation, error) {
	return a.transition(id, domain.StatusCompleted, func(c domain.Consultation) error {
		if c.DoctorID != doctor.ID {
			return ErrForbidden
		}
		return nil
	})
}

// Cancel cancels a pending or accepted consultation. The patient may
// always cancel; once accepted, the assigned doctor may as well.
func (a *App) Cancel(id string, user domain.User) (domain.Consultation, error) {
	return a.transition(id, domain.StatusCancelled, func(c domain.Consultation) error {
		if !c.Participant(user.ID) {
			return domain.ErrNotFound
		}
		return nil
	})
}

// transition applies one state machine event under the consultation's
// lock. authorize runs after the record is loaded but before legality is
// checked, so permission failures do not leak state information.
func (a *App) transition(id string, to domain.ConsultationStatus, authorize func(domain.Consultation) error) (domain.Consultation, error) {
	unlock := a.locks.Lock(id)
	defer unlock()

	c, found, err := a.store.GetConsultation(id)
	if err != nil {
		return domain.Consultation{}, fmt.Errorf("fetch consultation: %w", err)
	}
	if !found {
		return domain.Consultation{}, domain.ErrNotFound
	}
	if err := authorize(c); err != nil {
		return domain.Consultation{}, err
	}
	if !domain.CanTransition(c.Status, to) {
		return domain.Consultation{}, domain.ErrInvalidTransition
	}
	c.Status = to
	if to.Terminal() {
		now := time.Now().UTC()
		c.ClosedAt = &now
	}
	if err := a.store.SaveConsultation(c); err != nil {
		return domain.Consultation{}, fmt.Errorf("save consultation: %w", err)
	}
	switch to {
	case domain.StatusCompleted:
		a.publishEvent(events.TypeConsultationCompleted, c)
	case domain.StatusCancelled:
		a.publishEvent(events.TypeConsultationCancelled, c)
	}
	return c, nil
}

// PostMessage appends a chat message and fans it out to live subscribers.
// Sequence assignment and fan-out happen under the consultation's lock,
// so subscribers always observe messages in sequence order.
func (a *App) PostMessage(id string, sender domain.User, content string) (domain.Message, error) {
	if strings.TrimSpace(content) == "" {
		return domain.Message{}, ErrContentRequired
	}
	unlock := a.locks.Lock(id)
	defer unlock()

	c, found, err := a.store.GetConsultation(id)
	if err != nil {
		return domain.Message{}, fmt.Errorf("fetch consultation: %w", err)
	}
	if !found || !c.Participant(sender.ID) {
		return domain.Message{}, domain.ErrNotFound
	}
	if c.Status.Terminal() {
		return domain.Message{}, domain.ErrConsultationClosed
	}

	msg := domain.Message{
		ID:             uuid.NewString(),
		ConsultationID: id,
		SenderID:       sender.ID,
		SenderRole:     sender.Role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	stored, err := a.store.AppendMessage(msg)
	if err != nil {
		return domain.Message{}, fmt.Errorf("append message: %w", err)
	}
	a.hub.Publish(stored)
	return stored, nil
}

// ListMessages returns messages with sequence > fromSequence ascending.
func (a *App) ListMessages(id string, user domain.User, fromSequence int64, limit int) ([]domain.Message, error) {
	if _, err := a.GetConsultation(id, user); err != nil {
		return nil, err
	}
	return a.store.ListMessagesAfter(id, fromSequence, limit)
}

// SubscribeMessages opens a live subscription for the consultation.
// Callers replay missed history via ListMessages and deduplicate by
// sequence number.
func (a *App) SubscribeMessages(id string, user domain.User) (*chat.Subscription, error) {
	if _, err := a.GetConsultation(id, user); err != nil {
		return nil, err
	}
	return a.hub.Subscribe(id, user.ID), nil
}

func (a *App) publishEvent(eventType string, c domain.Consultation) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.events.Publish(ctx, events.FromConsultation(eventType, c)); err != nil {
		slog.Warn("publish lifecycle event failed", "type", eventType, "consultation_id", c.ID, "err", err)
	}
}

// Package events publishes consultation lifecycle events for external
// consumers (doctor notification pushes, audit pipelines). Publishing is
// fire-and-forget from request paths: failures are logged, never surfaced.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"teleclinic/pkg/domain"
)

const (
	TypeConsultationCreated   = "consultation.created"
	TypeConsultationAccepted  = "consultation.accepted"
	TypeConsultationCompleted = "consultation.completed"
	TypeConsultationCancelled = "consultation.cancelled"
)

// Event describes one consultation lifecycle change.
type Event struct {
	Type           string                    `json:"type"`
	ConsultationID string                    `json:"consultationId"`
	PatientID      string                    `json:"patientId"`
	DoctorID       string                    `json:"doctorId,omitempty"`
	Status         domain.ConsultationStatus `json:"status"`
	OccurredAt     time.Time                 `json:"occurredAt"`
}

// FromConsultation builds an event of the given type from a consultation
// snapshot.
func FromConsultation(eventType string, c domain.Consultation) Event {
	return Event{
		Type:           eventType,
		ConsultationID: c.ID,
		PatientID:      c.PatientID,
		DoctorID:       c.DoctorID,
		Status:         c.Status,
		OccurredAt:     time.Now().UTC(),
	}
}

// Publisher delivers lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NoopPublisher discards events. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
func (NoopPublisher) Close() error                         { return nil }

const exchangeName = "teleclinic.consultations"

// RabbitPublisher publishes events to a RabbitMQ topic exchange, routed
// by event type.
type RabbitPublisher struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewRabbitPublisher connects to the broker and declares the exchange.
func NewRabbitPublisher(url string) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(
		exchangeName,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &RabbitPublisher{conn: conn, channel: channel}, nil
}

// Publish sends the event with its type as routing key.
func (p *RabbitPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.PublishWithContext(ctx, exchangeName, event.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.OccurredAt,
		Body:         body,
	})
}

// Close shuts down the channel and connection.
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.channel.Close(); err != nil {
		_ = p.conn.Close()
		return err
	}
	return p.conn.Close()
}

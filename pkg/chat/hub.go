// Package chat fans out appended messages to live consultation
// subscribers. The hub never blocks a publisher: each subscription owns a
// bounded buffer, and a subscriber that cannot keep up is closed with an
// overflow error so it can reconnect and catch up from the message log.
package chat

import (
	"sync"

	"teleclinic/pkg/domain"
)

const defaultSubscriberBuffer = 64

// Hub tracks live subscriptions per consultation.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{} // consultation ID -> subscriptions
	buffer int
}

// NewHub creates a hub. buffer is the per-subscriber delivery buffer size;
// zero or negative selects the default.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscription is one live outbound feed for a consultation. Events arrive
// on C in publish order; Done closes when the subscription ends, after
// which Err reports why.
type Subscription struct {
	hub            *Hub
	consultationID string
	participantID  string
	ch             chan domain.Message
	done           chan struct{}
	err            error
	closeOnce      sync.Once
}

// Subscribe registers a live subscription for the consultation.
func (h *Hub) Subscribe(consultationID, participantID string) *Subscription {
	sub := &Subscription{
		hub:            h,
		consultationID: consultationID,
		participantID:  participantID,
		ch:             make(chan domain.Message, h.buffer),
		done:           make(chan struct{}),
	}
	h.mu.Lock()
	set, ok := h.subs[consultationID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[consultationID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Publish delivers the message to every live subscriber of its
// consultation. It never blocks: a subscription whose buffer is full is
// terminated with domain.ErrSubscriberOverflow, leaving the rest
// untouched.
func (h *Hub) Publish(msg domain.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[msg.ConsultationID] {
		select {
		case sub.ch <- msg:
		default:
			delete(h.subs[msg.ConsultationID], sub)
			sub.terminate(domain.ErrSubscriberOverflow)
		}
	}
}

// SubscriberCount reports the number of live subscriptions for a
// consultation.
func (h *Hub) SubscriberCount(consultationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[consultationID])
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sub.consultationID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.consultationID)
	}
}

// C is the delivery channel. It is never closed; select against Done.
func (s *Subscription) C() <-chan domain.Message {
	return s.ch
}

// Done closes when the subscription has ended.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the subscription ended. It is meaningful only after
// Done is closed. A plain Close reports domain.ErrDisconnected.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close deregisters the subscription. It is idempotent and has no effect
// on other subscribers or on the message log.
func (s *Subscription) Close() {
	s.hub.remove(s)
	s.terminate(domain.ErrDisconnected)
}

func (s *Subscription) terminate(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}

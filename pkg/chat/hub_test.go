package chat

import (
	"errors"
	"testing"
	"time"

	"teleclinic/pkg/domain"
)

func TestHubFansOutInPublishOrder(t *testing.T) {
	h := NewHub(8)
	subA := h.Subscribe("c-1", "p-1")
	subB := h.Subscribe("c-1", "d-1")
	defer subA.Close()
	defer subB.Close()

	for i := int64(1); i <= 3; i++ {
		h.Publish(domain.Message{ConsultationID: "c-1", Sequence: i})
	}

	for _, sub := range []*Subscription{subA, subB} {
		for want := int64(1); want <= 3; want++ {
			select {
			case msg := <-sub.C():
				if msg.Sequence != want {
					t.Fatalf("expected sequence %d, got %d", want, msg.Sequence)
				}
			case <-time.After(time.Second):
				t.Fatalf("timed out waiting for sequence %d", want)
			}
		}
	}
}

func TestHubScopesDeliveryToConsultation(t *testing.T) {
	h := NewHub(8)
	sub := h.Subscribe("c-1", "p-1")
	defer sub.Close()

	h.Publish(domain.Message{ConsultationID: "c-other", Sequence: 1})

	select {
	case msg := <-sub.C():
		t.Fatalf("unexpected delivery: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubOverflowClosesOnlySlowSubscriber(t *testing.T) {
	h := NewHub(2)
	slow := h.Subscribe("c-1", "p-1")
	fast := h.Subscribe("c-1", "d-1")
	defer fast.Close()

	// Drain fast while never reading slow; slow overflows on the third
	// publish.
	for i := int64(1); i <= 3; i++ {
		h.Publish(domain.Message{ConsultationID: "c-1", Sequence: i})
		select {
		case <-fast.C():
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber missed sequence %d", i)
		}
	}

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected slow subscriber to be closed")
	}
	if !errors.Is(slow.Err(), domain.ErrSubscriberOverflow) {
		t.Fatalf("expected overflow error, got: %v", slow.Err())
	}

	// The fast subscriber keeps receiving.
	h.Publish(domain.Message{ConsultationID: "c-1", Sequence: 4})
	select {
	case msg := <-fast.C():
		if msg.Sequence != 4 {
			t.Fatalf("expected sequence 4, got %d", msg.Sequence)
		}
	case <-time.After(time.Second):
		t.Fatalf("fast subscriber stopped after slow overflow")
	}
	if h.SubscriberCount("c-1") != 1 {
		t.Fatalf("expected 1 live subscriber, got %d", h.SubscriberCount("c-1"))
	}
}

func TestHubCloseIsIdempotentAndLeavesOthers(t *testing.T) {
	h := NewHub(8)
	subA := h.Subscribe("c-1", "p-1")
	subB := h.Subscribe("c-1", "d-1")

	subA.Close()
	subA.Close()
	if !errors.Is(subA.Err(), domain.ErrDisconnected) {
		t.Fatalf("expected disconnect error, got: %v", subA.Err())
	}
	if h.SubscriberCount("c-1") != 1 {
		t.Fatalf("expected 1 subscriber after close, got %d", h.SubscriberCount("c-1"))
	}

	h.Publish(domain.Message{ConsultationID: "c-1", Sequence: 1})
	select {
	case msg := <-subB.C():
		if msg.Sequence != 1 {
			t.Fatalf("expected sequence 1, got %d", msg.Sequence)
		}
	case <-time.After(time.Second):
		t.Fatalf("remaining subscriber missed publish")
	}
	subB.Close()
	if h.SubscriberCount("c-1") != 0 {
		t.Fatalf("expected no subscribers, got %d", h.SubscriberCount("c-1"))
	}
}

func TestSubscriptionErrNilWhileLive(t *testing.T) {
	h := NewHub(8)
	sub := h.Subscribe("c-1", "p-1")
	defer sub.Close()

	if err := sub.Err(); err != nil {
		t.Fatalf("expected nil error while live, got: %v", err)
	}
}

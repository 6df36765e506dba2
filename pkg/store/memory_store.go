package store

import (
	"sort"
	"sync"

	"teleclinic/pkg/domain"
)

// MemoryStore keeps all records in-process. It backs tests and
// single-node development runs.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]domain.User // key: user ID
	phones        map[string]string      // phone -> user ID
	consultations map[string]domain.Consultation
	order         []string                    // consultation IDs in creation order
	messages      map[string][]domain.Message // consultation ID -> messages in sequence order
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]domain.User),
		phones:        make(map[string]string),
		consultations: make(map[string]domain.Consultation),
		messages:      make(map[string][]domain.Message),
	}
}

// SaveUser stores or replaces a user record.
func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	m.phones[u.Phone] = u.ID
	return nil
}

// GetUserByID retrieves a user by ID.
func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUserByPhone retrieves a user by phone number.
func (m *MemoryStore) GetUserByPhone(phone string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.phones[phone]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

// SaveConsultation stores or replaces a consultation and tracks creation order.
func (m *MemoryStore) SaveConsultation(c domain.Consultation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.consultations[c.ID]; !exists {
		m.order = append(m.order, c.ID)
	}
	m.consultations[c.ID] = c
	return nil
}

// GetConsultation retrieves a consultation by ID.
func (m *MemoryStore) GetConsultation(id string) (domain.Consultation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.consultations[id]
	return c, ok, nil
}

// ListPendingConsultations returns pending consultations oldest first.
func (m *MemoryStore) ListPendingConsultations() ([]domain.Consultation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Consultation, 0)
	for _, id := range m.order {
		if c, ok := m.consultations[id]; ok && c.Status == domain.StatusPending {
			res = append(res, c)
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

// ListConsultationsByUser returns consultations the user participates in,
// newest first.
func (m *MemoryStore) ListConsultationsByUser(userID string) ([]domain.Consultation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Consultation, 0)
	for _, id := range m.order {
		if c, ok := m.consultations[id]; ok && c.Participant(userID) {
			res = append(res, c)
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

// AppendMessage assigns the next sequence number for the consultation and
// stores the message. Sequence assignment and insertion happen under one
// lock, so sequences never gap or duplicate regardless of caller
// interleaving.
func (m *MemoryStore) AppendMessage(msg domain.Message) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.messages[msg.ConsultationID]
	msg.Sequence = int64(len(log)) + 1
	m.messages[msg.ConsultationID] = append(log, msg)
	return msg, nil
}

// ListMessagesAfter returns messages with sequence > afterSeq ascending.
func (m *MemoryStore) ListMessagesAfter(consultationID string, afterSeq int64, limit int) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.messages[consultationID]
	start := int(afterSeq)
	if start < 0 {
		start = 0
	}
	if start >= len(log) {
		return nil, nil
	}
	rest := log[start:]
	if limit > 0 && limit < len(rest) {
		rest = rest[:limit]
	}
	out := make([]domain.Message, len(rest))
	copy(out, rest)
	return out, nil
}

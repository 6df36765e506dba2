package app

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"teleclinic/internal/verify"
	"teleclinic/pkg/domain"
	"teleclinic/pkg/store"
)

const (
	testPhone = "13800138000"
	testCode  = "123456"
)

// stubSessions is an in-memory SessionStore. JWT behavior is covered by
// the store package tests; app tests only need issue/resolve/revoke.
type stubSessions struct {
	mu     sync.Mutex
	tokens map[string]stubIdentity
	n      int
}

type stubIdentity struct {
	userID string
	role   domain.UserRole
}

func newStubSessions() *stubSessions {
	return &stubSessions{tokens: make(map[string]stubIdentity)}
}

func (s *stubSessions) NewSession(userID string, role domain.UserRole) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	token := fmt.Sprintf("access-%d", s.n)
	s.tokens[token] = stubIdentity{userID: userID, role: role}
	return token, nil
}

func (s *stubSessions) Identity(token string) (string, domain.UserRole, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokens[token]
	if !ok {
		return "", "", domain.ErrInvalidToken
	}
	return id.userID, id.role, nil
}

func (s *stubSessions) DeleteSession(token string) error {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
	return nil
}

type testEnv struct {
	app   *App
	codes *verify.MemoryCodeStore
}

func newTestApp(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	codes := verify.NewMemoryCodeStore()
	cfg.Store = store.NewMemoryStore()
	cfg.Sessions = newStubSessions()
	cfg.RefreshTokens = store.NewMemoryRefreshTokenStore()
	cfg.Codes = codes
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return &testEnv{app: a, codes: codes}
}

func (e *testEnv) login(t *testing.T, phone, role string) (domain.User, domain.TokenPair) {
	t.Helper()
	if err := e.codes.Seed(phone, testCode); err != nil {
		t.Fatalf("seed code: %v", err)
	}
	user, pair, err := e.app.Login(phone, testCode, role)
	if err != nil {
		t.Fatalf("login %s as %q: %v", phone, role, err)
	}
	return user, pair
}

func TestLoginCreatesUserAndIssuesTokens(t *testing.T) {
	env := newTestApp(t, Config{})

	user, pair := env.login(t, testPhone, "")
	if user.ID == "" || user.Phone != testPhone {
		t.Fatalf("unexpected user: %+v", user)
	}
	if user.Role != domain.RolePatient {
		t.Fatalf("expected default patient role, got %q", user.Role)
	}
	if user.Nickname == "" {
		t.Fatalf("expected default nickname")
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected token pair, got %+v", pair)
	}

	resolved, err := env.app.UserFromToken(pair.AccessToken)
	if err != nil {
		t.Fatalf("user from token: %v", err)
	}
	if resolved.ID != user.ID {
		t.Fatalf("expected token to resolve to %s, got %s", user.ID, resolved.ID)
	}

	// Second login reuses the record.
	again, _ := env.login(t, testPhone, "")
	if again.ID != user.ID {
		t.Fatalf("expected stable user id, got %s then %s", user.ID, again.ID)
	}
}

func TestLoginRejectsWrongCode(t *testing.T) {
	env := newTestApp(t, Config{})
	if err := env.codes.Seed(testPhone, testCode); err != nil {
		t.Fatalf("seed code: %v", err)
	}
	if _, _, err := env.app.Login(testPhone, "000000", ""); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got: %v", err)
	}
}

func TestLoginEnforcesRoleBinding(t *testing.T) {
	env := newTestApp(t, Config{})
	env.login(t, testPhone, "patient")

	if err := env.codes.Seed(testPhone, testCode); err != nil {
		t.Fatalf("seed code: %v", err)
	}
	if _, _, err := env.app.Login(testPhone, testCode, "doctor"); !errors.Is(err, domain.ErrRoleMismatch) {
		t.Fatalf("expected role mismatch, got: %v", err)
	}

	// Omitting the role keeps the existing one.
	user, _ := env.login(t, testPhone, "")
	if user.Role != domain.RolePatient {
		t.Fatalf("expected patient role preserved, got %q", user.Role)
	}
}

func TestLoginRejectsUnknownRole(t *testing.T) {
	env := newTestApp(t, Config{})
	if err := env.codes.Seed(testPhone, testCode); err != nil {
		t.Fatalf("seed code: %v", err)
	}
	if _, _, err := env.app.Login(testPhone, testCode, "admin"); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected invalid role, got: %v", err)
	}
}

func TestRefreshRotatesAndDetectsReuse(t *testing.T) {
	env := newTestApp(t, Config{})
	user, pair := env.login(t, testPhone, "")

	refreshed, next, err := env.app.Refresh(pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.ID != user.ID {
		t.Fatalf("expected same user after refresh")
	}
	if next.RefreshToken == pair.RefreshToken || next.RefreshToken == "" {
		t.Fatalf("expected rotated refresh token")
	}

	// Replaying the consumed token revokes the chain, including the newest
	// token.
	if _, _, err := env.app.Refresh(pair.RefreshToken); !errors.Is(err, domain.ErrRevokedToken) {
		t.Fatalf("expected revoked token on reuse, got: %v", err)
	}
	if _, _, err := env.app.Refresh(next.RefreshToken); !errors.Is(err, domain.ErrRevokedToken) {
		t.Fatalf("expected chain revoked after reuse, got: %v", err)
	}
}

func TestLogoutRevokesTokens(t *testing.T) {
	env := newTestApp(t, Config{})
	_, pair := env.login(t, testPhone, "")

	if err := env.app.Logout(pair.AccessToken, pair.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := env.app.UserFromToken(pair.AccessToken); !errors.Is(err, domain.ErrInvalidToken) {
		t.Fatalf("expected access token invalid after logout, got: %v", err)
	}
	if _, _, err := env.app.Refresh(pair.RefreshToken); !errors.Is(err, domain.ErrRevokedToken) {
		t.Fatalf("expected refresh chain revoked after logout, got: %v", err)
	}
}

func TestConsultationLifecycle(t *testing.T) {
	env := newTestApp(t, Config{})
	patient, _ := env.login(t, testPhone, "patient")
	doctor, _ := env.login(t, "13900139000", "doctor")

	c, err := env.app.CreateConsultation(patient, "persistent headache", nil)
	if err != nil {
		t.Fatalf("create consultation: %v", err)
	}
	if c.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %q", c.Status)
	}

	pending, err := env.app.ListPending(doctor)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != c.ID {
		t.Fatalf("unexpected pending list: %+v", pending)
	}
	if pending[0].PatientPhone != testPhone {
		t.Fatalf("expected patient phone joined, got %q", pending[0].PatientPhone)
	}

	claimed, err := env.app.Claim(c.ID, doctor)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != domain.StatusAccepted || claimed.DoctorID != doctor.ID {
		t.Fatalf("unexpected claimed state: %+v", claimed)
	}
	if claimed.AcceptedAt == nil {
		t.Fatalf("expected accepted timestamp")
	}

	if _, err := env.app.Start(c.ID, doctor); err != nil {
		t.Fatalf("start: %v", err)
	}
	done, err := env.app.Complete(c.ID, doctor)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.StatusCompleted || done.ClosedAt == nil {
		t.Fatalf("unexpected completed state: %+v", done)
	}

	if _, err := env.app.PostMessage(c.ID, patient, "hello?"); !errors.Is(err, domain.ErrConsultationClosed) {
		t.Fatalf("expected closed consultation to reject messages, got: %v", err)
	}
}

func TestConcurrentClaimHasSingleWinner(t *testing.T) {
	env := newTestApp(t, Config{})
	patient, _ := env.login(t, testPhone, "patient")

	const doctors = 8
	users := make([]domain.User, doctors)
	for i := range users {
		u, _ := env.login(t, fmt.Sprintf("139001390%02d", i), "doctor")
		users[i] = u
	}

	c, err := env.app.CreateConsultation(patient, "sudden rash", nil)
	if err != nil {
		t.Fatalf("create consultation: %v", err)
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(doctors)
	winners := make(chan string, doctors)
	losses := make(chan error, doctors)
	for _, doctor := range users {
		doctor := doctor
		go func() {
			defer wg.Done()
			<-start
			if _, err := env.app.Claim(c.ID, doctor); err != nil {
				losses <- err
				return
			}
			winners <- doctor.ID
		}()
	}
	close(start)
	wg.Wait()
	close(winners)
	close(losses)

	var winner string
	for id := range winners {
		if winner != "" {
			t.Fatalf("multiple claim winners: %s and %s", winner, id)
		}
		winner = id
	}
	if winner == "" {
		t.Fatalf("expected exactly one winner")
	}
	for err := range losses {
		if !errors.Is(err, domain.ErrAlreadyClaimed) {
			t.Fatalf("expected already claimed for losers, got: %v", err)
		}
	}

	final, err := env.app.GetConsultation(c.ID, patient)
	if err != nil {
		t.Fatalf("get consultation: %v", err)
	}
	if final.DoctorID != winner || final.Status != domain.StatusAccepted {
		t.Fatalf("unexpected final state: %+v", final)
	}
}

func TestClaimIsIdempotentForWinner(t *testing.T) {
	env := newTestApp(t, Config{})
	patient, _ := env.login(t, testPhone, "patient")
	doctor, _ := env.login(t, "13900139000", "doctor")

	c, err := env.app.CreateConsultation(patient, "fever", nil)
	if err != nil {
		t.Fatalf("create consultation: %v", err)
	}
	first, err := env.app.Claim(c.ID, doctor)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	second, err := env.app.Claim(c.ID, doctor)
	if err != nil {
		t.Fatalf("retried claim: %v", err)
	}
	if second.DoctorID != first.DoctorID || second.Status != domain.StatusAccepted {
		t.Fatalf("expected identical claim result, got %+v", second)
	}
}

func TestClaimUnavailableAfterCancel(t *testing.T) {
	env := newTestApp(t, Config{})
	patient, _ := env.login(t, testPhone, "patient")
	doctor, _ := env.login(t, "13900139000", "doctor")

	c, err := env.app.CreateConsultation(patient, "cough", nil)
	if err != nil {
		t.Fatalf("create consultation: %v", err)
	}
	if _, err := env.app.Cancel(c.ID, patient); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := env.app.Claim(c.ID, doctor); !errors.Is(err, domain.ErrConsultationUnavailable) {
		t.Fatalf("expected consultation unavailable, got: %v", err)
	}
}

func TestIllegalTransitionsFail(t *testing.T) {
	env := newTestApp(t, Config{})
	patient, _ := env.login(t, testPhone, "patient")
	doctor, _ := env.login(t, "13900139000", "doctor")

	c, err := env.app.CreateConsultation(patient, "back pain", nil)
	if err != nil {
		t.Fatalf("create consultation: %v", err)
	}
	if _, err := env.app.Claim(c.ID, doctor); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// accepted -> completed skips in_progress.
	if _, err := env.app.Complete(c.ID, doctor); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got: %v", err)
	}
	if _, err := env.app.Start(c.ID, doctor); err != nil {
		t.Fatalf("start: %v", err)
	}
	// in_progress -> cancelled is not allowed.
	if _, err := env.app.Cancel(c.ID, patient); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on cancel, got: %v", err)
	}
	if _, err := env.app.Complete(c.ID, doctor); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// Terminal states admit nothing.
	if _, err := env.app.Complete(c.ID, doctor); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on double complete, got: %v", err)
	}
	if _, err := env.app.Cancel(c.ID, patient); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on cancel after complete, got: %v", err)
	}
}

func TestTransitionsRequireAssignedDoctor(t *testing.T) {
	env := newTestApp(t, Config{})
	patient, _ := env.login(t, testPhone, "patient")
	assigned, _ := env.login(t, "13900139000", "doctor")
	other, _ := env.login(t, "13900139001", "doctor")

	c, err := env.app.CreateConsultation(patient, "dizzy spells", nil)
	if err != nil {
		t.Fatalf("create consultation: %v", err)
	}
	if _, err := env.app.Claim(c.ID, assigned); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.app.Start(c.ID, other); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for unassigned doctor, got: %v", err)
	}
}

func TestGetConsultationHidesFromStrangers(t *testing.T) {
	env := newTestApp(t, Config{})
	patient, _ := env.login(t, testPhone, "patient")
	stranger, _ := env.login(t, "13700137000", "patient")

	c, err := env.app.CreateConsultation(patient, "sore throat", nil)
	if err != nil {
		t.Fatalf("create consultation: %v", err)
	}
	if _, err := env.app.GetConsultation(c.ID, stranger); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for stranger, got: %v", err)
	}
	if _, err := env.app.GetConsultation("missing-id", patient); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown id, got: %v", err)
	}
	if _, err := env.app.PostMessage(c.ID, stranger, "hi"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for stranger message, got: %v", err)
	}
}

func TestListPendingHonorsEligibility(t *testing.T) {
	env := newTestApp(t, Config{
		Eligibility: func(c domain.Consultation, _ domain.User) bool {
			return c.Description != "hidden"
		},
	})
	patient, _ := env.login(t, testPhone, "patient")
	doctor, _ := env.login(t, "13900139000", "doctor")

	if _, err := env.app.CreateConsultation(patient, "hidden", nil); err != nil {
		t.Fatalf("create hidden: %v", err)
	}
	visible, err := env.app.CreateConsultation(patient, "visible", nil)
	if err != nil {
		t.Fatalf("create visible: %v", err)
	}

	pending, err := env.app.ListPending(doctor)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != visible.ID {
		t.Fatalf("expected eligibility filter, got: %+v", pending)
	}
}

func TestMessagingDeliversInSequenceOrder(t *testing.T) {
	env := newTestApp(t, Config{})
	patient, _ := env.login(t, testPhone, "patient")
	doctor, _ := env.login(t, "13900139000", "doctor")

	c, err := env.app.CreateConsultation(patient, "chest tightness", nil)
	if err != nil {
		t.Fatalf("create consultation: %v", err)
	}
	if _, err := env.app.Claim(c.ID, doctor); err != nil {
		t.Fatalf("claim: %v", err)
	}

	sub, err := env.app.SubscribeMessages(c.ID, doctor)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	for i := 1; i <= 3; i++ {
		msg, err := env.app.PostMessage(c.ID, patient, fmt.Sprintf("message %d", i))
		if err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
		if msg.Sequence != int64(i) {
			t.Fatalf("expected sequence %d, got %d", i, msg.Sequence)
		}
	}

	for want := int64(1); want <= 3; want++ {
		msg := <-sub.C()
		if msg.Sequence != want {
			t.Fatalf("expected live sequence %d, got %d", want, msg.Sequence)
		}
	}

	replay, err := env.app.ListMessages(c.ID, patient, 1, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(replay) != 2 || replay[0].Sequence != 2 || replay[1].Sequence != 3 {
		t.Fatalf("unexpected replay: %+v", replay)
	}
}

func TestConcurrentPostsKeepSequencesContiguous(t *testing.T) {
	env := newTestApp(t, Config{})
	patient, _ := env.login(t, testPhone, "patient")
	doctor, _ := env.login(t, "13900139000", "doctor")

	c, err := env.app.CreateConsultation(patient, "insomnia", nil)
	if err != nil {
		t.Fatalf("create consultation: %v", err)
	}
	if _, err := env.app.Claim(c.ID, doctor); err != nil {
		t.Fatalf("claim: %v", err)
	}

	const writers = 6
	const perWriter = 10
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		sender := patient
		if i%2 == 0 {
			sender = doctor
		}
		go func(sender domain.User) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				if _, err := env.app.PostMessage(c.ID, sender, "ping"); err != nil {
					t.Errorf("post message: %v", err)
					return
				}
			}
		}(sender)
	}
	wg.Wait()

	msgs, err := env.app.ListMessages(c.ID, patient, 0, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != writers*perWriter {
		t.Fatalf("expected %d messages, got %d", writers*perWriter, len(msgs))
	}
	for i, msg := range msgs {
		if msg.Sequence != int64(i)+1 {
			t.Fatalf("expected contiguous sequence %d, got %d", i+1, msg.Sequence)
		}
	}
}

// Package verify issues and checks SMS login verification codes. Code
// delivery itself is an external concern hidden behind CodeSender; this
// package only owns issuance, hashing, expiry, and attempt limits.
package verify

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrSendRateLimited = errors.New("too many verification code requests")
	ErrPhoneRequired   = errors.New("phone number is required")

	// ErrCodeInvalid covers wrong, expired, consumed, and never-issued
	// codes alike, so callers cannot distinguish them.
	ErrCodeInvalid = errors.New("incorrect verification code")
)

const (
	defaultCodeTTL     = 5 * time.Minute
	defaultResendAfter = time.Minute
	maxVerifyAttempts  = 5
	codeLength         = 6
)

// CodeStore issues one active verification code per phone number and
// verifies submissions against it. Codes are stored hashed, expire, and
// are consumed on first successful verification.
type CodeStore interface {
	// IssueCode creates a code for the phone and returns it along with
	// its TTL and the resend backoff, both in seconds.
	IssueCode(phone string) (code string, ttlSeconds, resendSeconds int, err error)
	VerifyCode(phone, code string) error
}

// CodeSender delivers an issued code to the phone. SMS providers plug in
// here; the default implementation just logs.
type CodeSender interface {
	Send(ctx context.Context, phone, code string) error
}

// LogSender writes issued codes to the structured log. Development only.
type LogSender struct{}

func (LogSender) Send(_ context.Context, phone, code string) error {
	slog.Info("verification code issued", "phone", MaskPhone(phone), "code", code)
	return nil
}

type codeChallenge struct {
	Phone     string    `json:"phone"`
	CodeHash  string    `json:"codeHash"`
	ExpiresAt time.Time `json:"expiresAt"`
	Attempts  int       `json:"attempts"`
}

// RedisCodeStore keeps active codes in Redis.
type RedisCodeStore struct {
	client      *redis.Client
	keyPrefix   string
	codeTTL     time.Duration
	resendAfter time.Duration
}

// NewRedisCodeStore builds a Redis-backed code store.
func NewRedisCodeStore(addr, password string) (*RedisCodeStore, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("code store redis addr is required")
	}
	return &RedisCodeStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		keyPrefix:   "teleclinic:auth:code",
		codeTTL:     defaultCodeTTL,
		resendAfter: defaultResendAfter,
	}, nil
}

// IssueCode creates and stores a hashed code for the phone.
func (s *RedisCodeStore) IssueCode(phone string) (string, int, int, error) {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return "", 0, 0, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resendKey := s.resendKey(phone)
	allowed, err := s.client.SetNX(ctx, resendKey, "1", s.resendAfter).Result()
	if err != nil {
		return "", 0, 0, err
	}
	if !allowed {
		return "", 0, 0, ErrSendRateLimited
	}

	code, err := generateNumericCode(codeLength)
	if err != nil {
		_ = s.client.Del(ctx, resendKey).Err()
		return "", 0, 0, fmt.Errorf("generate code: %w", err)
	}
	codeHash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		_ = s.client.Del(ctx, resendKey).Err()
		return "", 0, 0, fmt.Errorf("hash code: %w", err)
	}
	challenge := codeChallenge{
		Phone:     phone,
		CodeHash:  string(codeHash),
		ExpiresAt: time.Now().UTC().Add(s.codeTTL),
	}
	raw, err := json.Marshal(challenge)
	if err != nil {
		_ = s.client.Del(ctx, resendKey).Err()
		return "", 0, 0, fmt.Errorf("marshal challenge: %w", err)
	}
	if err := s.client.Set(ctx, s.challengeKey(phone), raw, s.codeTTL+time.Minute).Err(); err != nil {
		_ = s.client.Del(ctx, resendKey).Err()
		return "", 0, 0, err
	}
	return code, int(s.codeTTL.Seconds()), int(s.resendAfter.Seconds()), nil
}

// VerifyCode checks a submitted code and consumes it on success.
func (s *RedisCodeStore) VerifyCode(phone, code string) error {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrCodeInvalid
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := s.challengeKey(phone)
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrCodeInvalid
	}
	if err != nil {
		return err
	}
	var challenge codeChallenge
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return fmt.Errorf("unmarshal challenge: %w", err)
	}
	if time.Now().UTC().After(challenge.ExpiresAt) {
		_ = s.client.Del(ctx, key).Err()
		return ErrCodeInvalid
	}
	if challenge.Attempts >= maxVerifyAttempts {
		_ = s.client.Del(ctx, key).Err()
		return ErrCodeInvalid
	}
	if bcrypt.CompareHashAndPassword([]byte(challenge.CodeHash), []byte(code)) != nil {
		challenge.Attempts++
		if challenge.Attempts >= maxVerifyAttempts {
			_ = s.client.Del(ctx, key).Err()
		} else if updated, marshalErr := json.Marshal(challenge); marshalErr == nil {
			ttl, ttlErr := s.client.TTL(ctx, key).Result()
			if ttlErr == nil && ttl > 0 {
				_ = s.client.Set(ctx, key, updated, ttl).Err()
			}
		}
		return ErrCodeInvalid
	}
	return s.client.Del(ctx, key).Err()
}

func (s *RedisCodeStore) challengeKey(phone string) string {
	return fmt.Sprintf("%s:challenge:%s", s.keyPrefix, phone)
}

func (s *RedisCodeStore) resendKey(phone string) string {
	return fmt.Sprintf("%s:resend:%s", s.keyPrefix, phone)
}

// MemoryCodeStore keeps active codes in-process (tests and dev runs).
type MemoryCodeStore struct {
	mu          sync.Mutex
	challenges  map[string]*codeChallenge
	lastIssued  map[string]time.Time
	codeTTL     time.Duration
	resendAfter time.Duration
}

// NewMemoryCodeStore builds an in-memory code store.
func NewMemoryCodeStore() *MemoryCodeStore {
	return &MemoryCodeStore{
		challenges:  make(map[string]*codeChallenge),
		lastIssued:  make(map[string]time.Time),
		codeTTL:     defaultCodeTTL,
		resendAfter: defaultResendAfter,
	}
}

// IssueCode creates and stores a hashed code for the phone.
func (s *MemoryCodeStore) IssueCode(phone string) (string, int, int, error) {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return "", 0, 0, err
	}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastIssued[phone]; ok && now.Sub(last) < s.resendAfter {
		return "", 0, 0, ErrSendRateLimited
	}
	code, err := generateNumericCode(codeLength)
	if err != nil {
		return "", 0, 0, fmt.Errorf("generate code: %w", err)
	}
	codeHash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.MinCost)
	if err != nil {
		return "", 0, 0, fmt.Errorf("hash code: %w", err)
	}
	s.challenges[phone] = &codeChallenge{
		Phone:     phone,
		CodeHash:  string(codeHash),
		ExpiresAt: now.Add(s.codeTTL),
	}
	s.lastIssued[phone] = now
	return code, int(s.codeTTL.Seconds()), int(s.resendAfter.Seconds()), nil
}

// VerifyCode checks a submitted code and consumes it on success.
func (s *MemoryCodeStore) VerifyCode(phone, code string) error {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrCodeInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	challenge, ok := s.challenges[phone]
	if !ok {
		return ErrCodeInvalid
	}
	if time.Now().UTC().After(challenge.ExpiresAt) {
		delete(s.challenges, phone)
		return ErrCodeInvalid
	}
	if challenge.Attempts >= maxVerifyAttempts {
		delete(s.challenges, phone)
		return ErrCodeInvalid
	}
	if bcrypt.CompareHashAndPassword([]byte(challenge.CodeHash), []byte(code)) != nil {
		challenge.Attempts++
		if challenge.Attempts >= maxVerifyAttempts {
			delete(s.challenges, phone)
		}
		return ErrCodeInvalid
	}
	delete(s.challenges, phone)
	return nil
}

// Seed installs a known code for a phone, bypassing the resend limit.
// Test helper.
func (s *MemoryCodeStore) Seed(phone, code string) error {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return err
	}
	codeHash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.MinCost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.challenges[phone] = &codeChallenge{
		Phone:     phone,
		CodeHash:  string(codeHash),
		ExpiresAt: time.Now().UTC().Add(defaultCodeTTL),
	}
	s.mu.Unlock()
	return nil
}

// NormalizePhone validates and canonicalizes a phone number: digits only,
// optional leading +, 5 to 15 digits.
func NormalizePhone(phone string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", ErrPhoneRequired
	}
	normalized := phone
	if strings.HasPrefix(normalized, "+") {
		normalized = normalized[1:]
	}
	if len(normalized) < 5 || len(normalized) > 15 {
		return "", ErrPhoneRequired
	}
	for _, r := range normalized {
		if r < '0' || r > '9' {
			return "", ErrPhoneRequired
		}
	}
	return phone, nil
}

// MaskPhone hides the middle digits of a phone number for logging.
func MaskPhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if len(phone) <= 7 {
		return "***"
	}
	return phone[:3] + "****" + phone[len(phone)-4:]
}

func generateNumericCode(length int) (string, error) {
	if length <= 0 {
		length = codeLength
	}
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

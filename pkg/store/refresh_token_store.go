package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrRefreshTokenUnknown indicates the token was never issued or has
	// expired.
	ErrRefreshTokenUnknown = errors.New("unknown refresh token")
	// ErrRefreshTokenConsumed indicates reuse of a token that was already
	// rotated or invalidated. Reuse revokes the whole chain.
	ErrRefreshTokenConsumed = errors.New("refresh token already consumed")
)

// RefreshTokenStore persists refresh token chains. Each login opens one
// chain; every rotation invalidates the prior token, and presenting a
// stale token revokes the chain outright.
type RefreshTokenStore interface {
	NewToken(userID string, ttl time.Duration) (string, error)
	RotateToken(token string, ttl time.Duration) (userID string, newToken string, err error)
	DeleteToken(token string) error
}

type refreshChain struct {
	userID      string
	currentHash string
	expiry      time.Time
}

// MemoryRefreshTokenStore keeps refresh token chains in memory.
type MemoryRefreshTokenStore struct {
	mu          sync.Mutex
	chains      map[string]refreshChain        // chainID -> chain
	tokenChain  map[string]string              // tokenHash -> chainID
	chainTokens map[string]map[string]struct{} // chainID -> every hash ever issued
}

// NewMemoryRefreshTokenStore constructs an in-memory refresh token store.
func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{
		chains:      make(map[string]refreshChain),
		tokenChain:  make(map[string]string),
		chainTokens: make(map[string]map[string]struct{}),
	}
}

// NewToken opens a new refresh chain for the user and returns its token.
func (s *MemoryRefreshTokenStore) NewToken(userID string, ttl time.Duration) (string, error) {
	token, err := generateRefreshToken()
	if err != nil {
		return "", err
	}
	chainID, err := generateChainID()
	if err != nil {
		return "", err
	}
	tokenHash := refreshTokenHash(token)
	now := time.Now().UTC()

	s.mu.Lock()
	s.chains[chainID] = refreshChain{
		userID:      userID,
		currentHash: tokenHash,
		expiry:      now.Add(ttl),
	}
	s.tokenChain[tokenHash] = chainID
	s.chainTokens[chainID] = map[string]struct{}{tokenHash: {}}
	s.mu.Unlock()
	return token, nil
}

// RotateToken consumes the presented token and issues the chain's next one.
func (s *MemoryRefreshTokenStore) RotateToken(token string, ttl time.Duration) (string, string, error) {
	tokenHash := refreshTokenHash(token)
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	chainID, ok := s.tokenChain[tokenHash]
	if !ok {
		return "", "", ErrRefreshTokenUnknown
	}
	chain, ok := s.chains[chainID]
	if !ok || now.After(chain.expiry) {
		s.revokeChainLocked(chainID)
		return "", "", ErrRefreshTokenUnknown
	}
	if chain.currentHash != tokenHash {
		// Reuse of a previously rotated token: revoke the whole chain.
		s.revokeChainLocked(chainID)
		return "", "", ErrRefreshTokenConsumed
	}

	newToken, err := generateRefreshToken()
	if err != nil {
		return "", "", err
	}
	newHash := refreshTokenHash(newToken)
	chain.currentHash = newHash
	chain.expiry = now.Add(ttl)
	s.chains[chainID] = chain
	s.tokenChain[newHash] = chainID
	s.chainTokens[chainID][newHash] = struct{}{}
	return chain.userID, newToken, nil
}

// DeleteToken revokes the entire chain containing this token.
func (s *MemoryRefreshTokenStore) DeleteToken(token string) error {
	tokenHash := refreshTokenHash(token)

	s.mu.Lock()
	if chainID, ok := s.tokenChain[tokenHash]; ok {
		s.revokeChainLocked(chainID)
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryRefreshTokenStore) revokeChainLocked(chainID string) {
	for h := range s.chainTokens[chainID] {
		delete(s.tokenChain, h)
	}
	delete(s.chainTokens, chainID)
	delete(s.chains, chainID)
}

// RedisRefreshTokenStore stores refresh token chains in Redis.
type RedisRefreshTokenStore struct {
	client *redis.Client
}

// NewRedisRefreshTokenStore builds a Redis-backed refresh token store.
func NewRedisRefreshTokenStore(addr, password string) *RedisRefreshTokenStore {
	return &RedisRefreshTokenStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
	}
}

// NewToken opens a new refresh chain for the user and returns its token.
func (s *RedisRefreshTokenStore) NewToken(userID string, ttl time.Duration) (string, error) {
	token, err := generateRefreshToken()
	if err != nil {
		return "", err
	}
	chainID, err := generateChainID()
	if err != nil {
		return "", err
	}
	tokenHash := refreshTokenHash(token)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, refreshTokenKey(tokenHash), chainID, ttl)
	pipe.HSet(ctx, refreshChainKey(chainID), map[string]any{
		"userId":      userID,
		"currentHash": tokenHash,
	})
	pipe.Expire(ctx, refreshChainKey(chainID), ttl)
	pipe.SAdd(ctx, refreshChainTokensKey(chainID), tokenHash)
	pipe.Expire(ctx, refreshChainTokensKey(chainID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return token, nil
}

// RotateToken consumes the presented token and issues the chain's next one.
// Concurrent rotations of the same token are arbitrated by WATCH on the
// chain hash: one wins, the other observes a consumed token.
func (s *RedisRefreshTokenStore) RotateToken(token string, ttl time.Duration) (string, string, error) {
	tokenHash := refreshTokenHash(token)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for {
		if err := ctx.Err(); err != nil {
			return "", "", err
		}

		chainID, err := s.client.Get(ctx, refreshTokenKey(tokenHash)).Result()
		if err == redis.Nil {
			return "", "", ErrRefreshTokenUnknown
		}
		if err != nil {
			return "", "", err
		}

		chainKey := refreshChainKey(chainID)
		var (
			userID       string
			newToken     string
			shouldRevoke bool
		)

		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			chainData, err := tx.HGetAll(ctx, chainKey).Result()
			if err != nil {
				return err
			}
			if len(chainData) == 0 {
				shouldRevoke = true
				return ErrRefreshTokenUnknown
			}

			currentHash := chainData["currentHash"]
			userID = chainData["userId"]
			if currentHash == "" || userID == "" {
				shouldRevoke = true
				return ErrRefreshTokenUnknown
			}
			if currentHash != tokenHash {
				shouldRevoke = true
				return ErrRefreshTokenConsumed
			}

			newToken, err = generateRefreshToken()
			if err != nil {
				return err
			}
			newHash := refreshTokenHash(newToken)

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, refreshTokenKey(newHash), chainID, ttl)
				pipe.HSet(ctx, chainKey, map[string]any{
					"userId":      userID,
					"currentHash": newHash,
				})
				pipe.Expire(ctx, chainKey, ttl)
				pipe.SAdd(ctx, refreshChainTokensKey(chainID), newHash)
				pipe.Expire(ctx, refreshChainTokensKey(chainID), ttl)
				return nil
			})
			return err
		}, chainKey)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if shouldRevoke {
				_ = s.revokeChain(ctx, chainID)
			}
			if errors.Is(err, ErrRefreshTokenConsumed) {
				return "", "", ErrRefreshTokenConsumed
			}
			if errors.Is(err, ErrRefreshTokenUnknown) {
				return "", "", ErrRefreshTokenUnknown
			}
			return "", "", err
		}
		return userID, newToken, nil
	}
}

// DeleteToken revokes the entire chain containing this token.
func (s *RedisRefreshTokenStore) DeleteToken(token string) error {
	tokenHash := refreshTokenHash(token)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	chainID, err := s.client.Get(ctx, refreshTokenKey(tokenHash)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	return s.revokeChain(ctx, chainID)
}

func (s *RedisRefreshTokenStore) revokeChain(ctx context.Context, chainID string) error {
	hashes, err := s.client.SMembers(ctx, refreshChainTokensKey(chainID)).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	pipe := s.client.TxPipeline()
	for _, tokenHash := range hashes {
		pipe.Del(ctx, refreshTokenKey(tokenHash))
	}
	pipe.Del(ctx, refreshChainTokensKey(chainID))
	pipe.Del(ctx, refreshChainKey(chainID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return err
	}
	return nil
}

func generateRefreshToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func generateChainID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func refreshTokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func refreshTokenKey(tokenHash string) string {
	return fmt.Sprintf("refresh:token:%s", tokenHash)
}

func refreshChainKey(chainID string) string {
	return fmt.Sprintf("refresh:chain:%s", chainID)
}

func refreshChainTokensKey(chainID string) string {
	return fmt.Sprintf("refresh:chain_tokens:%s", chainID)
}

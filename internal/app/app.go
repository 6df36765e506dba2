package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"teleclinic/internal/events"
	"teleclinic/internal/verify"
	"teleclinic/pkg/chat"
	"teleclinic/pkg/domain"
	"teleclinic/pkg/storage"
	"teleclinic/pkg/store"
)

const avatarURLTTL = 7 * 24 * time.Hour

// EligibilityPolicy decides whether a pending consultation is visible to
// (and claimable by) a given doctor. The default admits every doctor;
// specialty or availability matching plugs in here.
type EligibilityPolicy func(c domain.Consultation, doctor domain.User) bool

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL         string
	RedisAddr           string
	RedisPassword       string
	SessionTTL          time.Duration
	RefreshTTL          time.Duration
	JWTPrivateKeyPath   string
	JWTPublicKeyPath    string
	JWTKeyID            string
	JWTVerifyPublicKeys map[string]string
	JWTIssuer           string
	JWTAudience         string
	JWTLeeway           time.Duration
	StreamBuffer        int

	// Injectable dependencies; nil selects the production default built
	// from the fields above.
	Store         store.Store
	Sessions      store.SessionStore
	RefreshTokens store.RefreshTokenStore
	Codes         verify.CodeStore
	CodeSender    verify.CodeSender
	Hub           *chat.Hub
	Avatars       storage.ObjectStore
	Events        events.Publisher
	Eligibility   EligibilityPolicy
}

// App wires storage, sessions, the claim path, and the chat hub into the
// consultation core.
type App struct {
	store         store.Store
	sessions      store.SessionStore
	refreshTokens store.RefreshTokenStore
	codes         verify.CodeStore
	codeSender    verify.CodeSender
	hub           *chat.Hub
	avatars       storage.ObjectStore
	events        events.Publisher
	eligible      EligibilityPolicy
	refreshTTL    time.Duration
	locks         *keyedLocks
}

// New constructs the application with storage and session management.
func New(cfg Config) (*App, error) {
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}

	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}

	sessionStore := cfg.Sessions
	if sessionStore == nil {
		if strings.TrimSpace(cfg.JWTPrivateKeyPath) == "" {
			return nil, fmt.Errorf("jwtPrivateKeyPath is required")
		}
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return nil, fmt.Errorf("redisAddr is required for jwt+redis session strategy")
		}
		revoker := store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword)
		jwtStore, err := store.NewJWTSessionStoreFromPEM(
			cfg.JWTPrivateKeyPath,
			cfg.JWTPublicKeyPath,
			cfg.JWTKeyID,
			cfg.JWTVerifyPublicKeys,
			cfg.SessionTTL,
			revoker,
			store.JWTOptions{
				Issuer:   cfg.JWTIssuer,
				Audience: cfg.JWTAudience,
				Leeway:   cfg.JWTLeeway,
			},
		)
		if err != nil {
			return nil, fmt.Errorf("init jwt session store: %w", err)
		}
		sessionStore = jwtStore
	}

	refreshStore := cfg.RefreshTokens
	if refreshStore == nil {
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return nil, fmt.Errorf("redisAddr is required for refresh token storage")
		}
		refreshStore = store.NewRedisRefreshTokenStore(cfg.RedisAddr, cfg.RedisPassword)
	}

	codeStore := cfg.Codes
	if codeStore == nil {
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return nil, fmt.Errorf("redisAddr is required for verification code storage")
		}
		var err error
		codeStore, err = verify.NewRedisCodeStore(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, fmt.Errorf("init code store: %w", err)
		}
	}

	codeSender := cfg.CodeSender
	if codeSender == nil {
		codeSender = verify.LogSender{}
	}

	hub := cfg.Hub
	if hub == nil {
		hub = chat.NewHub(cfg.StreamBuffer)
	}

	publisher := cfg.Events
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}

	eligible := cfg.Eligibility
	if eligible == nil {
		eligible = func(domain.Consultation, domain.User) bool { return true }
	}

	return &App{
		store:         dataStore,
		sessions:      sessionStore,
		refreshTokens: refreshStore,
		codes:         codeStore,
		codeSender:    codeSender,
		hub:           hub,
		avatars:       cfg.Avatars,
		events:        publisher,
		eligible:      eligible,
		refreshTTL:    cfg.RefreshTTL,
		locks:         newKeyedLocks(),
	}, nil
}

// RequestLoginCode issues a verification code for the phone and hands it
// to the configured sender.
func (a *App) RequestLoginCode(ctx context.Context, phone string) (ttlSeconds, resendSeconds int, err error) {
	code, ttl, resend, err := a.codes.IssueCode(phone)
	if err != nil {
		return 0, 0, err
	}
	if err := a.codeSender.Send(ctx, phone, code); err != nil {
		return 0, 0, fmt.Errorf("send verification code: %w", err)
	}
	return ttl, resend, nil
}

// Login verifies the code for the phone, creates the user on first login,
// and issues a token pair. A phone already registered under a different
// role than the requested one fails with domain.ErrRoleMismatch.
func (a *App) Login(phone, code, role string) (domain.User, domain.TokenPair, error) {
	phone, err := verify.NormalizePhone(phone)
	if err != nil {
		return domain.User{}, domain.TokenPair{}, ErrPhoneRequired
	}
	if strings.TrimSpace(code) == "" {
		return domain.User{}, domain.TokenPair{}, ErrVerifyCodeRequired
	}

	var requested domain.UserRole
	if strings.TrimSpace(role) != "" {
		parsed, ok := domain.ParseUserRole(strings.TrimSpace(role))
		if !ok {
			return domain.User{}, domain.TokenPair{}, ErrInvalidRole
		}
		requested = parsed
	}

	if err := a.codes.VerifyCode(phone, code); err != nil {
		if errors.Is(err, verify.ErrCodeInvalid) {
			return domain.User{}, domain.TokenPair{}, domain.ErrInvalidCredentials
		}
		return domain.User{}, domain.TokenPair{}, fmt.Errorf("verify code: %w", err)
	}

	user, found, err := a.store.GetUserByPhone(phone)
	if err != nil {
		return domain.User{}, domain.TokenPair{}, fmt.Errorf("fetch user: %w", err)
	}
	switch {
	case found && requested != "" && user.Role != requested:
		return domain.User{}, domain.TokenPair{}, domain.ErrRoleMismatch
	case !found:
		if requested == "" {
			requested = domain.RolePatient
		}
		user, err = a.createUser(phone, requested)
		if err != nil {
			return domain.User{}, domain.TokenPair{}, err
		}
	}

	pair, err := a.issueTokens(user)
	if err != nil {
		return domain.User{}, domain.TokenPair{}, err
	}
	return user, pair, nil
}

// Refresh rotates the refresh token and issues a new token pair. A token
// that was already rotated, logged out, or replayed fails with
// domain.ErrRevokedToken.
func (a *App) Refresh(refreshToken string) (domain.User, domain.TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return domain.User{}, domain.TokenPair{}, ErrRefreshTokenRequired
	}
	userID, newRefreshToken, err := a.refreshTokens.RotateToken(refreshToken, a.refreshTTL)
	if err != nil {
		if errors.Is(err, store.ErrRefreshTokenUnknown) || errors.Is(err, store.ErrRefreshTokenConsumed) {
			return domain.User{}, domain.TokenPair{}, domain.ErrRevokedToken
		}
		return domain.User{}, domain.TokenPair{}, fmt.Errorf("rotate refresh token: %w", err)
	}
	user, found, err := a.store.GetUserByID(userID)
	if err != nil {
		return domain.User{}, domain.TokenPair{}, fmt.Errorf("fetch user: %w", err)
	}
	if !found {
		_ = a.refreshTokens.DeleteToken(newRefreshToken)
		return domain.User{}, domain.TokenPair{}, domain.ErrRevokedToken
	}
	accessToken, err := a.sessions.NewSession(user.ID, user.Role)
	if err != nil {
		_ = a.refreshTokens.DeleteToken(newRefreshToken)
		return domain.User{}, domain.TokenPair{}, fmt.Errorf("issue access token: %w", err)
	}
	return user, domain.TokenPair{AccessToken: accessToken, RefreshToken: newRefreshToken}, nil
}

// Logout revokes the access token and, when supplied, the refresh chain.
func (a *App) Logout(accessToken, refreshToken string) error {
	if err := a.sessions.DeleteSession(accessToken); err != nil {
		return err
	}
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil
	}
	return a.refreshTokens.DeleteToken(refreshToken)
}

// Identity resolves the user id and role carried by an access token.
func (a *App) Identity(accessToken string) (string, domain.UserRole, error) {
	return a.sessions.Identity(accessToken)
}

// UserFromToken resolves the full user record behind an access token.
func (a *App) UserFromToken(accessToken string) (domain.User, error) {
	userID, _, err := a.sessions.Identity(accessToken)
	if err != nil {
		return domain.User{}, err
	}
	user, found, err := a.store.GetUserByID(userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !found {
		return domain.User{}, domain.ErrInvalidToken
	}
	return user, nil
}

// UpdateNickname changes the user's display name.
func (a *App) UpdateNickname(user domain.User, nickname string) (domain.User, error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return user, nil
	}
	user.Nickname = nickname
	user.UpdatedAt = time.Now().UTC()
	if err := a.store.SaveUser(user); err != nil {
		return domain.User{}, fmt.Errorf("update user: %w", err)
	}
	return user, nil
}

// UpdateAvatar stores the uploaded image and saves a presigned URL on the
// user record.
func (a *App) UpdateAvatar(ctx context.Context, user domain.User, filename string, r io.Reader, size int64, contentType string) (domain.User, error) {
	if a.avatars == nil {
		return domain.User{}, ErrAvatarStoreUnavailable
	}
	key := "avatars/" + user.ID + strings.ToLower(path.Ext(filename))
	if err := a.avatars.Put(ctx, key, r, size, contentType); err != nil {
		return domain.User{}, fmt.Errorf("store avatar: %w", err)
	}
	url, err := a.avatars.PresignGet(ctx, key, avatarURLTTL)
	if err != nil {
		return domain.User{}, fmt.Errorf("presign avatar: %w", err)
	}
	user.AvatarURL = url
	user.UpdatedAt = time.Now().UTC()
	if err := a.store.SaveUser(user); err != nil {
		return domain.User{}, fmt.Errorf("update user: %w", err)
	}
	return user, nil
}

// JWKS returns public signing keys when the session store supports it.
func (a *App) JWKS() []store.JWK {
	provider, ok := a.sessions.(store.JWKSProvider)
	if !ok {
		return nil
	}
	return provider.JWKS()
}

func (a *App) issueTokens(user domain.User) (domain.TokenPair, error) {
	accessToken, err := a.sessions.NewSession(user.ID, user.Role)
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("issue access token: %w", err)
	}
	refreshToken, err := a.refreshTokens.NewToken(user.ID, a.refreshTTL)
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("issue refresh token: %w", err)
	}
	return domain.TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

func (a *App) createUser(phone string, role domain.UserRole) (domain.User, error) {
	now := time.Now().UTC()
	user := domain.User{
		ID:        uuid.NewString(),
		Phone:     phone,
		Role:      role,
		Nickname:  defaultNickname(phone),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.SaveUser(user); err != nil {
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	slog.Info("user registered", "user_id", user.ID, "role", user.Role, "phone", verify.MaskPhone(phone))
	return user, nil
}

func defaultNickname(phone string) string {
	return "user_" + verify.MaskPhone(phone)
}

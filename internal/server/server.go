package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"teleclinic/internal/app"
	"teleclinic/internal/ratelimit"
	"teleclinic/internal/util"
	"teleclinic/internal/verify"
	"teleclinic/pkg/domain"
)

// Envelope codes. Zero means success; everything else maps 1:1 onto the
// error taxonomy so clients can branch without parsing messages.
const (
	codeOK = 0

	codeBadRequest = 1000

	codeInvalidCredentials = 1001
	codeRoleMismatch       = 1002
	codeExpiredToken       = 1003
	codeInvalidToken       = 1004
	codeRevokedToken       = 1005

	codeNotFound                = 2001
	codeInvalidTransition       = 2002
	codeAlreadyClaimed          = 2003
	codeConsultationClosed      = 2004
	codeConsultationUnavailable = 2005

	codeSubscriberOverflow = 3001

	codeForbidden   = 4003
	codeRateLimited = 4029
	codeInternal    = 5000
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                     *app.App
	RedisAddr               string
	RedisPassword           string
	CodeRateLimitPerMinute  int
	LoginRateLimitPerMinute int
	RefreshRateLimitPerMin  int
	TrustedProxies          []string
	MaxAvatarBytes          int64
}

// Server exposes the HTTP/JSON API for the consultation core.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	codeLimiter    *ratelimit.FixedWindowLimiter
	loginLimiter   *ratelimit.FixedWindowLimiter
	refreshLimiter *ratelimit.FixedWindowLimiter
	trustedProxies *util.TrustedProxies
	maxAvatarBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	codeLimit := cfg.CodeRateLimitPerMinute
	if codeLimit <= 0 {
		codeLimit = 5
	}
	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 10
	}
	refreshLimit := cfg.RefreshRateLimitPerMin
	if refreshLimit <= 0 {
		refreshLimit = 20
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "teleclinic:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	codeLimiter, err := newLimiter("code", codeLimit)
	if err != nil {
		return nil, err
	}
	loginLimiter, err := newLimiter("login", loginLimit)
	if err != nil {
		return nil, err
	}
	refreshLimiter, err := newLimiter("refresh", refreshLimit)
	if err != nil {
		return nil, err
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	maxAvatarBytes := cfg.MaxAvatarBytes
	if maxAvatarBytes <= 0 {
		maxAvatarBytes = 2 << 20
	}

	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		codeLimiter:    codeLimiter,
		loginLimiter:   loginLimiter,
		refreshLimiter: refreshLimiter,
		trustedProxies: trusted,
		maxAvatarBytes: maxAvatarBytes,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler wrapped in the middleware chain.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(util.WithRequestLog("teleclinic", s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/code", s.handleRequestCode)
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/auth/refresh", s.handleRefresh)
	s.mux.HandleFunc("/api/auth/logout", s.handleLogout)
	s.mux.HandleFunc("/.well-known/jwks.json", s.handleJWKS)

	// users
	s.mux.Handle("/api/users/me", s.authenticated(s.handleMe))
	s.mux.Handle("/api/users/me/avatar", s.authenticated(s.handleAvatar))

	// consultations
	s.mux.Handle("/api/consultations", s.authenticated(s.handleConsultations))
	s.mux.Handle("/api/consultations/pending", s.requireRole(domain.RoleDoctor, s.handlePending))
	s.mux.Handle("/api/consultations/", s.authenticated(s.handleConsultationByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers

type authHandler func(http.ResponseWriter, *http.Request, domain.User)

// authenticated resolves the bearer token into a full user record before
// invoking the handler. Expired and invalid tokens carry distinct
// envelope codes so clients know when a refresh will help.
func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, codeInvalidToken, "unauthorized")
			return
		}
		user, err := s.app.UserFromToken(token)
		if err != nil {
			if errors.Is(err, domain.ErrExpiredToken) {
				writeError(w, http.StatusUnauthorized, codeExpiredToken, domain.ErrExpiredToken.Error())
				return
			}
			writeError(w, http.StatusUnauthorized, codeInvalidToken, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

// requireRole is the capability guard: the token's role claim must match
// the role the route demands.
func (s *Server) requireRole(role domain.UserRole, next authHandler) http.Handler {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request, user domain.User) {
		if user.Role != role {
			writeError(w, http.StatusForbidden, codeForbidden, "forbidden")
			return
		}
		next(w, r, user)
	})
}

// auth handlers

func (s *Server) handleRequestCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.codeLimiter.Allow(util.ClientIP(r, s.trustedProxies)) {
		writeError(w, http.StatusTooManyRequests, codeRateLimited, "too many requests")
		return
	}
	var req requestCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	ttl, resend, err := s.app.RequestLoginCode(r.Context(), req.Phone)
	if err != nil {
		if errors.Is(err, verify.ErrSendRateLimited) {
			writeError(w, http.StatusTooManyRequests, codeRateLimited, err.Error())
			return
		}
		if errors.Is(err, verify.ErrPhoneRequired) {
			writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
			return
		}
		s.internalError(w, r, "request login code", err)
		return
	}
	writeData(w, http.StatusOK, requestCodeResponse{ExpiresIn: ttl, ResendAfter: resend})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.loginLimiter.Allow(util.ClientIP(r, s.trustedProxies)) {
		writeError(w, http.StatusTooManyRequests, codeRateLimited, "too many requests")
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	user, pair, err := s.app.Login(req.Phone, req.VerifyCode, req.Role)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, loginResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		User:         user,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.refreshLimiter.Allow(util.ClientIP(r, s.trustedProxies)) {
		writeError(w, http.StatusTooManyRequests, codeRateLimited, "too many requests")
		return
	}
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	user, pair, err := s.app.Refresh(req.RefreshToken)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, loginResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		User:         user,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, codeInvalidToken, "unauthorized")
		return
	}
	var req refreshRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
			return
		}
	}
	if err := s.app.Logout(token, req.RefreshToken); err != nil {
		s.internalError(w, r, "logout", err)
		return
	}
	writeData(w, http.StatusOK, nil)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	keys := s.app.JWKS()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys})
}

// user handlers

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		writeData(w, http.StatusOK, user)
	case http.MethodPatch:
		var req updateMeRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
			return
		}
		updated, err := s.app.UpdateNickname(user, req.Nickname)
		if err != nil {
			s.internalError(w, r, "update nickname", err)
			return
		}
		writeData(w, http.StatusOK, updated)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleAvatar(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxAvatarBytes)
	file, header, err := r.FormFile("avatar")
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "avatar file is required")
		return
	}
	defer file.Close()
	contentType := header.Header.Get("Content-Type")
	updated, err := s.app.UpdateAvatar(r.Context(), user, header.Filename, file, header.Size, contentType)
	if err != nil {
		if errors.Is(err, app.ErrAvatarStoreUnavailable) {
			writeError(w, http.StatusNotImplemented, codeBadRequest, err.Error())
			return
		}
		s.internalError(w, r, "update avatar", err)
		return
	}
	writeData(w, http.StatusOK, updated)
}

// consultation handlers

func (s *Server) handleConsultations(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodPost:
		if user.Role != domain.RolePatient {
			writeError(w, http.StatusForbidden, codeForbidden, "forbidden")
			return
		}
		var req createConsultationRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
			return
		}
		c, err := s.app.CreateConsultation(user, req.Description, req.Intake)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeData(w, http.StatusCreated, c)
	case http.MethodGet:
		list, err := s.app.ListMine(user)
		if err != nil {
			s.internalError(w, r, "list consultations", err)
			return
		}
		writeData(w, http.StatusOK, list)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	list, err := s.app.ListPending(user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, list)
}

// handleConsultationByID routes /api/consultations/{id} and its
// sub-resources (accept, start, complete, cancel, messages, stream).
func (s *Server) handleConsultationByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/consultations/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" || strings.Contains(action, "/") {
		writeError(w, http.StatusNotFound, codeNotFound, domain.ErrNotFound.Error())
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		c, err := s.app.GetConsultation(id, user)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, c)
	case "accept":
		if r.Method != http.MethodPut {
			methodNotAllowed(w)
			return
		}
		c, err := s.app.Claim(id, user)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, c)
	case "start":
		s.handleTransition(w, r, user, id, s.app.Start)
	case "complete":
		s.handleTransition(w, r, user, id, s.app.Complete)
	case "cancel":
		s.handleTransition(w, r, user, id, s.app.Cancel)
	case "messages":
		s.handleMessages(w, r, user, id)
	case "stream":
		s.handleStream(w, r, user, id)
	default:
		writeError(w, http.StatusNotFound, codeNotFound, domain.ErrNotFound.Error())
	}
}

func (s *Server) handleTransition(
	w http.ResponseWriter,
	r *http.Request,
	user domain.User,
	id string,
	apply func(string, domain.User) (domain.Consultation, error),
) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	c, err := apply(id, user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, c)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	switch r.Method {
	case http.MethodGet:
		fromSeq, err := parseFromSequence(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, "invalid fromSequence")
			return
		}
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit < 0 {
				writeError(w, http.StatusBadRequest, codeBadRequest, "invalid limit")
				return
			}
		}
		msgs, err := s.app.ListMessages(id, user, fromSeq, limit)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, msgs)
	case http.MethodPost:
		var req postMessageRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
			return
		}
		msg, err := s.app.PostMessage(id, user, req.Content)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeData(w, http.StatusCreated, msg)
	default:
		methodNotAllowed(w)
	}
}

// error mapping

// writeAppError maps domain and validation errors onto the envelope. Any
// error outside the taxonomy is treated as internal.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, codeInvalidCredentials, err.Error())
	case errors.Is(err, domain.ErrRoleMismatch):
		writeError(w, http.StatusConflict, codeRoleMismatch, err.Error())
	case errors.Is(err, domain.ErrExpiredToken):
		writeError(w, http.StatusUnauthorized, codeExpiredToken, err.Error())
	case errors.Is(err, domain.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, codeInvalidToken, err.Error())
	case errors.Is(err, domain.ErrRevokedToken):
		writeError(w, http.StatusUnauthorized, codeRevokedToken, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, codeInvalidTransition, err.Error())
	case errors.Is(err, domain.ErrAlreadyClaimed):
		writeError(w, http.StatusConflict, codeAlreadyClaimed, err.Error())
	case errors.Is(err, domain.ErrConsultationClosed):
		writeError(w, http.StatusConflict, codeConsultationClosed, err.Error())
	case errors.Is(err, domain.ErrConsultationUnavailable):
		writeError(w, http.StatusConflict, codeConsultationUnavailable, err.Error())
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, codeForbidden, "forbidden")
	case errors.Is(err, app.ErrPhoneRequired),
		errors.Is(err, app.ErrVerifyCodeRequired),
		errors.Is(err, app.ErrRefreshTokenRequired),
		errors.Is(err, app.ErrInvalidRole),
		errors.Is(err, app.ErrDescriptionRequired),
		errors.Is(err, app.ErrContentRequired):
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
	default:
		s.internalError(w, r, "request failed", err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	util.LoggerFromContext(r.Context()).Error(msg, "err", err)
	writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
}

// request/response types

type requestCodeRequest struct {
	Phone string `json:"phone"`
}

type requestCodeResponse struct {
	ExpiresIn   int `json:"expiresIn"`
	ResendAfter int `json:"resendAfter"`
}

type loginRequest struct {
	Phone      string `json:"phone"`
	VerifyCode string `json:"verifyCode"`
	Role       string `json:"role"`
}

type loginResponse struct {
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	User         domain.User `json:"user"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type updateMeRequest struct {
	Nickname string `json:"nickname"`
}

type createConsultationRequest struct {
	Description string          `json:"description"`
	Intake      json.RawMessage `json:"intake"`
}

type postMessageRequest struct {
	Content string `json:"content"`
}

// helpers

type envelope struct {
	Code    int    `json:"code"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Code: codeOK, Data: data})
}

func writeError(w http.ResponseWriter, status, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Code: code, Message: msg})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, codeBadRequest, "method not allowed")
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func parseFromSequence(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("fromSequence"))
	if raw == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("invalid fromSequence %q", raw)
	}
	return seq, nil
}

package server

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"teleclinic/internal/app"
	"teleclinic/internal/verify"
	"teleclinic/pkg/domain"
	"teleclinic/pkg/store"
)

type testServer struct {
	srv   *httptest.Server
	codes *verify.MemoryCodeStore
}

type testEnvelope struct {
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func newTestServer(t *testing.T, override func(*Config)) *testServer {
	t.Helper()

	privatePath, publicPath := writeRSAKeyPairFiles(t)
	sessions, err := store.NewJWTSessionStoreFromPEM(
		privatePath,
		publicPath,
		"jwt-active",
		nil,
		time.Minute,
		store.NewMemoryTokenRevoker(),
		store.JWTOptions{},
	)
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}

	codes := verify.NewMemoryCodeStore()
	appCore, err := app.New(app.Config{
		Store:         store.NewMemoryStore(),
		Sessions:      sessions,
		RefreshTokens: store.NewMemoryRefreshTokenStore(),
		Codes:         codes,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	redis := miniredis.RunT(t)
	cfg := Config{
		App:       appCore,
		RedisAddr: redis.Addr(),
	}
	if override != nil {
		override(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, codes: codes}
}

func (ts *testServer) postJSON(t *testing.T, path, token string, body any) (*http.Response, testEnvelope) {
	t.Helper()
	return ts.do(t, http.MethodPost, path, token, body)
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) (*http.Response, testEnvelope) {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var env testEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope for %s %s: %v", method, path, err)
	}
	return resp, env
}

func (ts *testServer) login(t *testing.T, phone, role string) (domain.User, string, string) {
	t.Helper()
	if err := ts.codes.Seed(phone, "123456"); err != nil {
		t.Fatalf("seed code: %v", err)
	}
	resp, env := ts.postJSON(t, "/api/auth/login", "", map[string]string{
		"phone":      phone,
		"verifyCode": "123456",
		"role":       role,
	})
	if resp.StatusCode != http.StatusOK || env.Code != 0 {
		t.Fatalf("login %s: status=%d code=%d message=%q", phone, resp.StatusCode, env.Code, env.Message)
	}
	var data struct {
		AccessToken  string      `json:"accessToken"`
		RefreshToken string      `json:"refreshToken"`
		User         domain.User `json:"user"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode login data: %v", err)
	}
	return data.User, data.AccessToken, data.RefreshToken
}

func TestLoginEndpointEnvelope(t *testing.T) {
	ts := newTestServer(t, nil)

	user, access, refresh := ts.login(t, "13800138000", "patient")
	if user.Role != domain.RolePatient || access == "" || refresh == "" {
		t.Fatalf("unexpected login result: user=%+v", user)
	}

	// Wrong code carries the invalid-credentials envelope code.
	if err := ts.codes.Seed("13800138000", "123456"); err != nil {
		t.Fatalf("seed code: %v", err)
	}
	resp, env := ts.postJSON(t, "/api/auth/login", "", map[string]string{
		"phone":      "13800138000",
		"verifyCode": "000000",
	})
	if resp.StatusCode != http.StatusUnauthorized || env.Code != codeInvalidCredentials {
		t.Fatalf("expected 401/%d, got %d/%d", codeInvalidCredentials, resp.StatusCode, env.Code)
	}

	// Registering the same phone under the other role conflicts.
	if err := ts.codes.Seed("13800138000", "123456"); err != nil {
		t.Fatalf("seed code: %v", err)
	}
	resp, env = ts.postJSON(t, "/api/auth/login", "", map[string]string{
		"phone":      "13800138000",
		"verifyCode": "123456",
		"role":       "doctor",
	})
	if resp.StatusCode != http.StatusConflict || env.Code != codeRoleMismatch {
		t.Fatalf("expected 409/%d, got %d/%d", codeRoleMismatch, resp.StatusCode, env.Code)
	}
}

func TestRefreshEndpointRotatesAndRejectsReuse(t *testing.T) {
	ts := newTestServer(t, nil)
	_, _, refresh := ts.login(t, "13800138000", "")

	resp, env := ts.postJSON(t, "/api/auth/refresh", "", map[string]string{"refreshToken": refresh})
	if resp.StatusCode != http.StatusOK || env.Code != 0 {
		t.Fatalf("refresh: status=%d code=%d", resp.StatusCode, env.Code)
	}

	resp, env = ts.postJSON(t, "/api/auth/refresh", "", map[string]string{"refreshToken": refresh})
	if resp.StatusCode != http.StatusUnauthorized || env.Code != codeRevokedToken {
		t.Fatalf("expected 401/%d on reuse, got %d/%d", codeRevokedToken, resp.StatusCode, env.Code)
	}
}

func TestAuthenticationGuards(t *testing.T) {
	ts := newTestServer(t, nil)
	_, patientToken, _ := ts.login(t, "13800138000", "patient")

	resp, env := ts.do(t, http.MethodGet, "/api/users/me", "", nil)
	if resp.StatusCode != http.StatusUnauthorized || env.Code != codeInvalidToken {
		t.Fatalf("missing token: expected 401/%d, got %d/%d", codeInvalidToken, resp.StatusCode, env.Code)
	}

	resp, env = ts.do(t, http.MethodGet, "/api/users/me", "not-a-jwt", nil)
	if resp.StatusCode != http.StatusUnauthorized || env.Code != codeInvalidToken {
		t.Fatalf("garbage token: expected 401/%d, got %d/%d", codeInvalidToken, resp.StatusCode, env.Code)
	}

	// Patients cannot browse the pending queue.
	resp, env = ts.do(t, http.MethodGet, "/api/consultations/pending", patientToken, nil)
	if resp.StatusCode != http.StatusForbidden || env.Code != codeForbidden {
		t.Fatalf("role guard: expected 403/%d, got %d/%d", codeForbidden, resp.StatusCode, env.Code)
	}
}

func TestConsultationEndpointsEndToEnd(t *testing.T) {
	ts := newTestServer(t, nil)
	_, patientToken, _ := ts.login(t, "13800138000", "patient")
	doctor, doctorToken, _ := ts.login(t, "13900139000", "doctor")
	_, rivalToken, _ := ts.login(t, "13900139001", "doctor")

	resp, env := ts.postJSON(t, "/api/consultations", patientToken, map[string]any{
		"description": "persistent headache",
		"intake":      map[string]any{"durationDays": 3},
	})
	if resp.StatusCode != http.StatusCreated || env.Code != 0 {
		t.Fatalf("create: status=%d code=%d message=%q", resp.StatusCode, env.Code, env.Message)
	}
	var created domain.Consultation
	if err := json.Unmarshal(env.Data, &created); err != nil {
		t.Fatalf("decode consultation: %v", err)
	}
	if created.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %q", created.Status)
	}

	resp, env = ts.do(t, http.MethodGet, "/api/consultations/pending", doctorToken, nil)
	if resp.StatusCode != http.StatusOK || env.Code != 0 {
		t.Fatalf("pending: status=%d code=%d", resp.StatusCode, env.Code)
	}
	var pending []domain.PendingSummary
	if err := json.Unmarshal(env.Data, &pending); err != nil {
		t.Fatalf("decode pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != created.ID || pending[0].PatientPhone != "13800138000" {
		t.Fatalf("unexpected pending list: %+v", pending)
	}

	resp, env = ts.do(t, http.MethodPut, "/api/consultations/"+created.ID+"/accept", doctorToken, nil)
	if resp.StatusCode != http.StatusOK || env.Code != 0 {
		t.Fatalf("accept: status=%d code=%d message=%q", resp.StatusCode, env.Code, env.Message)
	}
	var claimed domain.Consultation
	if err := json.Unmarshal(env.Data, &claimed); err != nil {
		t.Fatalf("decode claimed: %v", err)
	}
	if claimed.DoctorID != doctor.ID || claimed.Status != domain.StatusAccepted {
		t.Fatalf("unexpected claimed state: %+v", claimed)
	}

	// The losing doctor gets the already-claimed envelope code.
	resp, env = ts.do(t, http.MethodPut, "/api/consultations/"+created.ID+"/accept", rivalToken, nil)
	if resp.StatusCode != http.StatusConflict || env.Code != codeAlreadyClaimed {
		t.Fatalf("rival accept: expected 409/%d, got %d/%d", codeAlreadyClaimed, resp.StatusCode, env.Code)
	}

	resp, env = ts.postJSON(t, "/api/consultations/"+created.ID+"/start", doctorToken, nil)
	if resp.StatusCode != http.StatusOK || env.Code != 0 {
		t.Fatalf("start: status=%d code=%d", resp.StatusCode, env.Code)
	}

	for i := 1; i <= 2; i++ {
		resp, env = ts.postJSON(t, "/api/consultations/"+created.ID+"/messages", patientToken, map[string]string{
			"content": fmt.Sprintf("message %d", i),
		})
		if resp.StatusCode != http.StatusCreated || env.Code != 0 {
			t.Fatalf("post message %d: status=%d code=%d", i, resp.StatusCode, env.Code)
		}
	}

	resp, env = ts.do(t, http.MethodGet, "/api/consultations/"+created.ID+"/messages?fromSequence=1", doctorToken, nil)
	if resp.StatusCode != http.StatusOK || env.Code != 0 {
		t.Fatalf("list messages: status=%d code=%d", resp.StatusCode, env.Code)
	}
	var msgs []domain.Message
	if err := json.Unmarshal(env.Data, &msgs); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Sequence != 2 {
		t.Fatalf("unexpected messages after sequence 1: %+v", msgs)
	}

	resp, env = ts.postJSON(t, "/api/consultations/"+created.ID+"/complete", doctorToken, nil)
	if resp.StatusCode != http.StatusOK || env.Code != 0 {
		t.Fatalf("complete: status=%d code=%d", resp.StatusCode, env.Code)
	}
	resp, env = ts.postJSON(t, "/api/consultations/"+created.ID+"/messages", patientToken, map[string]string{"content": "hello?"})
	if resp.StatusCode != http.StatusConflict || env.Code != codeConsultationClosed {
		t.Fatalf("closed message: expected 409/%d, got %d/%d", codeConsultationClosed, resp.StatusCode, env.Code)
	}

	// Strangers see nothing, not even existence.
	_, strangerToken, _ := ts.login(t, "13700137000", "patient")
	resp, env = ts.do(t, http.MethodGet, "/api/consultations/"+created.ID, strangerToken, nil)
	if resp.StatusCode != http.StatusNotFound || env.Code != codeNotFound {
		t.Fatalf("stranger detail: expected 404/%d, got %d/%d", codeNotFound, resp.StatusCode, env.Code)
	}
}

func TestStreamReplaysMessages(t *testing.T) {
	ts := newTestServer(t, nil)
	_, patientToken, _ := ts.login(t, "13800138000", "patient")
	_, doctorToken, _ := ts.login(t, "13900139000", "doctor")

	resp, env := ts.postJSON(t, "/api/consultations", patientToken, map[string]string{"description": "rash"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status=%d", resp.StatusCode)
	}
	var created domain.Consultation
	if err := json.Unmarshal(env.Data, &created); err != nil {
		t.Fatalf("decode consultation: %v", err)
	}
	if _, env := ts.do(t, http.MethodPut, "/api/consultations/"+created.ID+"/accept", doctorToken, nil); env.Code != 0 {
		t.Fatalf("accept failed: %d %s", env.Code, env.Message)
	}
	for i := 1; i <= 2; i++ {
		if _, env := ts.postJSON(t, "/api/consultations/"+created.ID+"/messages", patientToken, map[string]string{"content": "hi"}); env.Code != 0 {
			t.Fatalf("post message %d failed: %d", i, env.Code)
		}
	}

	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/consultations/"+created.ID+"/stream?fromSequence=0", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+doctorToken)
	streamResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer streamResp.Body.Close()
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("stream status: %d", streamResp.StatusCode)
	}
	if ct := streamResp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type: %q", ct)
	}

	reader := bufio.NewReader(streamResp.Body)
	var sequences []int64
	for len(sequences) < 2 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var msg domain.Message
		if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &msg); err != nil {
			t.Fatalf("decode stream message: %v", err)
		}
		sequences = append(sequences, msg.Sequence)
	}
	if sequences[0] != 1 || sequences[1] != 2 {
		t.Fatalf("expected replayed sequences 1,2; got %v", sequences)
	}
}

func TestLoginRateLimit(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.LoginRateLimitPerMinute = 2
	})

	for i := 0; i < 2; i++ {
		if err := ts.codes.Seed("13800138000", "123456"); err != nil {
			t.Fatalf("seed code: %v", err)
		}
		resp, _ := ts.postJSON(t, "/api/auth/login", "", map[string]string{
			"phone":      "13800138000",
			"verifyCode": "123456",
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("login %d: status=%d", i, resp.StatusCode)
		}
	}

	resp, env := ts.postJSON(t, "/api/auth/login", "", map[string]string{
		"phone":      "13800138000",
		"verifyCode": "123456",
	})
	if resp.StatusCode != http.StatusTooManyRequests || env.Code != codeRateLimited {
		t.Fatalf("expected 429/%d, got %d/%d", codeRateLimited, resp.StatusCode, env.Code)
	}
}

func TestRequestCodeEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, env := ts.postJSON(t, "/api/auth/code", "", map[string]string{"phone": "13800138000"})
	if resp.StatusCode != http.StatusOK || env.Code != 0 {
		t.Fatalf("request code: status=%d code=%d message=%q", resp.StatusCode, env.Code, env.Message)
	}
	var data struct {
		ExpiresIn   int `json:"expiresIn"`
		ResendAfter int `json:"resendAfter"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.ExpiresIn <= 0 || data.ResendAfter <= 0 {
		t.Fatalf("expected positive ttl/resend, got %+v", data)
	}

	// Immediate resend hits the per-phone backoff.
	resp, env = ts.postJSON(t, "/api/auth/code", "", map[string]string{"phone": "13800138000"})
	if resp.StatusCode != http.StatusTooManyRequests || env.Code != codeRateLimited {
		t.Fatalf("expected 429/%d, got %d/%d", codeRateLimited, resp.StatusCode, env.Code)
	}

	resp, env = ts.postJSON(t, "/api/auth/code", "", map[string]string{"phone": ""})
	if resp.StatusCode != http.StatusBadRequest || env.Code != codeBadRequest {
		t.Fatalf("expected 400/%d, got %d/%d", codeBadRequest, resp.StatusCode, env.Code)
	}
}

func writeRSAKeyPairFiles(t *testing.T) (string, string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}

	dir := t.TempDir()
	privatePath := filepath.Join(dir, "private.pem")
	publicPath := filepath.Join(dir, "public.pem")

	privateDER := x509.MarshalPKCS1PrivateKey(key)
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privateDER})
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
		t.Fatalf("write private key: %v", err)
	}

	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
	if err := os.WriteFile(publicPath, publicPEM, 0o644); err != nil {
		t.Fatalf("write public key: %v", err)
	}

	return privatePath, publicPath
}

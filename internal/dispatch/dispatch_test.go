package dispatch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/redis/go-redis/v9"

	"github.com/eternisai/enchanted-workflows/internal/auth"
	"github.com/eternisai/enchanted-workflows/internal/cleanup"
	"github.com/eternisai/enchanted-workflows/internal/config"
	"github.com/eternisai/enchanted-workflows/internal/durable"
	"github.com/eternisai/enchanted-workflows/internal/logger"
	"github.com/eternisai/enchanted-workflows/internal/ratelimit"
	"github.com/eternisai/enchanted-workflows/internal/signature"
	"github.com/eternisai/enchanted-workflows/internal/storage"
	"github.com/eternisai/enchanted-workflows/internal/title_generation"
)

const (
	operatorSecret = "operator-secret"
	currentKey     = "sig_current"
	nextKey        = "sig_next"
	publicBase     = "https://api.example.com"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type staleStore struct {
	storage.Store
	mu      sync.Mutex
	stale   int
	deletes int
}

func (s *staleStore) DeleteStaleBatch(ctx context.Context, retentionDays, batchSize int, dryRun bool) (storage.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := min(s.stale, batchSize)
	if !dryRun {
		s.stale -= n
		s.deletes++
	}
	return storage.BatchResult{Deleted: n, DryRun: dryRun}, nil
}

type fakeEnqueuer struct {
	kinds    []durable.Kind
	payloads []any
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, kind durable.Kind, payload any) (string, error) {
	f.kinds = append(f.kinds, kind)
	f.payloads = append(f.payloads, payload)
	return "wfr_test", nil
}

type fakeCallbacks struct {
	bodies [][]byte
}

func (f *fakeCallbacks) HandleCallback(ctx context.Context, kind durable.Kind, body []byte) durable.CallbackResult {
	f.bodies = append(f.bodies, body)
	return durable.CallbackResult{Status: http.StatusOK, Body: map[string]any{"status": "running"}}
}

type fakeSessions struct{}

func (fakeSessions) VerifySession(ctx context.Context, cookie string) (string, error) {
	switch cookie {
	case "alice-session":
		return "alice", nil
	case "admin-session":
		return "admin", nil
	}
	return "", auth.ErrInvalidToken
}

type harness struct {
	router    *gin.Engine
	store     *staleStore
	enqueuer  *fakeEnqueuer
	callbacks *fakeCallbacks
	redis     *miniredis.Miniredis
}

type harnessOpts struct {
	mode       string
	trust      string
	oneKey     bool
	noLimiter  bool
	noEnqueuer bool
	limit      int
	baseURL    string
	noBaseURL  bool
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := &staleStore{stale: 120}
	log := logger.Discard()
	cleanupEngine := cleanup.NewEngine(store, log, nil, cleanup.Config{})
	titles := title_generation.NewPipeline(store, title_generation.NewGenerator(nil, "http://127.0.0.1:1", nil), nil, nil, "", log)
	registry := durable.NewRegistry(cleanupEngine.Workflow(), titles.Workflow())

	next := nextKey
	if o.oneKey {
		next = ""
	}
	if o.trust == "" {
		o.trust = ratelimit.TrustCloudflare
	}
	if o.limit == 0 {
		o.limit = 10
	}
	if o.baseURL == "" && !o.noBaseURL {
		o.baseURL = publicBase
	}

	h := &harness{store: store, enqueuer: &fakeEnqueuer{}, callbacks: &fakeCallbacks{}, redis: mr}

	deps := Deps{
		Registry:   registry,
		Classifier: NewClassifier(signature.NewVerifier(currentKey, next), operatorSecret, publicBase, []string{"https://chat.example.com"}, ""),
		Callbacks:  h.callbacks,
		Enqueuer:   h.enqueuer,
		Bridge:     auth.NewTokenBridge(fakeSessions{}, auth.NewAccessTokenIssuer("backend-secret", time.Minute), auth.NewRedisTokenStore(client)),
		Logger:     log,
	}
	if !o.noLimiter {
		deps.Limiter = ratelimit.NewSlidingWindowLimiter(client, o.limit, time.Minute)
	}
	if o.noEnqueuer {
		deps.Enqueuer = nil
	}

	d := New(deps, Options{
		ExecutionMode: o.mode,
		PublicBaseURL: o.baseURL,
		TrustMode:     o.trust,
		CleanupAdmins: []string{"admin"},
	})
	h.router = gin.New()
	d.RegisterRoutes(h.router)
	return h
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func operatorRequest(url, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, url, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+operatorSecret)
	return req
}

func browserRequest(url, body, session string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, url, strings.NewReader(body))
	req.AddCookie(&http.Cookie{Name: "__session", Value: session})
	req.Header.Set("Origin", "https://chat.example.com")
	req.Header.Set("CF-Connecting-IP", "203.0.113.7")
	return req
}

func signCallback(t *testing.T, key, url string, body []byte) string {
	t.Helper()
	sum := sha256.Sum256(body)
	claims := jwt.MapClaims{
		"iss":  "Upstash",
		"sub":  url,
		"exp":  time.Now().Add(time.Minute).Unix(),
		"nbf":  time.Now().Add(-time.Second).Unix(),
		"body": base64.URLEncoding.EncodeToString(sum[:]),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid json body %q: %v", w.Body.String(), err)
	}
	return out
}

func TestOperatorCleanup_InlineOnLocalhost(t *testing.T) {
	h := newHarness(t, harnessOpts{baseURL: "http://localhost:8080"})

	w := h.do(operatorRequest("http://localhost:8080/workflow/cleanup", `{"retentionDays":90,"batchSize":50}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}

	var out cleanup.Outcome
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out != (cleanup.Outcome{Success: true, Batches: 3, TotalDeleted: 120}) {
		t.Errorf("outcome = %+v", out)
	}
	if h.store.deletes != 3 {
		t.Errorf("deletes = %d, want 3", h.store.deletes)
	}
}

func TestOperatorCleanup_QueuedOnPublicHost(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	req := operatorRequest(publicBase+"/workflow/cleanup", `{"retentionDays":99999}`)
	req.Header.Del("Authorization")
	req.Header.Set(signature.OperatorHeader, operatorSecret)

	w := h.do(req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["queued"] != true || body["workflowRunId"] != "wfr_test" {
		t.Errorf("body = %v", body)
	}
	if got := h.enqueuer.payloads[0]; got != (cleanup.Payload{RetentionDays: 3650, BatchSize: 100}) {
		t.Errorf("enqueued payload = %+v", got)
	}
	if h.store.deletes != 0 {
		t.Error("queued request ran inline")
	}
}

func TestOperatorCleanup_AutoModeIgnoresHostHeader(t *testing.T) {
	tests := []struct {
		name       string
		opts       harnessOpts
		remoteAddr string
		wantStatus int
	}{
		{"public base url", harnessOpts{}, "127.0.0.1:5000", http.StatusAccepted},
		{"no base url, remote peer", harnessOpts{noBaseURL: true}, "203.0.113.9:5000", http.StatusAccepted},
		{"no base url, loopback peer", harnessOpts{noBaseURL: true}, "127.0.0.1:5000", http.StatusOK},
		{"no base url, ipv6 loopback peer", harnessOpts{noBaseURL: true}, "[::1]:5000", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.opts)

			req := operatorRequest(publicBase+"/workflow/cleanup", `{}`)
			req.Host = "localhost"
			req.RemoteAddr = tt.remoteAddr

			w := h.do(req)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			ranInline := h.store.deletes > 0
			if ranInline != (tt.wantStatus == http.StatusOK) {
				t.Errorf("deletes = %d, enqueued = %d", h.store.deletes, len(h.enqueuer.kinds))
			}
		})
	}
}

func TestOperator_QueueNotConfigured(t *testing.T) {
	h := newHarness(t, harnessOpts{noEnqueuer: true, mode: config.ExecutionQueue})

	w := h.do(operatorRequest("http://localhost/workflow/cleanup", `{}`))
	if w.Code != http.StatusInternalServerError || decodeBody(t, w)["error"] != "queue not configured" {
		t.Errorf("status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestOperator_InvalidPayload(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	w := h.do(operatorRequest("http://localhost/workflow/generate-title", `{"userId":"u"}`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestCallback(t *testing.T) {
	body := []byte(`{"workflowRunId":"wfr_1","kind":"cleanup","payload":{}}`)
	url := publicBase + "/workflow/cleanup"

	tests := []struct {
		name       string
		oneKey     bool
		signingKey string
		wantStatus int
		wantError  string
	}{
		{"current key", false, currentKey, http.StatusOK, ""},
		{"next key", false, nextKey, http.StatusOK, ""},
		{"unknown key", false, "other", http.StatusUnauthorized, "invalid workflow signature"},
		{"only one key configured", true, currentKey, http.StatusInternalServerError, "workflow signing keys not configured"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{oneKey: tt.oneKey})

			req := httptest.NewRequest(http.MethodPost, url, bytes.NewReader(body))
			req.Header.Set(signature.HeaderName, signCallback(t, tt.signingKey, url, body))
			w := h.do(req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
			}
			if tt.wantError != "" {
				if got := decodeBody(t, w)["error"]; got != tt.wantError {
					t.Errorf("error = %v, want %q", got, tt.wantError)
				}
				if len(h.callbacks.bodies) != 0 {
					t.Error("rejected callback reached the engine")
				}
				return
			}
			if len(h.callbacks.bodies) != 1 || !bytes.Equal(h.callbacks.bodies[0], body) {
				t.Errorf("engine received %q", h.callbacks.bodies)
			}
		})
	}
}

func TestUnauthenticated(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	req := httptest.NewRequest(http.MethodPost, publicBase+"/workflow/cleanup", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer wrong")
	if w := h.do(req); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", w.Code)
	}
}

func TestEndUser_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		opts       harnessOpts
		path       string
		body       string
		session    string
		mutate     func(r *http.Request)
		wantStatus int
	}{
		{
			name: "foreign origin", path: "/workflow/generate-title", body: `{"chatId":"c1"}`, session: "alice-session",
			mutate:     func(r *http.Request) { r.Header.Set("Origin", "https://evil.test") },
			wantStatus: http.StatusForbidden,
		},
		{
			name: "invalid session", path: "/workflow/generate-title", body: `{"chatId":"c1"}`, session: "forged",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "trust mode unset", opts: harnessOpts{trust: ratelimit.TrustUnset},
			path: "/workflow/generate-title", body: `{"chatId":"c1"}`, session: "alice-session",
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "limiter missing", opts: harnessOpts{noLimiter: true},
			path: "/workflow/generate-title", body: `{"chatId":"c1"}`, session: "alice-session",
			wantStatus: http.StatusInternalServerError,
		},
		{
			name: "other user's chat", path: "/workflow/generate-title", body: `{"chatId":"c1","userId":"bob"}`, session: "alice-session",
			wantStatus: http.StatusForbidden,
		},
		{
			name: "cleanup needs admin", path: "/workflow/cleanup", body: `{}`, session: "alice-session",
			wantStatus: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.opts)
			req := browserRequest(publicBase+tt.path, tt.body, tt.session)
			if tt.mutate != nil {
				tt.mutate(req)
			}

			w := h.do(req)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if len(h.enqueuer.kinds) != 0 {
				t.Error("rejected request was enqueued")
			}
		})
	}
}

func TestEndUser_RateLimited(t *testing.T) {
	h := newHarness(t, harnessOpts{limit: 1})

	first := h.do(browserRequest(publicBase+"/workflow/generate-title", `{"chatId":"c1"}`, "alice-session"))
	if first.Code != http.StatusAccepted {
		t.Fatalf("first status = %d body = %s", first.Code, first.Body.String())
	}

	second := h.do(browserRequest(publicBase+"/workflow/generate-title", `{"chatId":"c1"}`, "alice-session"))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
}

func TestEndUser_TitleQueuedWithTokenReference(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	w := h.do(browserRequest(publicBase+"/workflow/generate-title", `{"chatId":"c1","authTokenRef":"spoofed"}`, "alice-session"))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}

	p, ok := h.enqueuer.payloads[0].(title_generation.Payload)
	if !ok {
		t.Fatalf("payload = %#v", h.enqueuer.payloads[0])
	}
	if p.UserID != "alice" || p.AuthTokenRef == "" || p.AuthTokenRef == "spoofed" {
		t.Errorf("payload = %+v", p)
	}

	// The queued body holds only the reference; the token lives in redis.
	raw, _ := json.Marshal(p)
	token, err := h.redis.Get("authref:" + p.AuthTokenRef)
	if err != nil || token == "" {
		t.Fatalf("token not stored: %v", err)
	}
	if strings.Contains(string(raw), token) {
		t.Error("queued payload contains the access token")
	}
}

func TestEndUser_AdminCleanupInline(t *testing.T) {
	h := newHarness(t, harnessOpts{mode: config.ExecutionInline})

	w := h.do(browserRequest(publicBase+"/workflow/cleanup", `{"batchSize":100}`, "admin-session"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["totalDeleted"] != float64(120) {
		t.Errorf("body = %v", body)
	}
}

func TestRequestBodyTooLarge(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	big := `{"chatId":"c1","seedText":"` + strings.Repeat("a", maxRequestBody) + `"}`
	w := h.do(operatorRequest("http://localhost/workflow/generate-title", big))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d", w.Code)
	}
}

func TestIsLocalHost(t *testing.T) {
	tests := map[string]bool{
		"localhost":          true,
		"localhost:8080":     true,
		"app.localhost":      true,
		"box.local:3000":     true,
		"127.0.0.1:8080":     true,
		"[::1]:8080":         true,
		"0.0.0.0":            true,
		"api.example.com":    false,
		"10.0.0.5:8080":      false,
		"localhost.evil.com": false,
	}
	for host, want := range tests {
		if got := IsLocalHost(host); got != want {
			t.Errorf("IsLocalHost(%q) = %v, want %v", host, got, want)
		}
	}
}

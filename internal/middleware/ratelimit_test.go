package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/hitoshi/cfpman/internal/model"
)

func testRateLimiter(t *testing.T, cfg RateLimiterConfig) *RateLimiter {
	t.Helper()
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Minute
	}
	rl := NewRateLimiter(cfg)
	t.Cleanup(rl.Stop)
	return rl
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// accountRequest は認証済みアカウントを持つリクエストを作る。
func accountRequest(accountID, remoteAddr string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.RemoteAddr = remoteAddr
	if accountID != "" {
		req = req.WithContext(ContextWithAccount(req.Context(), &model.Account{ID: accountID}, "tok"))
	}
	return req
}

// --- GeneralMiddleware (API全般) のテスト ---

func TestGeneralMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	rl := testRateLimiter(t, RateLimiterConfig{GeneralRate: 2, GeneralBurst: 5, CredentialRate: 1, CredentialBurst: 1})

	calls := 0
	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	// バースト内の5リクエストは全て通る
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, accountRequest("acc-1", "10.0.0.1:1234"))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}
	if calls != 5 {
		t.Errorf("handler call count = %d, want 5", calls)
	}
}

func TestGeneralMiddleware_Returns429WithRetryAfter(t *testing.T) {
	rl := testRateLimiter(t, RateLimiterConfig{GeneralRate: 1, GeneralBurst: 1, CredentialRate: 1, CredentialBurst: 1})
	handler := rl.GeneralMiddleware()(okHandler())

	handler.ServeHTTP(httptest.NewRecorder(), accountRequest("acc-retry", "10.0.0.1:1"))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, accountRequest("acc-retry", "10.0.0.1:1"))

	resp := w.Result()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}

	retrySeconds, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || retrySeconds < 1 {
		t.Errorf("Retry-After = %q, want positive integer", resp.Header.Get("Retry-After"))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Code == "" || body.Error == "" || body.Category == "" {
		t.Errorf("incomplete error body: %+v", body)
	}
}

// 同じIPでもアカウントが違えば独立して制限されること
func TestGeneralMiddleware_IsolatesAccounts(t *testing.T) {
	rl := testRateLimiter(t, RateLimiterConfig{GeneralRate: 1, GeneralBurst: 1, CredentialRate: 1, CredentialBurst: 1})
	handler := rl.GeneralMiddleware()(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, accountRequest("acc-a", "10.0.0.1:1"))
	if w.Code != http.StatusOK {
		t.Fatalf("acc-a first request: status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, accountRequest("acc-b", "10.0.0.1:1"))
	if w.Code != http.StatusOK {
		t.Errorf("acc-b must not be limited by acc-a, status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, accountRequest("acc-a", "10.0.0.1:1"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("acc-a second request: status = %d, want 429", w.Code)
	}
}

// 未認証リクエストはクライアントIPで制限されること
func TestGeneralMiddleware_AnonymousKeyedByIP(t *testing.T) {
	rl := testRateLimiter(t, RateLimiterConfig{GeneralRate: 1, GeneralBurst: 1, CredentialRate: 1, CredentialBurst: 1})
	handler := rl.GeneralMiddleware()(okHandler())

	handler.ServeHTTP(httptest.NewRecorder(), accountRequest("", "192.0.2.1:1000"))

	// ポートが違っても同じIPなら制限される
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, accountRequest("", "192.0.2.1:2000"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("same IP: status = %d, want 429", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, accountRequest("", "192.0.2.2:1000"))
	if w.Code != http.StatusOK {
		t.Errorf("other IP: status = %d, want 200", w.Code)
	}
}

// --- CredentialMiddleware (登録・ログイン) のテスト ---

func TestCredentialMiddleware_LimitsPerIP(t *testing.T) {
	rl := testRateLimiter(t, RateLimiterConfig{GeneralRate: 100, GeneralBurst: 100, CredentialRate: 1, CredentialBurst: 2})
	handler := rl.CredentialMiddleware()(okHandler())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = "198.51.100.7:5555"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, w.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	req.RemoteAddr = "198.51.100.7:5555"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("third request: status = %d, want 429", w.Code)
	}
}

// 登録・ログインの制限はAPI全般の制限とは独立していること
func TestCredentialMiddleware_IndependentFromGeneralLimit(t *testing.T) {
	rl := testRateLimiter(t, RateLimiterConfig{GeneralRate: 1, GeneralBurst: 1, CredentialRate: 1, CredentialBurst: 5})

	general := rl.GeneralMiddleware()(okHandler())
	credential := rl.CredentialMiddleware()(okHandler())

	general.ServeHTTP(httptest.NewRecorder(), accountRequest("", "203.0.113.9:1"))
	w := httptest.NewRecorder()
	general.ServeHTTP(w, accountRequest("", "203.0.113.9:1"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("general limit should be exhausted, status = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", nil)
	req.RemoteAddr = "203.0.113.9:1"
	w = httptest.NewRecorder()
	credential.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("credential limiter status = %d, want 200", w.Code)
	}
	if rl.CredentialLimiterCount() != 1 {
		t.Errorf("CredentialLimiterCount() = %d, want 1", rl.CredentialLimiterCount())
	}
}

// --- クリーンアップのテスト ---

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	rl := testRateLimiter(t, RateLimiterConfig{
		GeneralRate:     2,
		GeneralBurst:    5,
		CredentialRate:  1,
		CredentialBurst: 10,
		CleanupInterval: 50 * time.Millisecond, // テスト用に短く
	})

	rl.GeneralMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), accountRequest("acc-cleanup", "10.0.0.1:1"))

	if rl.GeneralLimiterCount() == 0 {
		t.Fatal("expected at least one limiter entry")
	}

	// TTLは50ms * 2 = 100ms。200ms待てば削除されている
	time.Sleep(200 * time.Millisecond)

	if count := rl.GeneralLimiterCount(); count != 0 {
		t.Errorf("expected 0 limiter entries after cleanup, got %d", count)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	rl.Stop()
	rl.Stop()
}

// --- 設定値のテスト ---

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.GeneralRate != 2.0 { // 120/60 = 2
		t.Errorf("GeneralRate = %f, want 2.0", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", cfg.GeneralBurst)
	}
	if cfg.CredentialRate == 0 {
		t.Error("CredentialRate should not be 0")
	}
	if cfg.CredentialBurst != 10 {
		t.Errorf("CredentialBurst = %d, want 10", cfg.CredentialBurst)
	}
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func newTestRateLimiter(generalBurst, handshakeBurst int) *RateLimiter {
	return NewRateLimiter(RateLimiterConfig{
		GeneralRate:     rate.Limit(0.001), // 補充をほぼ無効化してバーストのみで検証する
		GeneralBurst:    generalBurst,
		HandshakeRate:   rate.Limit(0.001),
		HandshakeBurst:  handshakeBurst,
		CleanupInterval: time.Hour,
	})
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func doRequest(t *testing.T, handler http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/friends/post-deleted", nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestGeneralMiddleware_AllowsWithinBurst(t *testing.T) {
	rl := newTestRateLimiter(3, 1)
	defer rl.Stop()
	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 3; i++ {
		if rec := doRequest(t, handler, "203.0.113.1:1000"); rec.Code != http.StatusOK {
			t.Fatalf("%d回目のリクエスト = %d, want 200", i+1, rec.Code)
		}
	}
}

func TestGeneralMiddleware_RejectsOverBurst(t *testing.T) {
	rl := newTestRateLimiter(2, 1)
	defer rl.Stop()
	handler := rl.GeneralMiddleware()(okHandler())

	doRequest(t, handler, "203.0.113.1:1000")
	doRequest(t, handler, "203.0.113.1:1000")
	rec := doRequest(t, handler, "203.0.113.1:1000")

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("バースト超過のステータス = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-Afterヘッダーが設定されていない")
	}
}

func TestGeneralMiddleware_LimitsPerRemoteAddr(t *testing.T) {
	rl := newTestRateLimiter(1, 1)
	defer rl.Stop()
	handler := rl.GeneralMiddleware()(okHandler())

	doRequest(t, handler, "203.0.113.1:1000")
	if rec := doRequest(t, handler, "203.0.113.1:2000"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("同一IP別ポートは同じリミッターを共有すべき: %d", rec.Code)
	}
	if rec := doRequest(t, handler, "203.0.113.2:1000"); rec.Code != http.StatusOK {
		t.Errorf("別IPは独立したリミッターを持つべき: %d", rec.Code)
	}
	if rl.GeneralLimiterCount() != 2 {
		t.Errorf("リミッター数 = %d, want 2", rl.GeneralLimiterCount())
	}
}

func TestHandshakeMiddleware_IndependentOfGeneral(t *testing.T) {
	rl := newTestRateLimiter(1, 1)
	defer rl.Stop()
	general := rl.GeneralMiddleware()(okHandler())
	handshake := rl.HandshakeMiddleware()(okHandler())

	// 全般の枠を使い切ってもハンドシェイクの枠は残る
	doRequest(t, general, "203.0.113.1:1000")
	if rec := doRequest(t, general, "203.0.113.1:1000"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("全般リミッターが作動していない: %d", rec.Code)
	}
	if rec := doRequest(t, handshake, "203.0.113.1:1000"); rec.Code != http.StatusOK {
		t.Errorf("ハンドシェイクリミッターは全般とは独立であるべき: %d", rec.Code)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     rate.Limit(1),
		GeneralBurst:    1,
		HandshakeRate:   rate.Limit(1),
		HandshakeBurst:  1,
		CleanupInterval: time.Nanosecond,
	})
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())
	doRequest(t, handler, "203.0.113.1:1000")

	// lastAccessを過去へずらして期限切れにする
	rl.generalMu.Lock()
	for _, ul := range rl.generalLimiters {
		ul.lastAccess = time.Now().Add(-time.Hour)
	}
	rl.generalMu.Unlock()

	rl.cleanup()

	if rl.GeneralLimiterCount() != 0 {
		t.Errorf("クリーンアップ後のリミッター数 = %d, want 0", rl.GeneralLimiterCount())
	}
}

package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // friendsエンドポイント全般のレート（req/sec）。120/60 = 2 req/sec
	GeneralBurst    int           // friendsエンドポイント全般のバーストサイズ
	HandshakeRate   rate.Limit    // friend-request/accept-friend-requestのレート（req/sec）。10/60
	HandshakeBurst  int           // ハンドシェイクのバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// friendsエンドポイント全般 120 req/min/IP、ハンドシェイク 10 req/min/IP。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(120.0 / 60.0), // 2 req/sec
		GeneralBurst:    120,
		HandshakeRate:   rate.Limit(10.0 / 60.0), // ~0.167 req/sec
		HandshakeBurst:  10,
		CleanupInterval: 5 * time.Minute,
	}
}

// remoteLimiter は接続元IPごとのレートリミッターとアクセス時刻を保持する。
type remoteLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter は接続元IPごとのレート制限を管理する。
// friendsエンドポイント全般とハンドシェイク開始の2種類を提供する。
type RateLimiter struct {
	config RateLimiterConfig

	generalMu       sync.RWMutex
	generalLimiters map[string]*remoteLimiter

	handshakeMu       sync.RWMutex
	handshakeLimiters map[string]*remoteLimiter

	stopCh chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:            config,
		generalLimiters:   make(map[string]*remoteLimiter),
		handshakeLimiters: make(map[string]*remoteLimiter),
		stopCh:            make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// GeneralMiddleware はfriendsエンドポイント全般のレート制限ミドルウェアを返す。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := clientAddr(r)
			limiter := rl.getOrCreateGeneralLimiter(addr)

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.GeneralRate)
				slog.Warn("rate limit exceeded",
					slog.String("remote_addr", addr),
					slog.String("limit_type", "general"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HandshakeMiddleware はハンドシェイク開始エンドポイント専用の
// レート制限ミドルウェアを返す。全般のレート制限とは独立に動作する。
func (rl *RateLimiter) HandshakeMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := clientAddr(r)
			limiter := rl.getOrCreateHandshakeLimiter(addr)

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.HandshakeRate)
				slog.Warn("rate limit exceeded",
					slog.String("remote_addr", addr),
					slog.String("limit_type", "handshake"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GeneralLimiterCount は現在管理されている全般リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) GeneralLimiterCount() int {
	rl.generalMu.RLock()
	defer rl.generalMu.RUnlock()
	return len(rl.generalLimiters)
}

// HandshakeLimiterCount は現在管理されているハンドシェイクリミッターの
// エントリ数を返す。テストおよびメトリクス用。
func (rl *RateLimiter) HandshakeLimiterCount() int {
	rl.handshakeMu.RLock()
	defer rl.handshakeMu.RUnlock()
	return len(rl.handshakeLimiters)
}

// getOrCreateGeneralLimiter は接続元の全般リミッターを取得または作成する。
func (rl *RateLimiter) getOrCreateGeneralLimiter(addr string) *rate.Limiter {
	rl.generalMu.RLock()
	ul, exists := rl.generalLimiters[addr]
	rl.generalMu.RUnlock()

	if exists {
		rl.generalMu.Lock()
		ul.lastAccess = time.Now()
		rl.generalMu.Unlock()
		return ul.limiter
	}

	rl.generalMu.Lock()
	defer rl.generalMu.Unlock()

	// ダブルチェック
	if ul, exists := rl.generalLimiters[addr]; exists {
		ul.lastAccess = time.Now()
		return ul.limiter
	}

	limiter := rate.NewLimiter(rl.config.GeneralRate, rl.config.GeneralBurst)
	rl.generalLimiters[addr] = &remoteLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// getOrCreateHandshakeLimiter は接続元のハンドシェイクリミッターを
// 取得または作成する。
func (rl *RateLimiter) getOrCreateHandshakeLimiter(addr string) *rate.Limiter {
	rl.handshakeMu.RLock()
	ul, exists := rl.handshakeLimiters[addr]
	rl.handshakeMu.RUnlock()

	if exists {
		rl.handshakeMu.Lock()
		ul.lastAccess = time.Now()
		rl.handshakeMu.Unlock()
		return ul.limiter
	}

	rl.handshakeMu.Lock()
	defer rl.handshakeMu.Unlock()

	// ダブルチェック
	if ul, exists := rl.handshakeLimiters[addr]; exists {
		ul.lastAccess = time.Now()
		return ul.limiter
	}

	limiter := rate.NewLimiter(rl.config.HandshakeRate, rl.config.HandshakeBurst)
	rl.handshakeLimiters[addr] = &remoteLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2

	now := time.Now()

	rl.generalMu.Lock()
	for addr, ul := range rl.generalLimiters {
		if now.Sub(ul.lastAccess) > ttl {
			delete(rl.generalLimiters, addr)
		}
	}
	rl.generalMu.Unlock()

	rl.handshakeMu.Lock()
	for addr, ul := range rl.handshakeLimiters {
		if now.Sub(ul.lastAccess) > ttl {
			delete(rl.handshakeLimiters, addr)
		}
	}
	rl.handshakeMu.Unlock()
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	// Retry-Afterの算出: 1トークンが補充されるまでの秒数
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(map[string]string{
		"code":     "rate_limit_exceeded",
		"message":  "Too many requests. Please try again later.",
		"category": "system",
		"action":   "Please wait and retry after the specified time.",
	})
}

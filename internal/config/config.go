package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Site
	BaseURL    string // 自サイトの公開URL（ハンドシェイクで相手に通知する）
	SiteName   string
	IconURL    string
	Codeword   string // フレンド申請のコードワードゲート（空の場合は無効）
	AdminToken string // 管理APIのベアラートークン

	// Sync
	FetchTimeout      time.Duration
	DiscoveryTimeout  time.Duration
	FetchMaxSize      int64
	SyncInterval      time.Duration
	SyncMaxConcurrent int

	// Handshake
	HandshakeTimeout time.Duration

	// Rate Limit
	RateLimitFriends int // フレンドエンドポイントのリモートホストあたりreq/min

	// Retention
	RetentionDays int

	// Server
	ServerPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	if cfg.AdminToken == "" {
		missing = append(missing, "ADMIN_TOKEN")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SiteName = getEnvString("SITE_NAME", "tomodachi")
	cfg.IconURL = getEnvString("SITE_ICON_URL", "")
	cfg.Codeword = getEnvString("FRIEND_CODEWORD", "")
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.DiscoveryTimeout = getEnvDuration("DISCOVERY_TIMEOUT", 20*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.SyncInterval = getEnvDuration("SYNC_INTERVAL", 5*time.Minute)
	cfg.SyncMaxConcurrent = getEnvInt("SYNC_MAX_CONCURRENT", 10)
	cfg.HandshakeTimeout = getEnvDuration("HANDSHAKE_TIMEOUT", 10*time.Second)
	cfg.RateLimitFriends = getEnvInt("RATE_LIMIT_FRIENDS", 60)
	cfg.RetentionDays = getEnvInt("RETENTION_DAYS", 7)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

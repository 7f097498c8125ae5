package config

import (
	"testing"
	"time"
)

// setRequiredEnv は必須環境変数をテスト用に設定する。
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/tomodachi_test")
	t.Setenv("BASE_URL", "https://alice.example.com")
	t.Setenv("ADMIN_TOKEN", "test-admin-token")
}

// TestLoad_RequiredMissing は必須環境変数の欠落がエラーになることをテストする。
func TestLoad_RequiredMissing(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("BASE_URL", "")
	t.Setenv("ADMIN_TOKEN", "")

	if _, err := Load(); err == nil {
		t.Fatal("Load should fail when required env vars are missing")
	}
}

// TestLoad_Defaults はオプション項目の既定値をテストする。
func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.FetchTimeout != 10*time.Second {
		t.Errorf("FetchTimeout = %v, want 10s", cfg.FetchTimeout)
	}
	if cfg.DiscoveryTimeout != 20*time.Second {
		t.Errorf("DiscoveryTimeout = %v, want 20s", cfg.DiscoveryTimeout)
	}
	if cfg.SyncInterval != 5*time.Minute {
		t.Errorf("SyncInterval = %v, want 5m", cfg.SyncInterval)
	}
	if cfg.SyncMaxConcurrent != 10 {
		t.Errorf("SyncMaxConcurrent = %d, want 10", cfg.SyncMaxConcurrent)
	}
	if cfg.Codeword != "" {
		t.Errorf("Codeword = %q, want empty", cfg.Codeword)
	}
	if cfg.ServerPort != "8080" {
		t.Errorf("ServerPort = %q, want 8080", cfg.ServerPort)
	}
}

// TestLoad_Overrides は環境変数による上書きをテストする。
func TestLoad_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("FETCH_TIMEOUT", "30s")
	t.Setenv("SYNC_MAX_CONCURRENT", "3")
	t.Setenv("FRIEND_CODEWORD", "open sesame")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.FetchTimeout != 30*time.Second {
		t.Errorf("FetchTimeout = %v, want 30s", cfg.FetchTimeout)
	}
	if cfg.SyncMaxConcurrent != 3 {
		t.Errorf("SyncMaxConcurrent = %d, want 3", cfg.SyncMaxConcurrent)
	}
	if cfg.Codeword != "open sesame" {
		t.Errorf("Codeword = %q", cfg.Codeword)
	}
}

// TestLoad_InvalidOptionalFallsBack は不正なオプション値が既定値に
// フォールバックすることをテストする。
func TestLoad_InvalidOptionalFallsBack(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SYNC_MAX_CONCURRENT", "many")
	t.Setenv("FETCH_TIMEOUT", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.SyncMaxConcurrent != 10 {
		t.Errorf("SyncMaxConcurrent = %d, want default 10", cfg.SyncMaxConcurrent)
	}
	if cfg.FetchTimeout != 10*time.Second {
		t.Errorf("FetchTimeout = %v, want default 10s", cfg.FetchTimeout)
	}
}

package handshake

import (
	"strings"
	"testing"
)

func TestGenerateToken_Unique(t *testing.T) {
	a, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	b, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	if len(a) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(a))
	}
	if a == b {
		t.Error("two generated tokens should not collide")
	}
}

func TestProof_Deterministic(t *testing.T) {
	p1 := Proof("key-abc", "req-123")
	p2 := Proof("key-abc", "req-123")
	if p1 != p2 {
		t.Error("same inputs should yield the same proof")
	}
	if p1 == Proof("key-abc", "req-456") {
		t.Error("different request_id should yield a different proof")
	}
	if len(p1) != 64 {
		t.Errorf("proof length = %d, want 64 hex chars", len(p1))
	}
}

func TestSignature_OrderMatters(t *testing.T) {
	if Signature("out", "in") == Signature("in", "out") {
		t.Error("signature should depend on concatenation order")
	}
}

func TestHelloResponse_WithoutCodeword(t *testing.T) {
	// コードワード未設定時はチャレンジのみから計算される
	got := HelloResponse("", "challenge-1")
	want := Signature("", "challenge-1")
	if got != want {
		t.Errorf("HelloResponse = %q, want %q", got, want)
	}
}

func TestSlugFromSiteURL(t *testing.T) {
	tests := []struct {
		name    string
		siteURL string
		want    string
		wantErr bool
	}{
		{"ホストのみ", "https://example.com", "example.com", false},
		{"末尾スラッシュ除去", "https://example.com/", "example.com", false},
		{"パス付き", "https://example.com/blog/", "example.com/blog", false},
		{"ホスト大文字の正規化", "https://Example.COM/Blog", "example.com/Blog", false},
		{"相対URL", "/blog", "", true},
		{"空文字列", "", "", true},
		{"スキームなし", "example.com", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SlugFromSiteURL(tt.siteURL)
			if tt.wantErr {
				if err == nil {
					t.Errorf("SlugFromSiteURL(%q) should fail", tt.siteURL)
				}
				return
			}
			if err != nil {
				t.Fatalf("SlugFromSiteURL(%q) failed: %v", tt.siteURL, err)
			}
			if got != tt.want {
				t.Errorf("SlugFromSiteURL(%q) = %q, want %q", tt.siteURL, got, tt.want)
			}
		})
	}
}

func TestSlugFromSiteURL_SameHostDifferentPath(t *testing.T) {
	a, _ := SlugFromSiteURL("https://example.com/alice")
	b, _ := SlugFromSiteURL("https://example.com/bob")
	if a == b || !strings.HasPrefix(a, "example.com/") {
		t.Errorf("same host different path should yield distinct slugs: %q vs %q", a, b)
	}
}

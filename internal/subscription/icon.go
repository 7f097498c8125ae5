package subscription

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/tomodachi/internal/security"
)

// maxIconSize はアイコンの最大サイズ（2MB）。
const maxIconSize = 2 * 1024 * 1024

// iconTimeout はアイコン取得のタイムアウト。
const iconTimeout = 5 * time.Second

// IconFetcher はアクターのアイコンURLを解決する。
// 取得失敗はアクター作成を妨げないため、全ての失敗を空URLとして返す。
type IconFetcher struct {
	ssrfGuard security.SSRFGuardService
	logger    *slog.Logger
}

// NewIconFetcher はIconFetcherの新しいインスタンスを生成する。
func NewIconFetcher(ssrfGuard security.SSRFGuardService, logger *slog.Logger) *IconFetcher {
	return &IconFetcher{
		ssrfGuard: ssrfGuard,
		logger:    logger,
	}
}

// ResolveIconURL は指定されたアイコンURLを検証して返す。
// iconURLが空の場合はサイトURLから /favicon.ico を推測する。
// SSRF検証とサイズ・MIMEタイプ検証を通過したURLのみを返し、
// いずれかの検証に失敗した場合は空文字列を返す。
func (f *IconFetcher) ResolveIconURL(ctx context.Context, siteURL, iconURL string) string {
	if iconURL == "" {
		iconURL = guessDefaultIconURL(siteURL)
	}
	if iconURL == "" {
		return ""
	}

	if err := f.ssrfGuard.ValidateURL(iconURL); err != nil {
		f.logger.Warn("アイコン取得: SSRFブロック",
			slog.String("url", iconURL),
			slog.String("error", err.Error()),
		)
		return ""
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iconURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", "Tomodachi/1.0 Feed Exchange")

	client := f.ssrfGuard.NewSafeClient(iconTimeout)
	resp, err := client.Do(req)
	if err != nil {
		f.logger.Warn("アイコン取得: HTTPリクエスト失敗",
			slog.String("url", iconURL),
			slog.String("error", err.Error()),
		)
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		f.logger.Warn("アイコン取得: HTTPステータス異常",
			slog.String("url", iconURL),
			slog.Int("status", resp.StatusCode),
		)
		return ""
	}

	// サイズ超過チェック（上限+1バイト読んで判定する）
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIconSize+1))
	if err != nil {
		return ""
	}
	if int64(len(body)) > maxIconSize {
		f.logger.Warn("アイコン取得: サイズ超過",
			slog.String("url", iconURL),
			slog.Int("size", len(body)),
		)
		return ""
	}

	mimeType := extractMimeType(resp.Header.Get("Content-Type"))
	if !isImageMime(mimeType) {
		f.logger.Warn("アイコン取得: 画像以外のContent-Type",
			slog.String("url", iconURL),
			slog.String("content_type", mimeType),
		)
		return ""
	}

	return iconURL
}

// guessDefaultIconURL はサイトURLからデフォルトのfavicon URLを推測する。
func guessDefaultIconURL(siteURL string) string {
	if siteURL == "" {
		return ""
	}

	u, err := url.Parse(siteURL)
	if err != nil || u.Host == "" {
		return ""
	}

	u.Path = "/favicon.ico"
	u.RawQuery = ""
	u.Fragment = ""

	return u.String()
}

// extractMimeType はContent-Typeヘッダーからメディアタイプを抽出する。
func extractMimeType(contentType string) string {
	if contentType == "" {
		return ""
	}
	parts := strings.SplitN(contentType, ";", 2)
	return strings.TrimSpace(strings.ToLower(parts[0]))
}

// isImageMime はMIMEタイプが画像かどうかを判定する。
func isImageMime(mimeType string) bool {
	switch mimeType {
	case "image/x-icon", "image/vnd.microsoft.icon", "image/ico":
		return true
	}
	return strings.HasPrefix(mimeType, "image/")
}

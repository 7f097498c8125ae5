package parser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/tomodachi/internal/model"
	"github.com/hitoshi/tomodachi/internal/security"
)

// ErrNotModified はリモートフィードに変更がないことを示すセンチネルエラー。
// 条件付きGETが304を返した場合に使用され、同期エンジンはこのパスを
// 成功扱い（アイテムなし）として処理する。
var ErrNotModified = errors.New("feed not modified")

// ErrFeedGone はフィードが恒久的に利用不能であることを示すセンチネルエラー。
// 404/410/401/403応答に対して返され、同期エンジンはフィードを無効化する。
var ErrFeedGone = errors.New("feed permanently unavailable")

// userAgent はリモートサイトへのリクエストで名乗るUser-Agent。
const userAgent = "Tomodachi/1.0 Feed Exchange"

// acceptHeader はフィードフェッチで受け入れるメディアタイプ。
const acceptHeader = "application/rss+xml, application/atom+xml, application/feed+json, " +
	"application/activity+json, application/ld+json, application/json, " +
	"application/xml, text/xml, text/html, */*"

// FetchResult は1回のHTTPフェッチの結果。
type FetchResult struct {
	URL          string
	StatusCode   int
	MimeType     string
	Body         []byte
	ETag         string
	LastModified string
}

// FetchClient はSSRF防止付きの共有フェッチヘルパー。
// discover時の単発フェッチと、ポーリング時の条件付きGETの両方を担う。
type FetchClient struct {
	guard   security.SSRFGuardService
	timeout time.Duration
	maxSize int64
}

// NewFetchClient はFetchClientを生成する。
func NewFetchClient(guard security.SSRFGuardService, timeout time.Duration, maxSize int64) *FetchClient {
	return &FetchClient{
		guard:   guard,
		timeout: timeout,
		maxSize: maxSize,
	}
}

// Get はURLを1回フェッチして結果を返す。
// SSRF検証に失敗した場合、または200以外の応答の場合はエラーを返す。
func (c *FetchClient) Get(ctx context.Context, rawURL string) (*FetchResult, error) {
	return c.fetch(ctx, rawURL, "", "", "")
}

// GetConditional はフィードの保存済みETag/Last-Modifiedを使った条件付きGETを行う。
// リモートが304を返した場合はErrNotModifiedを返す。
// bearerTokenが空でない場合はfriendクエリパラメータとして付与され、
// フレンド限定コンテンツを含むフィードが取得できる。
func (c *FetchClient) GetConditional(ctx context.Context, feed *model.Feed, bearerToken string) (*FetchResult, error) {
	fetchURL := feed.URL
	if bearerToken != "" {
		sep := "?"
		if strings.Contains(fetchURL, "?") {
			sep = "&"
		}
		fetchURL = fetchURL + sep + "friend=" + bearerToken
	}
	etag, lastModified := feed.ETag, feed.LastModified
	if CacheBypassFrom(ctx) {
		etag, lastModified = "", ""
	}
	return c.fetch(ctx, fetchURL, etag, lastModified, feed.URL)
}

func (c *FetchClient) fetch(ctx context.Context, rawURL, etag, lastModified, validateURL string) (*FetchResult, error) {
	if validateURL == "" {
		validateURL = rawURL
	}
	if err := c.guard.ValidateURL(validateURL); err != nil {
		return nil, model.NewSSRFBlockedError()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, model.NewInvalidURLError(err.Error())
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", acceptHeader)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	client := c.guard.NewSafeClient(c.timeout)
	resp, err := client.Do(req)
	if err != nil {
		return nil, model.NewFetchFailedError(err.Error())
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return nil, ErrNotModified
	case http.StatusNotFound, http.StatusGone,
		http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrFeedGone, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, model.NewFetchFailedError(fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxSize))
	if err != nil {
		return nil, model.NewFetchFailedError(fmt.Sprintf("レスポンスの読み取りに失敗: %v", err))
	}

	return &FetchResult{
		URL:          rawURL,
		StatusCode:   resp.StatusCode,
		MimeType:     mediaType(resp.Header.Get("Content-Type")),
		Body:         body,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}

// mediaType はContent-Typeヘッダーからメディアタイプを抽出する。
// charset等のパラメータは除去され、小文字に正規化される。
func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	return strings.ToLower(mt)
}

package handshake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/tomodachi/internal/model"
)

// maxResponseSize はハンドシェイク応答ボディの上限（64KB）。
const maxResponseSize = 64 * 1024

// FriendRequestPayload はfriend-requestエンドポイントへの送信ボディ。
type FriendRequestPayload struct {
	SiteURL  string `json:"site_url"`
	Key      string `json:"key"`
	Name     string `json:"name,omitempty"`
	IconURL  string `json:"icon_url,omitempty"`
	Message  string `json:"message,omitempty"`
	Codeword string `json:"codeword,omitempty"`
}

// AcceptPayload はaccept-friend-requestエンドポイントへの送信ボディ。
type AcceptPayload struct {
	Request string `json:"request"`
	Proof   string `json:"proof"`
	Key     string `json:"key"`
	SiteURL string `json:"site_url"`
	Name    string `json:"name,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

// HelloResult はhelloプローブの応答。
type HelloResult struct {
	Version  string `json:"version"`
	SiteURL  string `json:"site_url,omitempty"`
	Response string `json:"response,omitempty"`
}

// Client はリモートサイトのハンドシェイクエンドポイントを呼び出すクライアント。
// SSRF保護済みのHTTPクライアントを注入して使用する。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
	}
}

// Hello はリモートサイトの対応状況を確認するプローブを送信する。
// チャレンジが空でない場合はPOSTでチャレンジ応答を要求する。
func (c *Client) Hello(ctx context.Context, baseURL, challenge string) (*HelloResult, error) {
	endpoint, err := joinEndpoint(baseURL, "hello")
	if err != nil {
		return nil, err
	}

	var req *http.Request
	if challenge == "" {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	} else {
		body, marshalErr := json.Marshal(map[string]string{"challenge": challenge})
		if marshalErr != nil {
			return nil, fmt.Errorf("リクエストボディの作成に失敗しました: %w", marshalErr)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}

	var result HelloResult
	if err := c.do(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SendFriendRequest はリモートサイトへフレンド申請を送信し、
// 発行されたrequest_idを返す。
func (c *Client) SendFriendRequest(ctx context.Context, baseURL string, payload FriendRequestPayload) (string, error) {
	var result struct {
		Request string `json:"request"`
	}
	if err := c.post(ctx, baseURL, "friend-request", payload, &result); err != nil {
		return "", err
	}
	if result.Request == "" {
		return "", model.NewRemoteUnreachableError("リモートがrequest_idを返しませんでした")
	}
	return result.Request, nil
}

// SendAccept はリモートサイトへ承認を送信し、返された相互検証署名を返す。
func (c *Client) SendAccept(ctx context.Context, baseURL string, payload AcceptPayload) (string, error) {
	var result struct {
		Signature string `json:"signature"`
	}
	if err := c.post(ctx, baseURL, "accept-friend-request", payload, &result); err != nil {
		return "", err
	}
	if result.Signature == "" {
		return "", model.NewRemoteUnreachableError("リモートが署名を返しませんでした")
	}
	return result.Signature, nil
}

func (c *Client) post(ctx context.Context, baseURL, path string, payload any, out any) error {
	endpoint, err := joinEndpoint(baseURL, path)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("リクエストボディの作成に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("User-Agent", "Tomodachi/1.0 Feed Exchange")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("ハンドシェイク呼び出しに失敗しました",
			slog.String("url", req.URL.String()),
			slog.String("error", err.Error()),
		)
		return model.NewRemoteUnreachableError(err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var remoteErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &remoteErr) == nil && remoteErr.Code != "" {
			c.logger.Warn("リモートがハンドシェイクを拒否しました",
				slog.String("url", req.URL.String()),
				slog.Int("http_status", resp.StatusCode),
				slog.String("remote_code", remoteErr.Code),
			)
			return model.NewRemoteUnreachableError(
				fmt.Sprintf("リモートエラー %s: %s", remoteErr.Code, remoteErr.Message))
		}
		return model.NewRemoteUnreachableError(
			fmt.Sprintf("リモートがステータス %d を返しました", resp.StatusCode))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}

// joinEndpoint はサイトのベースURLとfriendsネームスペースのパスを連結する。
func joinEndpoint(baseURL, path string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil || !u.IsAbs() || u.Host == "" {
		return "", model.NewInvalidURLError(baseURL)
	}
	u.Path = u.Path + "/friends/" + path
	return u.String(), nil
}

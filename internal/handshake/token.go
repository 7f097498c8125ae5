// Package handshake はサイト間の信頼ハンドシェイクを実装する。
// 一方向購読を相互認証済みのフレンド関係へ昇格させるトークン交換
// プロトコルと、受信トークンのO(1)検証を提供する。
package handshake

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// GenerateToken は暗号的に安全なランダムトークンを生成する。
// 生成した側がin_tokenとして検証に使い、相手側がout_tokenとして送信に使う。
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("トークンの生成に失敗しました: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GenerateRequestID はハンドシェイクのリクエストIDを生成する。
func GenerateRequestID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("リクエストIDの生成に失敗しました: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Proof は承認呼び出しの所有証明を計算する。
// key（承認側が生成したトークン）とrequest_idを知っている者だけが
// 正しい値を計算できる。
func Proof(key, requestID string) string {
	return hashConcat(key, requestID)
}

// Signature はトークンペアの相互検証署名を計算する。
// 申請側はhash(out_token + in_token)を返し、承認側は自分の
// in_token/out_tokenを同じ順で連結して照合する。
func Signature(first, second string) string {
	return hashConcat(first, second)
}

// HelloResponse はhelloプローブのチャレンジ応答を計算する。
// コードワード未設定の場合はチャレンジのみをハッシュする。
func HelloResponse(codeword, challenge string) string {
	return hashConcat(codeword, challenge)
}

func hashConcat(a, b string) string {
	sum := sha256.Sum256([]byte(a + b))
	return hex.EncodeToString(sum[:])
}

// SlugFromSiteURL はサイトURLからアクターのログイン識別子を導出する。
// ホスト名（小文字）とパスを連結し、末尾のスラッシュを除去する。
// accept-friend-request時の文脈不一致（ハイジャック）検出にも使用する。
func SlugFromSiteURL(siteURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(siteURL))
	if err != nil || !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("サイトURLからスラッグを導出できません: %q", siteURL)
	}
	slug := strings.ToLower(u.Host) + strings.TrimSuffix(u.Path, "/")
	return slug, nil
}

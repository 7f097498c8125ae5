package parser

import "context"

type bearerTokenKey struct{}

type cacheBypassKey struct{}

// WithBearerToken はフレンド限定フィードの取得に使うベアラートークンを
// コンテキストへ付与する。同期エンジンがアクターのout_tokenを設定する。
func WithBearerToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, bearerTokenKey{}, token)
}

// BearerTokenFrom はコンテキストからベアラートークンを取り出す。
func BearerTokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(bearerTokenKey{}).(string)
	return token
}

// WithCacheBypass は条件付きGETを無効化するコンテキストを返す。
// 管理者による手動リフレッシュで再フェッチが空振りしないために使用する。
func WithCacheBypass(ctx context.Context) context.Context {
	return context.WithValue(ctx, cacheBypassKey{}, true)
}

// CacheBypassFrom はコンテキストにキャッシュ無効化指示があるかを返す。
func CacheBypassFrom(ctx context.Context) bool {
	bypass, _ := ctx.Value(cacheBypassKey{}).(bool)
	return bypass
}

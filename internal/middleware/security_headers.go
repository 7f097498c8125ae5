package middleware

import "net/http"

// NewSecurityHeadersMiddleware は全レスポンスに保護ヘッダーを付与するミドルウェアを返す。
// フレンドのフィード由来のコンテンツをAPIで配るため、
// ブラウザに直接開かれた場合の解釈をできるだけ狭めておく。
func NewSecurityHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// JSONレスポンスをHTML等として推測解釈させない
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			// 管理トークン付きURLが参照元として漏れないようにする
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			next.ServeHTTP(w, r)
		})
	}
}

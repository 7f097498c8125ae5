package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/hitoshi/tomodachi/internal/model"
)

// NewAdminAuthMiddleware は管理APIのベアラートークン認証ミドルウェアを返す。
// Authorization: Bearer <token> が設定済みの管理トークンと一致しない場合は
// 401を返す。トークンが未設定の場合は管理APIを全面的に拒否する。
func NewAdminAuthMiddleware(adminToken string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminToken == "" {
				writeAdminAuthError(w)
				return
			}

			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) != 1 {
				writeAdminAuthError(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeAdminAuthError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
		Code:     "UNAUTHORIZED",
		Message:  "管理トークンが必要です。",
		Category: "auth",
		Action:   "Authorizationヘッダーに有効な管理トークンを設定してください。",
	})
}

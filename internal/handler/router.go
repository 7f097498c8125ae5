package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tomodachi/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger      *slog.Logger
	RateLimiter *middleware.RateLimiter
	AdminToken  string

	// friendsネームスペース
	HandshakeService HandshakeServiceInterface
	PostStore        PostStoreInterface
	FriendsConfig    FriendsHandlerConfig

	// 管理API
	SubscriptionService SubscriptionServiceInterface
	FriendService       FriendServiceInterface
	Refresher           RefresherInterface

	// /metrics
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを
// 構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders
//
// friendsネームスペースには接続元IPごとのレート制限が、ハンドシェイク
// 開始エンドポイントにはさらに厳しい専用レート制限が重なる。
// 管理APIは管理トークンによるベアラー認証を必須とする。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	friendsHandler := NewFriendsHandler(deps.HandshakeService, deps.PostStore, deps.Logger, deps.FriendsConfig)
	adminHandler := NewAdminHandler(deps.SubscriptionService, deps.FriendService, deps.Refresher)

	// 死活監視
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// サイト間フィード交換プロトコル
	r.Route("/friends", func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// ハンドシェイク開始は専用のレート制限を重ねる
		r.With(deps.RateLimiter.HandshakeMiddleware()).Post("/friend-request", friendsHandler.FriendRequest)
		r.With(deps.RateLimiter.HandshakeMiddleware()).Post("/accept-friend-request", friendsHandler.AcceptFriendRequest)

		r.Get("/hello", friendsHandler.Hello)
		r.Post("/hello", friendsHandler.HelloChallenge)

		r.Post("/post-deleted", friendsHandler.PostDeleted)
		r.Post("/update-post-reactions", friendsHandler.UpdatePostReactions)
		r.Post("/my-reactions", friendsHandler.MyReactions)
		r.Post("/recommendation", friendsHandler.Recommendation)

		r.Get("/feed", friendsHandler.Feed)
	})

	// 運用者向け管理API
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAdminAuthMiddleware(deps.AdminToken))

		r.Route("/api/actors", func(r chi.Router) {
			r.Post("/", adminHandler.CreateActor)
			r.Get("/", adminHandler.ListActors)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", adminHandler.GetActor)
				r.Delete("/", adminHandler.DeleteActor)
				r.Post("/promote", adminHandler.PromoteActor)
				r.Post("/revoke", adminHandler.RevokeActor)
				r.Post("/refresh", adminHandler.RefreshActor)
				r.Get("/rules", adminHandler.GetRules)
				r.Put("/rules", adminHandler.PutRules)
			})
		})

		r.Post("/api/friend-requests", adminHandler.SendFriendRequest)
	})

	return r
}

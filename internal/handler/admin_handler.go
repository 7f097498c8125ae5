package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tomodachi/internal/model"
	"github.com/hitoshi/tomodachi/internal/subscription"
)

// SubscriptionServiceInterface は管理APIが必要とする購読サービスの
// インターフェース。
type SubscriptionServiceInterface interface {
	// Subscribe はサイトURLからフィードを検出して購読アクターを作成する。
	Subscribe(ctx context.Context, siteURL string) (*subscription.ActorWithFeeds, error)
	// List は全アクターをフィード付きで返す。
	List(ctx context.Context) ([]*subscription.ActorWithFeeds, error)
	// Get は指定IDのアクターをフィード付きで返す。
	Get(ctx context.Context, actorID string) (*subscription.ActorWithFeeds, error)
	// Unsubscribe はアクターを削除する。
	Unsubscribe(ctx context.Context, actorID string) error
	// Rules はアクターのルール一覧とキャッチオールを返す。
	Rules(ctx context.Context, actorID string) ([]*model.Rule, model.RuleAction, error)
	// SaveRules はアクターのルール一式を検証して置き換える。
	SaveRules(ctx context.Context, actorID string, ruleList []*model.Rule, catchAll model.RuleAction) error
}

// FriendServiceInterface は管理APIが必要とするハンドシェイク操作の
// インターフェース。
type FriendServiceInterface interface {
	// SendFriendRequest はリモートサイトへフレンド申請を送信する。
	SendFriendRequest(ctx context.Context, siteURL, message, codeword string) (*model.Actor, error)
	// Promote は受信済みのフレンド申請を承認する。
	Promote(ctx context.Context, actorID string) error
	// Revoke はアクターのトークンを取り消して購読へ降格する。
	Revoke(ctx context.Context, actorID string) error
}

// RefresherInterface は手動同期のインターフェース。sync.Engineが実装する。
type RefresherInterface interface {
	// Refresh はアクターの全フィードをキャッシュを無視して同期する。
	Refresh(ctx context.Context, actorID string) error
}

// AdminHandler は運用者向け管理APIのHTTPハンドラー。
type AdminHandler struct {
	subscriptions SubscriptionServiceInterface
	friends       FriendServiceInterface
	refresher     RefresherInterface
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(
	subscriptions SubscriptionServiceInterface,
	friends FriendServiceInterface,
	refresher RefresherInterface,
) *AdminHandler {
	return &AdminHandler{
		subscriptions: subscriptions,
		friends:       friends,
		refresher:     refresher,
	}
}

// feedResponse はフィード情報のAPIレスポンス。
type feedResponse struct {
	ID                  string    `json:"id"`
	URL                 string    `json:"url"`
	ParserSlug          string    `json:"parser"`
	Title               string    `json:"title,omitempty"`
	Active              bool      `json:"active"`
	PollIntervalMinutes int       `json:"poll_interval_minutes"`
	ConsecutiveErrors   int       `json:"consecutive_errors"`
	LastLog             string    `json:"last_log,omitempty"`
	NextPollAt          time.Time `json:"next_poll_at"`
}

// actorResponse はアクター情報のAPIレスポンス。
type actorResponse struct {
	ID          string         `json:"id"`
	Slug        string         `json:"slug"`
	SiteURL     string         `json:"site_url"`
	DisplayName string         `json:"display_name,omitempty"`
	IconURL     string         `json:"icon_url,omitempty"`
	Role        string         `json:"role"`
	NewlyAdded  bool           `json:"newly_added"`
	CreatedAt   time.Time      `json:"created_at"`
	Feeds       []feedResponse `json:"feeds"`
}

func toActorResponse(a *subscription.ActorWithFeeds) actorResponse {
	resp := actorResponse{
		ID:          a.Actor.ID,
		Slug:        a.Actor.Slug,
		SiteURL:     a.Actor.SiteURL,
		DisplayName: a.Actor.DisplayName,
		IconURL:     a.Actor.IconURL,
		Role:        string(a.Actor.Role),
		NewlyAdded:  a.Actor.NewlyAdded,
		CreatedAt:   a.Actor.CreatedAt,
		Feeds:       make([]feedResponse, 0, len(a.Feeds)),
	}
	for _, f := range a.Feeds {
		resp.Feeds = append(resp.Feeds, feedResponse{
			ID:                  f.ID,
			URL:                 f.URL,
			ParserSlug:          f.ParserSlug,
			Title:               f.Title,
			Active:              f.Active,
			PollIntervalMinutes: f.PollIntervalMinutes,
			ConsecutiveErrors:   f.ConsecutiveErrors,
			LastLog:             f.LastLog,
			NextPollAt:          f.NextPollAt,
		})
	}
	return resp
}

// subscribeRequest は購読作成リクエストのボディ。
type subscribeRequest struct {
	URL string `json:"url"`
}

// CreateActor はサイトURLから購読アクターを作成する。
// POST /api/actors
func (h *AdminHandler) CreateActor(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}
	if req.URL == "" {
		handleServiceError(w, model.NewMissingFieldError("url"))
		return
	}

	result, err := h.subscriptions.Subscribe(r.Context(), req.URL)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toActorResponse(result))
}

// ListActors は全アクターの一覧を返す。
// GET /api/actors
func (h *AdminHandler) ListActors(w http.ResponseWriter, r *http.Request) {
	actors, err := h.subscriptions.List(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	result := make([]actorResponse, 0, len(actors))
	for _, a := range actors {
		result = append(result, toActorResponse(a))
	}
	writeJSON(w, http.StatusOK, result)
}

// GetActor は指定IDのアクターを返す。
// GET /api/actors/{id}
func (h *AdminHandler) GetActor(w http.ResponseWriter, r *http.Request) {
	actor, err := h.subscriptions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toActorResponse(actor))
}

// DeleteActor はアクターを削除する。
// DELETE /api/actors/{id}
func (h *AdminHandler) DeleteActor(w http.ResponseWriter, r *http.Request) {
	if err := h.subscriptions.Unsubscribe(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PromoteActor は受信済みのフレンド申請を承認し、リモートとの
// トークン交換を完了させる。
// POST /api/actors/{id}/promote
func (h *AdminHandler) PromoteActor(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "id")
	if err := h.friends.Promote(r.Context(), actorID); err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":   actorID,
		"role": string(model.RoleFriend),
	})
}

// RevokeActor はアクターのトークンを取り消して購読へ降格する。
// POST /api/actors/{id}/revoke
func (h *AdminHandler) RevokeActor(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "id")
	if err := h.friends.Revoke(r.Context(), actorID); err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":   actorID,
		"role": string(model.RoleSubscription),
	})
}

// RefreshActor はアクターの全フィードをキャッシュを無視して手動同期する。
// POST /api/actors/{id}/refresh
func (h *AdminHandler) RefreshActor(w http.ResponseWriter, r *http.Request) {
	if err := h.refresher.Refresh(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"refreshed": true})
}

// ruleBody はルールのAPI表現。
type ruleBody struct {
	ID          string `json:"id,omitempty"`
	Field       string `json:"field"`
	Regex       string `json:"regex"`
	Action      string `json:"action"`
	ReplaceWith string `json:"replace_with,omitempty"`
}

// rulesBody はルール一覧とキャッチオールのAPI表現。
type rulesBody struct {
	Rules    []ruleBody `json:"rules"`
	CatchAll string     `json:"catch_all"`
}

// GetRules はアクターのフィルタリングルールを返す。
// GET /api/actors/{id}/rules
func (h *AdminHandler) GetRules(w http.ResponseWriter, r *http.Request) {
	ruleList, catchAll, err := h.subscriptions.Rules(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	body := rulesBody{
		Rules:    make([]ruleBody, 0, len(ruleList)),
		CatchAll: string(catchAll),
	}
	for _, rule := range ruleList {
		body.Rules = append(body.Rules, ruleBody{
			ID:          rule.ID,
			Field:       string(rule.Field),
			Regex:       rule.Regex,
			Action:      string(rule.Action),
			ReplaceWith: rule.ReplaceWith,
		})
	}
	writeJSON(w, http.StatusOK, body)
}

// PutRules はアクターのフィルタリングルール一式を置き換える。
// ルールは保存時にのみ検証され、不正なルールを含む場合は保存全体が
// 拒否される。
// PUT /api/actors/{id}/rules
func (h *AdminHandler) PutRules(w http.ResponseWriter, r *http.Request) {
	var body rulesBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	ruleList := make([]*model.Rule, 0, len(body.Rules))
	for _, rb := range body.Rules {
		ruleList = append(ruleList, &model.Rule{
			ID:          rb.ID,
			Field:       model.RuleField(rb.Field),
			Regex:       rb.Regex,
			Action:      model.RuleAction(rb.Action),
			ReplaceWith: rb.ReplaceWith,
		})
	}

	catchAll := model.RuleAction(body.CatchAll)
	if catchAll == "" {
		catchAll = model.RuleActionAccept
	}

	if err := h.subscriptions.SaveRules(r.Context(), chi.URLParam(r, "id"), ruleList, catchAll); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// outboundFriendRequestRequest は送信フレンド申請のボディ。
type outboundFriendRequestRequest struct {
	URL      string `json:"url"`
	Message  string `json:"message"`
	Codeword string `json:"codeword"`
}

// SendFriendRequest はリモートサイトへフレンド申請を送信する。
// POST /api/friend-requests
func (h *AdminHandler) SendFriendRequest(w http.ResponseWriter, r *http.Request) {
	var req outboundFriendRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}
	if req.URL == "" {
		handleServiceError(w, model.NewMissingFieldError("url"))
		return
	}

	actor, err := h.friends.SendFriendRequest(r.Context(), req.URL, req.Message, req.Codeword)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":   actor.ID,
		"slug": actor.Slug,
		"role": string(actor.Role),
	})
}

package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/tomodachi/internal/handshake"
	"github.com/hitoshi/tomodachi/internal/model"
)

// protocolVersion はfriendsネームスペースのプロトコルバージョン。
const protocolVersion = "1.0"

// feedPageLimit はフレンド向けフィードに含める投稿数の上限。
const feedPageLimit = 50

// HandshakeServiceInterface はfriendsハンドラーが必要とする
// ハンドシェイクサービスのインターフェース。
type HandshakeServiceInterface interface {
	// ReceiveFriendRequest はリモートからのフレンド申請を処理しrequest_idを返す。
	ReceiveFriendRequest(ctx context.Context, req handshake.InboundFriendRequest) (string, error)
	// ReceiveAccept はリモートからの承認呼び出しを処理し相互検証署名を返す。
	ReceiveAccept(ctx context.Context, req handshake.InboundAccept) (string, error)
	// VerifyToken はベアラートークンからフレンドアクターを解決する。
	VerifyToken(ctx context.Context, token string) (*model.Actor, error)
}

// PostStoreInterface はfriendsハンドラーが必要とする投稿ストアのインターフェース。
type PostStoreInterface interface {
	ListByActor(ctx context.Context, actorID string) ([]*model.Post, error)
	ListRecent(ctx context.Context, statuses []model.PostStatus, limit int) ([]*model.Post, error)
	Update(ctx context.Context, post *model.Post) error
	Delete(ctx context.Context, id string) error
}

// FriendsHandlerConfig はfriendsハンドラーの自サイト情報。
type FriendsHandlerConfig struct {
	SiteURL  string
	SiteName string
	Codeword string
}

// FriendsHandler はサイト間フィード交換プロトコルのHTTPハンドラー。
// friend-request/accept-friend-request/hello以外のエンドポイントは
// ボディの{friend: <token>}による認証を必須とする。
type FriendsHandler struct {
	handshake HandshakeServiceInterface
	posts     PostStoreInterface
	logger    *slog.Logger
	config    FriendsHandlerConfig
}

// NewFriendsHandler はFriendsHandlerを生成する。
func NewFriendsHandler(
	handshakeService HandshakeServiceInterface,
	posts PostStoreInterface,
	logger *slog.Logger,
	config FriendsHandlerConfig,
) *FriendsHandler {
	return &FriendsHandler{
		handshake: handshakeService,
		posts:     posts,
		logger:    logger,
		config:    config,
	}
}

// friendRequestRequest はフレンド申請リクエストのボディ。
type friendRequestRequest struct {
	SiteURL  string `json:"site_url"`
	Key      string `json:"key"`
	Name     string `json:"name"`
	IconURL  string `json:"icon_url"`
	Message  string `json:"message"`
	Codeword string `json:"codeword"`
}

// FriendRequest はリモートサイトからのフレンド申請を受け付ける。
// POST /friends/friend-request
func (h *FriendsHandler) FriendRequest(w http.ResponseWriter, r *http.Request) {
	var req friendRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	requestID, err := h.handshake.ReceiveFriendRequest(r.Context(), handshake.InboundFriendRequest{
		SiteURL:  req.SiteURL,
		Key:      req.Key,
		Name:     req.Name,
		IconURL:  req.IconURL,
		Message:  req.Message,
		Codeword: req.Codeword,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"request": requestID})
}

// acceptFriendRequestRequest は承認呼び出しのボディ。
type acceptFriendRequestRequest struct {
	Request string `json:"request"`
	Proof   string `json:"proof"`
	Key     string `json:"key"`
	SiteURL string `json:"site_url"`
	Name    string `json:"name"`
	IconURL string `json:"icon_url"`
}

// AcceptFriendRequest はリモートサイトからの承認呼び出しを処理する。
// POST /friends/accept-friend-request
func (h *FriendsHandler) AcceptFriendRequest(w http.ResponseWriter, r *http.Request) {
	var req acceptFriendRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	signature, err := h.handshake.ReceiveAccept(r.Context(), handshake.InboundAccept{
		Request: req.Request,
		Proof:   req.Proof,
		Key:     req.Key,
		SiteURL: req.SiteURL,
		Name:    req.Name,
		IconURL: req.IconURL,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"signature": signature})
}

// Hello は対応状況プローブに応答する。
// GET /friends/hello
func (h *FriendsHandler) Hello(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":  protocolVersion,
		"site_url": h.config.SiteURL,
	})
}

// helloChallengeRequest はチャレンジ付きプローブのボディ。
type helloChallengeRequest struct {
	Challenge string `json:"challenge"`
}

// HelloChallenge はチャレンジ付きプローブに応答する。
// 応答はhash(codeword + challenge)であり、呼び出し側は共有コードワードを
// 知るサイトであることを確認できる。
// POST /friends/hello
func (h *FriendsHandler) HelloChallenge(w http.ResponseWriter, r *http.Request) {
	var req helloChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}
	if req.Challenge == "" {
		handleServiceError(w, model.NewMissingFieldError("challenge"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"version":  protocolVersion,
		"response": handshake.HelloResponse(h.config.Codeword, req.Challenge),
	})
}

// authenticate はボディのfriendトークンからアクターを解決する。
// 失敗時はレスポンスを書き込み済みでnilを返す。
func (h *FriendsHandler) authenticate(w http.ResponseWriter, r *http.Request, token string) *model.Actor {
	actor, err := h.handshake.VerifyToken(r.Context(), token)
	if err != nil {
		handleServiceError(w, err)
		return nil
	}
	return actor
}

// postNoticeRequest は投稿単位の通知エンドポイント共通のボディ。
// post_id（external_id）とurl（パーマリンク）の少なくとも一方で投稿を特定する。
type postNoticeRequest struct {
	Friend    string          `json:"friend"`
	PostID    string          `json:"post_id"`
	URL       string          `json:"url"`
	Reactions json.RawMessage `json:"reactions"`
}

// findActorPost はアクターのキャッシュ済み投稿をexternal_id優先で特定する。
func (h *FriendsHandler) findActorPost(ctx context.Context, actorID, postID, permalink string) (*model.Post, error) {
	posts, err := h.posts.ListByActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if postID != "" {
		for _, p := range posts {
			if p.ExternalID == postID {
				return p, nil
			}
		}
	}
	if permalink != "" {
		for _, p := range posts {
			if p.Permalink == permalink {
				return p, nil
			}
		}
	}
	return nil, nil
}

// PostDeleted はフレンドからの投稿削除通知を処理し、ローカルの
// キャッシュ済み投稿を削除する。
// POST /friends/post-deleted
func (h *FriendsHandler) PostDeleted(w http.ResponseWriter, r *http.Request) {
	var req postNoticeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	actor := h.authenticate(w, r, req.Friend)
	if actor == nil {
		return
	}

	post, err := h.findActorPost(r.Context(), actor.ID, req.PostID, req.URL)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if post == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"deleted": false})
		return
	}

	if err := h.posts.Delete(r.Context(), post.ID); err != nil {
		handleServiceError(w, err)
		return
	}

	h.logger.Info("フレンドからの削除通知で投稿を削除しました",
		slog.String("actor_id", actor.ID),
		slog.String("post_id", post.ID),
	)
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// UpdatePostReactions はフレンドからのリアクション更新通知を処理し、
// キャッシュ済み投稿のリアクション集計を差し替える。集計の中身は解釈しない。
// POST /friends/update-post-reactions
func (h *FriendsHandler) UpdatePostReactions(w http.ResponseWriter, r *http.Request) {
	var req postNoticeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	actor := h.authenticate(w, r, req.Friend)
	if actor == nil {
		return
	}

	post, err := h.findActorPost(r.Context(), actor.ID, req.PostID, req.URL)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if post == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"updated": false})
		return
	}

	post.Reactions = string(req.Reactions)
	post.UpdatedAt = time.Now()
	if err := h.posts.Update(r.Context(), post); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

// myReactionsRequest はリアクション照会のボディ。
// postsが空の場合は呼び出し元アクターの全投稿が対象になる。
type myReactionsRequest struct {
	Friend string   `json:"friend"`
	Posts  []string `json:"posts"`
}

// MyReactions は呼び出し元フレンドの投稿に対するローカルのリアクション
// 集計をパーマリンクをキーとして返す。
// POST /friends/my-reactions
func (h *FriendsHandler) MyReactions(w http.ResponseWriter, r *http.Request) {
	var req myReactionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	actor := h.authenticate(w, r, req.Friend)
	if actor == nil {
		return
	}

	posts, err := h.posts.ListByActor(r.Context(), actor.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	wanted := make(map[string]bool, len(req.Posts))
	for _, u := range req.Posts {
		wanted[u] = true
	}

	reactions := make(map[string]json.RawMessage)
	for _, p := range posts {
		if p.Reactions == "" {
			continue
		}
		if len(wanted) > 0 && !wanted[p.Permalink] {
			continue
		}
		reactions[p.Permalink] = json.RawMessage(p.Reactions)
	}

	writeJSON(w, http.StatusOK, map[string]any{"reactions": reactions})
}

// recommendationRequest はフレンドからのおすすめ通知のボディ。
type recommendationRequest struct {
	Friend  string `json:"friend"`
	Link    string `json:"link"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Recommendation はフレンドからのおすすめ通知を受け付ける。
// POST /friends/recommendation
func (h *FriendsHandler) Recommendation(w http.ResponseWriter, r *http.Request) {
	var req recommendationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	actor := h.authenticate(w, r, req.Friend)
	if actor == nil {
		return
	}

	if req.Link == "" {
		handleServiceError(w, model.NewMissingFieldError("link"))
		return
	}

	h.logger.Info("フレンドからのおすすめを受信しました",
		slog.String("actor_id", actor.ID),
		slog.String("actor_slug", actor.Slug),
		slog.String("link", req.Link),
		slog.String("title", req.Title),
	)

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// jsonFeedAuthor はJSON Feed形式の著者表現。
type jsonFeedAuthor struct {
	Name string `json:"name"`
}

// jsonFeedItem はJSON Feed形式の投稿表現。
type jsonFeedItem struct {
	ID            string           `json:"id"`
	URL           string           `json:"url,omitempty"`
	Title         string           `json:"title,omitempty"`
	ContentHTML   string           `json:"content_html,omitempty"`
	DatePublished *time.Time       `json:"date_published,omitempty"`
	DateModified  *time.Time       `json:"date_modified,omitempty"`
	Authors       []jsonFeedAuthor `json:"authors,omitempty"`
}

// jsonFeedResponse はJSON Feed形式のフィード全体。
type jsonFeedResponse struct {
	Version     string         `json:"version"`
	Title       string         `json:"title"`
	HomePageURL string         `json:"home_page_url,omitempty"`
	Items       []jsonFeedItem `json:"items"`
}

// Feed はローカルにキャッシュされた投稿のフィードをJSON Feed形式で返す。
// クエリのfriendトークンが有効なフレンドのものであればフレンド限定投稿を
// 含み、それ以外は公開投稿のみを返す。
// GET /friends/feed
func (h *FriendsHandler) Feed(w http.ResponseWriter, r *http.Request) {
	statuses := []model.PostStatus{model.PostStatusPublish}

	token := r.URL.Query().Get("friend")
	if token != "" {
		if actor, err := h.handshake.VerifyToken(r.Context(), token); err == nil && actor != nil {
			statuses = append(statuses, model.PostStatusPrivate)
		}
	}

	posts, err := h.posts.ListRecent(r.Context(), statuses, feedPageLimit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	items := make([]jsonFeedItem, 0, len(posts))
	for _, p := range posts {
		item := jsonFeedItem{
			ID:            p.ID,
			URL:           p.Permalink,
			Title:         p.Title,
			ContentHTML:   p.Content,
			DatePublished: p.PublishedAt,
			DateModified:  p.ModifiedAt,
		}
		if p.ExternalID != "" {
			item.ID = p.ExternalID
		}
		if p.Author != "" {
			item.Authors = []jsonFeedAuthor{{Name: p.Author}}
		}
		items = append(items, item)
	}

	w.Header().Set("Content-Type", "application/feed+json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(jsonFeedResponse{
		Version:     "https://jsonfeed.org/version/1.1",
		Title:       h.config.SiteName,
		HomePageURL: h.config.SiteURL,
		Items:       items,
	})
}

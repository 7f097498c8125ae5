package handshake

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/tomodachi/internal/metrics"
	"github.com/hitoshi/tomodachi/internal/model"
	"github.com/hitoshi/tomodachi/internal/repository"
)

// SiteIdentity は自サイトがハンドシェイクで相手に名乗る情報。
type SiteIdentity struct {
	BaseURL  string
	Name     string
	IconURL  string
	Codeword string // 受信側コードワードゲート。空の場合は無効。
}

// InboundFriendRequest はリモートから受信したフレンド申請。
type InboundFriendRequest struct {
	SiteURL  string
	Key      string
	Name     string
	IconURL  string
	Message  string
	Codeword string
}

// InboundAccept はリモートから受信した承認呼び出し。
type InboundAccept struct {
	Request string
	Proof   string
	Key     string
	SiteURL string
	Name    string
	IconURL string
}

// RemoteCaller はリモートサイトへのハンドシェイク呼び出しインターフェース。
type RemoteCaller interface {
	Hello(ctx context.Context, baseURL, challenge string) (*HelloResult, error)
	SendFriendRequest(ctx context.Context, baseURL string, payload FriendRequestPayload) (string, error)
	SendAccept(ctx context.Context, baseURL string, payload AcceptPayload) (string, error)
}

// Service は信頼ハンドシェイクの状態遷移を管理する。
// ロールとトークンの更新は常に同一トランザクション
// （ActorRepository.UpdateWithToken）で行われ、トークンが登録済みなのに
// ロールが未遷移という中間状態は観測されない。
type Service struct {
	actorRepo repository.ActorRepository
	tokenRepo repository.TokenRepository
	client    RemoteCaller
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	site      SiteIdentity
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	actorRepo repository.ActorRepository,
	tokenRepo repository.TokenRepository,
	client RemoteCaller,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	site SiteIdentity,
) *Service {
	return &Service{
		actorRepo: actorRepo,
		tokenRepo: tokenRepo,
		client:    client,
		metrics:   collector,
		logger:    logger,
		site:      site,
	}
}

// ReceiveFriendRequest はリモートからのフレンド申請を処理し、
// 発行したrequest_idを返す。アクターはfriend_requestロールで
// 作成または昇格され、運用者の承認（Promote）を待つ。
func (s *Service) ReceiveFriendRequest(ctx context.Context, req InboundFriendRequest) (string, error) {
	if s.site.Codeword != "" && req.Codeword != s.site.Codeword {
		s.metrics.RecordHandshakeRejection(model.ErrCodeCodewordRejected)
		return "", model.NewCodewordRejectedError()
	}
	if req.Key == "" {
		return "", model.NewMissingFieldError("key")
	}

	slug, err := SlugFromSiteURL(req.SiteURL)
	if err != nil {
		return "", model.NewInvalidURLError(req.SiteURL)
	}

	actor, err := s.actorRepo.FindBySlug(ctx, slug)
	if err != nil {
		return "", fmt.Errorf("アクターの検索に失敗しました: %w", err)
	}
	if actor != nil && actor.Role == model.RoleFriend {
		s.metrics.RecordHandshakeRejection(model.ErrCodeInvalidRole)
		return "", model.NewInvalidRoleError(actor.Role)
	}

	// 自分側のトークンをここで生成し、承認時にproofと共に返送する
	ownKey, err := GenerateToken()
	if err != nil {
		return "", err
	}
	requestID, err := GenerateRequestID()
	if err != nil {
		return "", err
	}

	now := time.Now()
	isNew := actor == nil
	if isNew {
		actor = &model.Actor{
			ID:         uuid.New().String(),
			Slug:       slug,
			SiteURL:    req.SiteURL,
			NewlyAdded: true,
			CreatedAt:  now,
		}
	}
	if req.Name != "" {
		actor.DisplayName = req.Name
	}
	if req.IconURL != "" {
		actor.IconURL = req.IconURL
	}
	actor.Role = model.RoleFriendRequest
	actor.FutureOutToken = req.Key // 相手の生成したトークン。承認後に自分のout_tokenになる
	actor.FutureInToken = ownKey   // 自分の生成したトークン。承認後に自分のin_tokenになる
	actor.RequestID = requestID
	actor.UpdatedAt = now

	if isNew {
		err = s.actorRepo.Create(ctx, actor)
	} else {
		err = s.actorRepo.Update(ctx, actor)
	}
	if err != nil {
		return "", fmt.Errorf("アクターの保存に失敗しました: %w", err)
	}

	s.metrics.RecordFriendRequest()
	s.logger.Info("フレンド申請を受信しました",
		slog.String("actor_id", actor.ID),
		slog.String("site_url", req.SiteURL),
	)

	return requestID, nil
}

// SendFriendRequest はリモートサイトへフレンド申請を送信する。
// 事前にhelloプローブで対応状況を確認し、申請の成立後は
// pending_friend_requestロールで相手運用者の承認を待つ。
func (s *Service) SendFriendRequest(ctx context.Context, siteURL, message, codeword string) (*model.Actor, error) {
	slug, err := SlugFromSiteURL(siteURL)
	if err != nil {
		return nil, model.NewInvalidURLError(siteURL)
	}

	actor, err := s.actorRepo.FindBySlug(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("アクターの検索に失敗しました: %w", err)
	}
	if actor != nil && (actor.Role == model.RoleFriend || actor.Role == model.RolePendingFriendRequest) {
		return nil, model.NewInvalidRoleError(actor.Role)
	}

	if _, err := s.client.Hello(ctx, siteURL, ""); err != nil {
		return nil, err
	}

	ownKey, err := GenerateToken()
	if err != nil {
		return nil, err
	}

	requestID, err := s.client.SendFriendRequest(ctx, siteURL, FriendRequestPayload{
		SiteURL:  s.site.BaseURL,
		Key:      ownKey,
		Name:     s.site.Name,
		IconURL:  s.site.IconURL,
		Message:  message,
		Codeword: codeword,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	isNew := actor == nil
	if isNew {
		actor = &model.Actor{
			ID:         uuid.New().String(),
			Slug:       slug,
			SiteURL:    siteURL,
			NewlyAdded: true,
			CreatedAt:  now,
		}
	}
	actor.Role = model.RolePendingFriendRequest
	actor.FutureInToken = ownKey // 承認後に自分のin_tokenになる
	actor.RequestID = requestID
	actor.UpdatedAt = now

	if isNew {
		err = s.actorRepo.Create(ctx, actor)
	} else {
		err = s.actorRepo.Update(ctx, actor)
	}
	if err != nil {
		return nil, fmt.Errorf("アクターの保存に失敗しました: %w", err)
	}

	s.logger.Info("フレンド申請を送信しました",
		slog.String("actor_id", actor.ID),
		slog.String("site_url", siteURL),
		slog.String("request_id", requestID),
	)

	return actor, nil
}

// Promote は受信済みのフレンド申請を運用者の操作で承認する。
// リモートのaccept-friend-requestを呼び出し、返された署名を検証して
// 初めて自分側のfriendロールをコミットする。署名が一致しない場合は
// friend_requestロールのまま（再試行可能）で中途半端な相互状態を残さない。
func (s *Service) Promote(ctx context.Context, actorID string) error {
	actor, err := s.actorRepo.FindByID(ctx, actorID)
	if err != nil {
		return fmt.Errorf("アクターの取得に失敗しました: %w", err)
	}
	if actor == nil {
		return model.NewActorNotFoundError(actorID)
	}
	if actor.Role != model.RoleFriendRequest {
		return model.NewInvalidRoleError(actor.Role)
	}
	if actor.FutureInToken == "" || actor.FutureOutToken == "" || actor.RequestID == "" {
		return model.NewStaleRequestError(actor.RequestID)
	}

	proof := Proof(actor.FutureInToken, actor.RequestID)

	signature, err := s.client.SendAccept(ctx, actor.SiteURL, AcceptPayload{
		Request: actor.RequestID,
		Proof:   proof,
		Key:     actor.FutureInToken,
		SiteURL: s.site.BaseURL,
		Name:    s.site.Name,
		IconURL: s.site.IconURL,
	})
	if err != nil {
		return err
	}

	// 相手はhash(相手のout_token + 相手のin_token)を返す。
	// 自分側では同じペアがin_token/out_tokenの順になる。
	expected := Signature(actor.FutureInToken, actor.FutureOutToken)
	if signature != expected {
		s.metrics.RecordHandshakeRejection(model.ErrCodeSignatureMismatch)
		s.logger.Warn("署名の検証に失敗したため承認を取り消します",
			slog.String("actor_id", actor.ID),
			slog.String("site_url", actor.SiteURL),
		)
		return model.NewSignatureMismatchError()
	}

	actor.OutToken = actor.FutureOutToken
	actor.InToken = actor.FutureInToken
	actor.Role = model.RoleFriend
	actor.FutureOutToken = ""
	actor.FutureInToken = ""
	actor.RequestID = ""
	actor.UpdatedAt = time.Now()

	if err := s.actorRepo.UpdateWithToken(ctx, actor, actor.InToken); err != nil {
		return fmt.Errorf("フレンド関係のコミットに失敗しました: %w", err)
	}

	s.metrics.RecordFriendAccept()
	s.logger.Info("フレンド関係が成立しました",
		slog.String("actor_id", actor.ID),
		slog.String("site_url", actor.SiteURL),
	)

	return nil
}

// ReceiveAccept はリモートからの承認呼び出しを処理する。
// request_idで記録済みの申請を引き、申請元サイトの同一性とproofを
// 検証したうえでトークンをコミットし、相互検証署名を返す。
func (s *Service) ReceiveAccept(ctx context.Context, req InboundAccept) (string, error) {
	actor, err := s.actorRepo.FindByRequestID(ctx, req.Request)
	if err != nil {
		return "", fmt.Errorf("申請の検索に失敗しました: %w", err)
	}
	if actor == nil {
		s.metrics.RecordHandshakeRejection(model.ErrCodeStaleRequest)
		return "", model.NewStaleRequestError(req.Request)
	}

	// 申請時に記録したサイトと呼び出し元の主張するサイトが一致しない場合は
	// 古い申請の乗っ取りとみなして拒否する
	slug, err := SlugFromSiteURL(req.SiteURL)
	if err != nil || slug != actor.Slug {
		s.metrics.RecordHandshakeRejection(model.ErrCodeStaleRequest)
		s.logger.Warn("承認呼び出しの申請元が一致しません",
			slog.String("actor_id", actor.ID),
			slog.String("recorded_slug", actor.Slug),
			slog.String("claimed_site_url", req.SiteURL),
		)
		return "", model.NewStaleRequestError(req.Request)
	}

	// コミット済みの申請への再送は署名検証に失敗した相手側の再試行。
	// proofを再検証したうえで同じ署名を返し、状態は変更しない。
	if actor.Role == model.RoleFriend && actor.RequestID == req.Request {
		if req.Key != actor.OutToken || Proof(req.Key, actor.RequestID) != req.Proof {
			s.metrics.RecordHandshakeRejection(model.ErrCodeProofMismatch)
			return "", model.NewProofMismatchError()
		}
		return Signature(actor.OutToken, actor.InToken), nil
	}

	if actor.Role != model.RolePendingFriendRequest {
		s.metrics.RecordHandshakeRejection(model.ErrCodeInvalidRole)
		return "", model.NewInvalidRoleError(actor.Role)
	}

	if req.Key == "" || Proof(req.Key, actor.RequestID) != req.Proof {
		s.metrics.RecordHandshakeRejection(model.ErrCodeProofMismatch)
		return "", model.NewProofMismatchError()
	}

	if req.Name != "" {
		actor.DisplayName = req.Name
	}
	if req.IconURL != "" {
		actor.IconURL = req.IconURL
	}
	// request_idはクリアしない。相手側の署名検証が失敗して承認が
	// 再送された場合に同じ申請として受け入れるため。
	actor.OutToken = req.Key
	actor.InToken = actor.FutureInToken
	actor.Role = model.RoleFriend
	actor.FutureOutToken = ""
	actor.FutureInToken = ""
	actor.UpdatedAt = time.Now()

	if err := s.actorRepo.UpdateWithToken(ctx, actor, actor.InToken); err != nil {
		return "", fmt.Errorf("フレンド関係のコミットに失敗しました: %w", err)
	}

	s.metrics.RecordFriendAccept()
	s.logger.Info("フレンド申請が承認されました",
		slog.String("actor_id", actor.ID),
		slog.String("site_url", actor.SiteURL),
	)

	return Signature(actor.OutToken, actor.InToken), nil
}

// VerifyToken はベアラートークンからアクターを解決する。
// 逆引きテーブルによるO(1)のルックアップであり、アクターの走査は行わない。
func (s *Service) VerifyToken(ctx context.Context, token string) (*model.Actor, error) {
	if token == "" {
		return nil, model.NewUnknownTokenError()
	}

	actorID, err := s.tokenRepo.FindActorID(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("トークンの検索に失敗しました: %w", err)
	}
	if actorID == "" {
		return nil, model.NewUnknownTokenError()
	}

	actor, err := s.actorRepo.FindByID(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("アクターの取得に失敗しました: %w", err)
	}
	if actor == nil || !actor.IsFriend() {
		return nil, model.NewUnknownTokenError()
	}

	return actor, nil
}

// Revoke はアクターのトークンを全て取り消し、ロールを購読へ降格する。
// 逆引きテーブルのエントリも同一トランザクションで削除されるため、
// 取り消し後の旧トークンによる呼び出しは即座に認証に失敗する。
func (s *Service) Revoke(ctx context.Context, actorID string) error {
	actor, err := s.actorRepo.FindByID(ctx, actorID)
	if err != nil {
		return fmt.Errorf("アクターの取得に失敗しました: %w", err)
	}
	if actor == nil {
		return model.NewActorNotFoundError(actorID)
	}

	actor.OutToken = ""
	actor.InToken = ""
	actor.FutureOutToken = ""
	actor.FutureInToken = ""
	actor.RequestID = ""
	actor.Role = model.RoleSubscription
	actor.UpdatedAt = time.Now()

	if err := s.actorRepo.UpdateWithToken(ctx, actor, ""); err != nil {
		return fmt.Errorf("トークンの取り消しに失敗しました: %w", err)
	}

	s.logger.Info("アクターのトークンを取り消しました",
		slog.String("actor_id", actor.ID),
	)

	return nil
}

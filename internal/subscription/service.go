// Package subscription は購読アクターの管理ドメインロジックを提供する。
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/tomodachi/internal/handshake"
	"github.com/hitoshi/tomodachi/internal/model"
	"github.com/hitoshi/tomodachi/internal/parser"
	"github.com/hitoshi/tomodachi/internal/repository"
	"github.com/hitoshi/tomodachi/internal/rules"
)

// Discoverer はフィード検出のインターフェース。parser.Registryが実装する。
type Discoverer interface {
	Discover(ctx context.Context, rawURL string) ([]parser.Candidate, error)
}

// IconResolver はアクターのアイコンURLを解決するインターフェース。
type IconResolver interface {
	ResolveIconURL(ctx context.Context, siteURL, iconURL string) string
}

// Service は購読アクターの登録・一覧・削除とルール管理を提供する。
type Service struct {
	actorRepo  repository.ActorRepository
	feedRepo   repository.FeedRepository
	ruleRepo   repository.RuleRepository
	discoverer Discoverer
	icons      IconResolver
	logger     *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
// iconsがnilの場合、アイコン取得はスキップされる。
func NewService(
	actorRepo repository.ActorRepository,
	feedRepo repository.FeedRepository,
	ruleRepo repository.RuleRepository,
	discoverer Discoverer,
	icons IconResolver,
	logger *slog.Logger,
) *Service {
	return &Service{
		actorRepo:  actorRepo,
		feedRepo:   feedRepo,
		ruleRepo:   ruleRepo,
		discoverer: discoverer,
		icons:      icons,
		logger:     logger,
	}
}

// ActorWithFeeds はアクターとそのフィード一覧を結合したドメインオブジェクト。
type ActorWithFeeds struct {
	Actor *model.Actor
	Feeds []*model.Feed
}

// Subscribe はサイトURLからフィードを検出して購読アクターを作成する。
// 既に同じサイトのアクターが存在する場合は既存のアクターを返す（冪等）。
func (s *Service) Subscribe(ctx context.Context, siteURL string) (*ActorWithFeeds, error) {
	slug, err := handshake.SlugFromSiteURL(siteURL)
	if err != nil {
		return nil, model.NewInvalidURLError(siteURL)
	}

	existing, err := s.actorRepo.FindBySlug(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("アクターの検索に失敗しました: %w", err)
	}
	if existing != nil {
		feeds, err := s.feedRepo.ListByActor(ctx, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("フィード一覧の取得に失敗しました: %w", err)
		}
		return &ActorWithFeeds{Actor: existing, Feeds: feeds}, nil
	}

	candidates, err := s.discoverer.Discover(ctx, siteURL)
	if err != nil {
		return nil, err
	}

	chosen := chooseCandidate(candidates)
	if chosen == nil {
		return nil, model.NewFeedNotDetectedError(siteURL)
	}

	now := time.Now()
	actor := &model.Actor{
		ID:          uuid.New().String(),
		Slug:        slug,
		SiteURL:     siteURL,
		DisplayName: displayName(chosen.Title, slug),
		Role:        model.RoleSubscription,
		NewlyAdded:  true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if s.icons != nil {
		actor.IconURL = s.icons.ResolveIconURL(ctx, siteURL, "")
	}
	if err := s.actorRepo.Create(ctx, actor); err != nil {
		return nil, fmt.Errorf("アクターの作成に失敗しました: %w", err)
	}

	feed := &model.Feed{
		ID:                  uuid.New().String(),
		ActorID:             actor.ID,
		URL:                 chosen.URL,
		MimeType:            chosen.MimeType,
		ParserSlug:          chosen.ParserSlug,
		Title:               chosen.Title,
		Active:              true,
		PollIntervalMinutes: model.DefaultPollIntervalMinutes,
		NextPollAt:          now,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.feedRepo.Create(ctx, feed); err != nil {
		return nil, fmt.Errorf("フィードの作成に失敗しました: %w", err)
	}

	s.logger.Info("購読を作成しました",
		slog.String("actor_id", actor.ID),
		slog.String("site_url", siteURL),
		slog.String("feed_url", feed.URL),
		slog.String("parser", feed.ParserSlug),
	)

	return &ActorWithFeeds{Actor: actor, Feeds: []*model.Feed{feed}}, nil
}

// chooseCandidate は検出結果から購読対象のフィードを選ぶ。
// Autoselect候補を優先し、無ければパーサー割り当て済みの先頭候補を使う。
func chooseCandidate(candidates []parser.Candidate) *parser.Candidate {
	for i := range candidates {
		if candidates[i].Autoselect && candidates[i].ParserSlug != "" {
			return &candidates[i]
		}
	}
	for i := range candidates {
		if candidates[i].ParserSlug != "" {
			return &candidates[i]
		}
	}
	return nil
}

func displayName(title, slug string) string {
	if title != "" {
		return title
	}
	return slug
}

// List は全アクターをフィード付きで返す。
func (s *Service) List(ctx context.Context) ([]*ActorWithFeeds, error) {
	actors, err := s.actorRepo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("アクター一覧の取得に失敗しました: %w", err)
	}

	result := make([]*ActorWithFeeds, 0, len(actors))
	for _, actor := range actors {
		feeds, err := s.feedRepo.ListByActor(ctx, actor.ID)
		if err != nil {
			return nil, fmt.Errorf("フィード一覧の取得に失敗しました: %w", err)
		}
		result = append(result, &ActorWithFeeds{Actor: actor, Feeds: feeds})
	}
	return result, nil
}

// Get は指定IDのアクターをフィード付きで返す。
func (s *Service) Get(ctx context.Context, actorID string) (*ActorWithFeeds, error) {
	actor, err := s.actorRepo.FindByID(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("アクターの取得に失敗しました: %w", err)
	}
	if actor == nil {
		return nil, model.NewActorNotFoundError(actorID)
	}
	feeds, err := s.feedRepo.ListByActor(ctx, actor.ID)
	if err != nil {
		return nil, fmt.Errorf("フィード一覧の取得に失敗しました: %w", err)
	}
	return &ActorWithFeeds{Actor: actor, Feeds: feeds}, nil
}

// Unsubscribe はアクターを削除する。フィード・投稿・ルール・トークンは
// CASCADE削除される。
func (s *Service) Unsubscribe(ctx context.Context, actorID string) error {
	actor, err := s.actorRepo.FindByID(ctx, actorID)
	if err != nil {
		return fmt.Errorf("アクターの取得に失敗しました: %w", err)
	}
	if actor == nil {
		return model.NewActorNotFoundError(actorID)
	}

	if err := s.actorRepo.Delete(ctx, actorID); err != nil {
		return fmt.Errorf("アクターの削除に失敗しました: %w", err)
	}

	s.logger.Info("購読を削除しました",
		slog.String("actor_id", actorID),
		slog.String("site_url", actor.SiteURL),
	)
	return nil
}

// Rules はアクターのルール一覧とキャッチオールアクションを返す。
func (s *Service) Rules(ctx context.Context, actorID string) ([]*model.Rule, model.RuleAction, error) {
	actor, err := s.actorRepo.FindByID(ctx, actorID)
	if err != nil {
		return nil, "", fmt.Errorf("アクターの取得に失敗しました: %w", err)
	}
	if actor == nil {
		return nil, "", model.NewActorNotFoundError(actorID)
	}

	ruleList, err := s.ruleRepo.ListByActor(ctx, actorID)
	if err != nil {
		return nil, "", fmt.Errorf("ルール一覧の取得に失敗しました: %w", err)
	}
	catchAll, err := s.ruleRepo.CatchAll(ctx, actorID)
	if err != nil {
		return nil, "", fmt.Errorf("キャッチオールの取得に失敗しました: %w", err)
	}
	if catchAll == "" {
		catchAll = model.RuleActionAccept
	}
	return ruleList, catchAll, nil
}

// SaveRules はアクターのルール一式を検証して置き換える。
// 検証はこの保存時にのみ行われ、1つでも不正なルールがあれば
// 保存全体を拒否して既存のルールを変更しない。
func (s *Service) SaveRules(ctx context.Context, actorID string, ruleList []*model.Rule, catchAll model.RuleAction) error {
	actor, err := s.actorRepo.FindByID(ctx, actorID)
	if err != nil {
		return fmt.Errorf("アクターの取得に失敗しました: %w", err)
	}
	if actor == nil {
		return model.NewActorNotFoundError(actorID)
	}

	if !model.ValidCatchAllAction(catchAll) {
		return model.NewInvalidRuleError(
			fmt.Sprintf("キャッチオールに使用できないアクションです: %s", catchAll))
	}

	for i, rule := range ruleList {
		rule.ActorID = actorID
		rule.Position = i
		if rule.ID == "" {
			rule.ID = uuid.New().String()
		}
		if err := rules.Validate(rule); err != nil {
			return err
		}
	}

	if err := s.ruleRepo.ReplaceForActor(ctx, actorID, ruleList); err != nil {
		return fmt.Errorf("ルールの保存に失敗しました: %w", err)
	}
	if err := s.ruleRepo.SetCatchAll(ctx, actorID, catchAll); err != nil {
		return fmt.Errorf("キャッチオールの保存に失敗しました: %w", err)
	}

	s.logger.Info("ルールを更新しました",
		slog.String("actor_id", actorID),
		slog.Int("rule_count", len(ruleList)),
		slog.String("catch_all", string(catchAll)),
	)
	return nil
}

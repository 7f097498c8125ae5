// Package sync は購読ごとのフィード同期パイプラインを実装する。
// フェッチ → パース → ルール適用 → リモート投稿インデックス再構築 → upsert
// の順に処理し、同一リモートフィードに対する再実行が冪等になることを保証する。
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/tomodachi/internal/metrics"
	"github.com/hitoshi/tomodachi/internal/model"
	"github.com/hitoshi/tomodachi/internal/parser"
	"github.com/hitoshi/tomodachi/internal/repository"
	"github.com/hitoshi/tomodachi/internal/rules"
	"github.com/hitoshi/tomodachi/internal/security"
)

// Result は1フィード分の同期結果を表す。
type Result struct {
	Inserted int
	Updated  int
	Dropped  int
	NewPosts []*model.Post
}

// Engine は同期パイプラインの本体。
// 1アクターに対する同期はスケジューラ側で直列化される前提であり、
// リモート投稿インデックスはフィード同期のたびにメモリ上で再構築される。
type Engine struct {
	actorRepo repository.ActorRepository
	feedRepo  repository.FeedRepository
	postRepo  repository.PostRepository
	ruleRepo  repository.RuleRepository
	registry  *parser.Registry
	rules     *rules.Engine
	sanitizer security.ContentSanitizerService
	notifier  Notifier
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
}

// NewEngine はEngineの新しいインスタンスを生成する。
func NewEngine(
	actorRepo repository.ActorRepository,
	feedRepo repository.FeedRepository,
	postRepo repository.PostRepository,
	ruleRepo repository.RuleRepository,
	registry *parser.Registry,
	ruleEngine *rules.Engine,
	sanitizer security.ContentSanitizerService,
	notifier Notifier,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		actorRepo: actorRepo,
		feedRepo:  feedRepo,
		postRepo:  postRepo,
		ruleRepo:  ruleRepo,
		registry:  registry,
		rules:     ruleEngine,
		sanitizer: sanitizer,
		notifier:  notifier,
		metrics:   collector,
		logger:    logger,
	}
}

// SyncActorFeeds はアクターのフィード群を順に同期する。
// フィード単位の失敗は記録して次のフィードへ進み、全体を中断しない。
// 新着投稿があれば通知を発火する。ただしアクター追加直後の初回同期は
// 通知を抑制し、完了後にnewly_addedフラグを下ろす。
func (e *Engine) SyncActorFeeds(ctx context.Context, actor *model.Actor, feeds []*model.Feed) error {
	var newPosts []*model.Post
	var firstErr error

	for _, feed := range feeds {
		if !feed.Active {
			continue
		}
		result, err := e.SyncFeed(ctx, actor, feed)
		if err != nil {
			e.logger.Error("フィード同期に失敗しました",
				slog.String("actor_id", actor.ID),
				slog.String("feed_id", feed.ID),
				slog.String("feed_url", feed.URL),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		newPosts = append(newPosts, result.NewPosts...)
	}

	if len(newPosts) > 0 && !actor.NewlyAdded {
		e.notifier.NotifyNewContent(ctx, actor, newPosts)
	}

	if actor.NewlyAdded {
		actor.NewlyAdded = false
		if err := e.actorRepo.Update(ctx, actor); err != nil {
			e.logger.Error("アクターの初回同期フラグ更新に失敗しました",
				slog.String("actor_id", actor.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return firstErr
}

// Refresh はアクターの全アクティブフィードを手動で再同期する。
// 条件付きGETのキャッシュを無効化するため、変更のないリモートに対しても
// 本文の再取得と再upsertが行われる。
func (e *Engine) Refresh(ctx context.Context, actorID string) error {
	actor, err := e.actorRepo.FindByID(ctx, actorID)
	if err != nil {
		return fmt.Errorf("アクターの取得に失敗しました: %w", err)
	}
	if actor == nil {
		return model.NewActorNotFoundError(actorID)
	}

	feeds, err := e.feedRepo.ListByActor(ctx, actorID)
	if err != nil {
		return fmt.Errorf("フィード一覧の取得に失敗しました: %w", err)
	}

	return e.SyncActorFeeds(parser.WithCacheBypass(ctx), actor, feeds)
}

// SyncFeed は1フィード分の同期パイプラインを実行する。
// フレンド関係が確立済みの場合、out_tokenをベアラートークンとして
// フェッチに付与し、非公開投稿を含むフィードを取得する。
func (e *Engine) SyncFeed(ctx context.Context, actor *model.Actor, feed *model.Feed) (*Result, error) {
	p := e.registry.Get(feed.ParserSlug)
	if p == nil {
		applyFeedGone(feed, fmt.Sprintf("未登録のパーサーです: %s", feed.ParserSlug))
		if err := e.feedRepo.UpdatePollState(ctx, feed); err != nil {
			return nil, fmt.Errorf("フィード状態の更新に失敗しました: %w", err)
		}
		e.metrics.RecordSyncFailure(actor.ID, "unknown_parser")
		return nil, model.NewParseFailedError(feed.ParserSlug)
	}

	fetchCtx := ctx
	if actor.IsFriend() {
		fetchCtx = parser.WithBearerToken(ctx, actor.OutToken)
	}

	start := time.Now()
	items, err := p.Fetch(fetchCtx, feed)
	e.metrics.RecordFetchLatency(time.Since(start))

	switch {
	case err == nil:
		// 続行。空のフィードは失敗ではない。
	case errors.Is(err, parser.ErrNotModified):
		applyPollSuccess(feed)
		if updateErr := e.feedRepo.UpdatePollState(ctx, feed); updateErr != nil {
			return nil, fmt.Errorf("フィード状態の更新に失敗しました: %w", updateErr)
		}
		e.metrics.RecordSyncSuccess(actor.ID)
		e.logger.Info("フィードは未変更です",
			slog.String("feed_id", feed.ID),
			slog.String("feed_url", feed.URL),
		)
		return &Result{}, nil
	case errors.Is(err, parser.ErrFeedGone):
		applyFeedGone(feed, err.Error())
		if updateErr := e.feedRepo.UpdatePollState(ctx, feed); updateErr != nil {
			return nil, fmt.Errorf("フィード状態の更新に失敗しました: %w", updateErr)
		}
		e.metrics.RecordSyncFailure(actor.ID, "feed_gone")
		e.logger.Warn("フィードが利用不能のためポーリングを停止します",
			slog.String("feed_id", feed.ID),
			slog.String("feed_url", feed.URL),
			slog.String("reason", err.Error()),
		)
		return &Result{}, nil
	case isParseFailure(err):
		applyParseFailure(feed, err.Error())
		if updateErr := e.feedRepo.UpdatePollState(ctx, feed); updateErr != nil {
			return nil, fmt.Errorf("フィード状態の更新に失敗しました: %w", updateErr)
		}
		e.metrics.RecordParseFailure(feed.ParserSlug)
		return nil, err
	default:
		applyPollBackoff(feed, err.Error())
		if updateErr := e.feedRepo.UpdatePollState(ctx, feed); updateErr != nil {
			return nil, fmt.Errorf("フィード状態の更新に失敗しました: %w", updateErr)
		}
		e.metrics.RecordSyncFailure(actor.ID, "fetch_error")
		return nil, err
	}

	ruleList, err := e.ruleRepo.ListByActor(ctx, actor.ID)
	if err != nil {
		return nil, fmt.Errorf("ルール一覧の取得に失敗しました: %w", err)
	}
	catchAll, err := e.ruleRepo.CatchAll(ctx, actor.ID)
	if err != nil {
		return nil, fmt.Errorf("キャッチオールアクションの取得に失敗しました: %w", err)
	}

	// リモート投稿インデックスは毎回フルに再構築する。
	// 外部での削除・編集後に古いIDへ作用しないための仕様。
	cached, err := e.postRepo.ListByActor(ctx, actor.ID)
	if err != nil {
		return nil, fmt.Errorf("キャッシュ投稿の取得に失敗しました: %w", err)
	}
	index := buildPostIndex(cached)

	result, err := e.upsertItems(ctx, actor, feed, items, ruleList, catchAll, index)
	if err != nil {
		return nil, err
	}

	applyPollSuccess(feed)
	if err := e.feedRepo.UpdatePollState(ctx, feed); err != nil {
		return nil, fmt.Errorf("フィード状態の更新に失敗しました: %w", err)
	}

	e.metrics.RecordSyncSuccess(actor.ID)
	e.metrics.RecordItemsInserted(result.Inserted)
	e.metrics.RecordItemsUpdated(result.Updated)

	e.logger.Info("フィード同期が完了しました",
		slog.String("actor_id", actor.ID),
		slog.String("feed_id", feed.ID),
		slog.String("feed_url", feed.URL),
		slog.Int("items_total", len(items)),
		slog.Int("inserted", result.Inserted),
		slog.Int("updated", result.Updated),
		slog.Int("dropped", result.Dropped),
	)

	return result, nil
}

// upsertItems はフィードアイテム列をルール適用のうえ投稿ストアへupsertする。
// 同一性解決はexternal_id一致がパーマリンク一致より優先される。
// 新規挿入はインデックスに即時反映され、同一バッチ内の後続アイテムが
// 重複レコードを作ることはない。
func (e *Engine) upsertItems(
	ctx context.Context,
	actor *model.Actor,
	feed *model.Feed,
	items []*model.FeedItem,
	ruleList []*model.Rule,
	catchAll model.RuleAction,
	index *postIndex,
) (*Result, error) {
	result := &Result{}
	now := time.Now()

	for _, item := range items {
		if item == nil {
			continue
		}

		// パーマリンクのないアイテムは同一性を解決できないため破棄する
		if item.Permalink() == "" {
			result.Dropped++
			continue
		}

		action := e.rules.Evaluate(item, ruleList, catchAll)
		if action == model.RuleActionDelete || item.Deleted() {
			result.Dropped++
			continue
		}

		var statusOverride model.PostStatus
		if action == model.RuleActionTrash {
			statusOverride = model.PostStatusTrash
		}

		// ルール変換後にタイトルと本文が共に空のアイテムは破棄する
		if item.Title() == "" && item.Content() == "" {
			result.Dropped++
			continue
		}

		content := e.sanitizer.Sanitize(item.Content())

		existing := index.resolve(item.ExternalID(), item.Permalink())
		if existing != nil {
			e.updatePost(ctx, existing, item, content, statusOverride, now, result)
			continue
		}

		post := e.newPost(actor, feed, item, content, statusOverride, now)
		if err := e.postRepo.Create(ctx, post); err != nil {
			e.logger.Error("投稿の挿入に失敗しました",
				slog.String("actor_id", actor.ID),
				slog.String("permalink", item.Permalink()),
				slog.String("error", err.Error()),
			)
			return result, fmt.Errorf("投稿の挿入に失敗しました: %w", err)
		}
		item.MarkPersisted()
		index.add(post)
		result.Inserted++
		result.NewPosts = append(result.NewPosts, post)
	}

	return result, nil
}

// updatePost は既存投稿の可変フィールドを上書き更新する。重複は作らない。
func (e *Engine) updatePost(
	ctx context.Context,
	existing *model.Post,
	item *model.FeedItem,
	content string,
	statusOverride model.PostStatus,
	now time.Time,
	result *Result,
) {
	existing.Title = item.Title()
	existing.Content = content
	existing.Author = item.Author()
	existing.Permalink = item.Permalink()
	existing.CommentCount = item.CommentCount()
	existing.ModifiedAt = unixTimePtr(item.UpdatedDate())
	existing.UpdatedAt = now

	if statusOverride != "" {
		existing.Status = statusOverride
	} else if item.PostStatus() != "" {
		existing.Status = item.PostStatus()
	}
	if item.PostFormat() != "" {
		existing.Format = item.PostFormat()
	}
	if reactions := reactionsFromItem(item); reactions != "" {
		existing.Reactions = reactions
	}

	if err := e.postRepo.Update(ctx, existing); err != nil {
		e.logger.Error("投稿の更新に失敗しました",
			slog.String("post_id", existing.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	item.MarkPersisted()
	result.Updated++
}

// newPost はフィードアイテムから新規投稿レコードを組み立てる。
// 投稿フォーマットはアイテム指定 > フィード既定値 > standardの順で解決する。
func (e *Engine) newPost(
	actor *model.Actor,
	feed *model.Feed,
	item *model.FeedItem,
	content string,
	statusOverride model.PostStatus,
	now time.Time,
) *model.Post {
	post := &model.Post{
		ID:           uuid.New().String(),
		ActorID:      actor.ID,
		FeedID:       feed.ID,
		ExternalID:   item.ExternalID(),
		Permalink:    item.Permalink(),
		Title:        item.Title(),
		Content:      content,
		Author:       item.Author(),
		Format:       resolvePostFormat(item, feed),
		Status:       model.PostStatusPublish,
		CommentCount: item.CommentCount(),
		Reactions:    reactionsFromItem(item),
		PublishedAt:  unixTimePtr(item.Date()),
		ModifiedAt:   unixTimePtr(item.UpdatedDate()),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if statusOverride != "" {
		post.Status = statusOverride
	} else if item.PostStatus() != "" {
		post.Status = item.PostStatus()
	}

	return post
}

// resolvePostFormat は投稿フォーマットのフォールバック連鎖を解決する。
func resolvePostFormat(item *model.FeedItem, feed *model.Feed) model.PostFormat {
	if item.PostFormat() != "" {
		return item.PostFormat()
	}
	if feed.PostFormatHint != "" {
		hint := model.PostFormat(feed.PostFormatHint)
		if model.ValidPostFormat(hint) {
			return hint
		}
	}
	return model.PostFormatStandard
}

// reactionsFromItem はパーサー固有メタからリアクション集計を取り出す。
// 中身のJSONは解釈せず、そのまま保持する。
func reactionsFromItem(item *model.FeedItem) string {
	for _, slug := range []string{parser.SlugRSS, parser.SlugJSONFeed, parser.SlugMicroformats, parser.SlugActivityPub} {
		sub := item.Meta(slug)
		if sub == nil {
			continue
		}
		value, ok := sub["reactions"]
		if !ok {
			continue
		}
		if s, isString := value.(string); isString {
			return s
		}
		if raw, err := json.Marshal(value); err == nil {
			return string(raw)
		}
	}
	return ""
}

// unixTimePtr はUnixタイムスタンプを*time.Timeに変換する。0はnil。
func unixTimePtr(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

// isParseFailure はエラーがパース失敗（PARSE_FAILED）かを判定する。
func isParseFailure(err error) bool {
	var apiErr *model.APIError
	return errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeParseFailed
}

// postIndex は1アクター分のリモート投稿インデックス。
// external_idとパーマリンクからローカル投稿を引く。同期パスごとに再構築される。
type postIndex struct {
	byExternalID map[string]*model.Post
	byPermalink  map[string]*model.Post
}

func buildPostIndex(posts []*model.Post) *postIndex {
	index := &postIndex{
		byExternalID: make(map[string]*model.Post, len(posts)),
		byPermalink:  make(map[string]*model.Post, len(posts)),
	}
	for _, post := range posts {
		index.add(post)
	}
	return index
}

func (x *postIndex) add(post *model.Post) {
	if post.ExternalID != "" {
		x.byExternalID[post.ExternalID] = post
	}
	if post.Permalink != "" {
		x.byPermalink[post.Permalink] = post
	}
}

// resolve はexternal_id一致を優先し、なければパーマリンク一致で解決する。
func (x *postIndex) resolve(externalID, permalink string) *model.Post {
	if externalID != "" {
		if post, ok := x.byExternalID[externalID]; ok {
			return post
		}
	}
	if post, ok := x.byPermalink[permalink]; ok {
		return post
	}
	return nil
}

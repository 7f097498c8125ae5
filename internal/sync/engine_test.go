package sync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/tomodachi/internal/model"
	"github.com/hitoshi/tomodachi/internal/parser"
	"github.com/hitoshi/tomodachi/internal/rules"
	"github.com/hitoshi/tomodachi/internal/security"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- モック実装 ---

type mockActorRepo struct {
	actor       *model.Actor
	updateCalls int
}

func (r *mockActorRepo) FindByID(ctx context.Context, id string) (*model.Actor, error) {
	if r.actor != nil && r.actor.ID == id {
		return r.actor, nil
	}
	return nil, nil
}
func (r *mockActorRepo) FindBySlug(ctx context.Context, slug string) (*model.Actor, error) {
	return nil, nil
}
func (r *mockActorRepo) FindByRequestID(ctx context.Context, requestID string) (*model.Actor, error) {
	return nil, nil
}
func (r *mockActorRepo) List(ctx context.Context) ([]*model.Actor, error) { return nil, nil }
func (r *mockActorRepo) Create(ctx context.Context, actor *model.Actor) error {
	return nil
}
func (r *mockActorRepo) Update(ctx context.Context, actor *model.Actor) error {
	r.updateCalls++
	return nil
}
func (r *mockActorRepo) UpdateWithToken(ctx context.Context, actor *model.Actor, inToken string) error {
	return nil
}
func (r *mockActorRepo) Delete(ctx context.Context, id string) error { return nil }

type mockFeedRepo struct {
	feeds          []*model.Feed
	pollStateCalls int
}

func (r *mockFeedRepo) FindByID(ctx context.Context, id string) (*model.Feed, error) {
	return nil, nil
}
func (r *mockFeedRepo) ListByActor(ctx context.Context, actorID string) ([]*model.Feed, error) {
	return r.feeds, nil
}
func (r *mockFeedRepo) ListDueForPoll(ctx context.Context, now time.Time, limit int) ([]*model.Feed, error) {
	return r.feeds, nil
}
func (r *mockFeedRepo) Create(ctx context.Context, feed *model.Feed) error { return nil }
func (r *mockFeedRepo) Update(ctx context.Context, feed *model.Feed) error { return nil }
func (r *mockFeedRepo) UpdatePollState(ctx context.Context, feed *model.Feed) error {
	r.pollStateCalls++
	return nil
}
func (r *mockFeedRepo) Delete(ctx context.Context, id string) error { return nil }

type memPostRepo struct {
	posts   []*model.Post
	created int
	updated int
}

func (r *memPostRepo) FindByID(ctx context.Context, id string) (*model.Post, error) {
	for _, p := range r.posts {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, nil
}
func (r *memPostRepo) ListByActor(ctx context.Context, actorID string) ([]*model.Post, error) {
	var out []*model.Post
	for _, p := range r.posts {
		if p.ActorID == actorID {
			out = append(out, p)
		}
	}
	return out, nil
}
func (r *memPostRepo) ListByActorAndStatus(ctx context.Context, actorID string, status model.PostStatus) ([]*model.Post, error) {
	return nil, nil
}
func (r *memPostRepo) ListRecent(ctx context.Context, statuses []model.PostStatus, limit int) ([]*model.Post, error) {
	return nil, nil
}
func (r *memPostRepo) Create(ctx context.Context, post *model.Post) error {
	r.posts = append(r.posts, post)
	r.created++
	return nil
}
func (r *memPostRepo) Update(ctx context.Context, post *model.Post) error {
	r.updated++
	return nil
}
func (r *memPostRepo) Delete(ctx context.Context, id string) error             { return nil }
func (r *memPostRepo) DeleteByActor(ctx context.Context, actorID string) error { return nil }

type mockRuleRepo struct {
	rules    []*model.Rule
	catchAll model.RuleAction
}

func (r *mockRuleRepo) ListByActor(ctx context.Context, actorID string) ([]*model.Rule, error) {
	return r.rules, nil
}
func (r *mockRuleRepo) ReplaceForActor(ctx context.Context, actorID string, ruleList []*model.Rule) error {
	return nil
}
func (r *mockRuleRepo) CatchAll(ctx context.Context, actorID string) (model.RuleAction, error) {
	if r.catchAll == "" {
		return model.RuleActionAccept, nil
	}
	return r.catchAll, nil
}
func (r *mockRuleRepo) SetCatchAll(ctx context.Context, actorID string, action model.RuleAction) error {
	return nil
}

type mockNotifier struct {
	calls     int
	lastPosts []*model.Post
}

func (n *mockNotifier) NotifyNewContent(ctx context.Context, actor *model.Actor, posts []*model.Post) {
	n.calls++
	n.lastPosts = posts
}

type noopMetrics struct{}

func (noopMetrics) RecordSyncSuccess(actorID string)                {}
func (noopMetrics) RecordSyncFailure(actorID string, reason string) {}
func (noopMetrics) RecordParseFailure(parserSlug string)            {}
func (noopMetrics) RecordItemsInserted(count int)                   {}
func (noopMetrics) RecordItemsUpdated(count int)                    {}
func (noopMetrics) RecordFetchLatency(duration time.Duration)       {}
func (noopMetrics) RecordFriendRequest()                            {}
func (noopMetrics) RecordFriendAccept()                             {}
func (noopMetrics) RecordHandshakeRejection(code string)            {}

type stubParser struct {
	slug    string
	fetchFn func(ctx context.Context, feed *model.Feed) ([]*model.FeedItem, error)
}

func (p *stubParser) Slug() string { return p.slug }
func (p *stubParser) Confidence(url, mimeType, title string, sample []byte) int {
	return parser.ConfidenceHigh
}
func (p *stubParser) Discover(doc *parser.Document) []parser.Candidate { return nil }
func (p *stubParser) Fetch(ctx context.Context, feed *model.Feed) ([]*model.FeedItem, error) {
	return p.fetchFn(ctx, feed)
}

// --- テストフィクスチャ ---

type testEnv struct {
	engine    *Engine
	actorRepo *mockActorRepo
	feedRepo  *mockFeedRepo
	postRepo  *memPostRepo
	ruleRepo  *mockRuleRepo
	notifier  *mockNotifier
	actor     *model.Actor
	feed      *model.Feed
}

func newTestEnv(t *testing.T, fetchFn func(ctx context.Context, feed *model.Feed) ([]*model.FeedItem, error)) *testEnv {
	t.Helper()

	actor := &model.Actor{
		ID:      "actor-1",
		Slug:    "example.com",
		SiteURL: "https://example.com",
		Role:    model.RoleSubscription,
	}
	feed := &model.Feed{
		ID:         "feed-1",
		ActorID:    "actor-1",
		URL:        "https://example.com/feed",
		ParserSlug: "rss",
		Active:     true,
	}

	registry := parser.NewRegistry(nil)
	if err := registry.Register(&stubParser{slug: "rss", fetchFn: fetchFn}); err != nil {
		t.Fatalf("failed to register stub parser: %v", err)
	}

	env := &testEnv{
		actorRepo: &mockActorRepo{actor: actor},
		feedRepo:  &mockFeedRepo{feeds: []*model.Feed{feed}},
		postRepo:  &memPostRepo{},
		ruleRepo:  &mockRuleRepo{},
		notifier:  &mockNotifier{},
		actor:     actor,
		feed:      feed,
	}
	env.engine = NewEngine(
		env.actorRepo,
		env.feedRepo,
		env.postRepo,
		env.ruleRepo,
		registry,
		rules.NewEngine(testLogger()),
		security.NewContentSanitizer(),
		env.notifier,
		noopMetrics{},
		testLogger(),
	)
	return env
}

func makeItem(t *testing.T, permalink, title, content, externalID string) *model.FeedItem {
	t.Helper()
	item := model.NewFeedItem()
	if permalink != "" {
		if err := item.SetPermalink(permalink); err != nil {
			t.Fatalf("failed to set permalink: %v", err)
		}
	}
	item.SetTitle(title)
	item.SetContent(content)
	item.SetExternalID(externalID)
	return item
}

// --- テスト ---

// TestSyncFeed_InsertsNewPosts は新規アイテムが投稿として挿入されることを検証する。
func TestSyncFeed_InsertsNewPosts(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, feed *model.Feed) ([]*model.FeedItem, error) {
		a := makeItem(t, "https://example.com/posts/1", "最初の投稿", "<p>本文1</p>", "remote-1")
		b := makeItem(t, "https://example.com/posts/2", "次の投稿", "<p>本文2</p>", "remote-2")
		return []*model.FeedItem{a, b}, nil
	})

	result, err := env.engine.SyncFeed(context.Background(), env.actor, env.feed)
	if err != nil {
		t.Fatalf("SyncFeed failed: %v", err)
	}

	if result.Inserted != 2 {
		t.Errorf("Inserted = %d, want 2", result.Inserted)
	}
	if result.Updated != 0 {
		t.Errorf("Updated = %d, want 0", result.Updated)
	}
	if len(env.postRepo.posts) != 2 {
		t.Fatalf("stored posts = %d, want 2", len(env.postRepo.posts))
	}

	post := env.postRepo.posts[0]
	if post.ActorID != "actor-1" || post.FeedID != "feed-1" {
		t.Errorf("post ownership = (%s, %s), want (actor-1, feed-1)", post.ActorID, post.FeedID)
	}
	if post.ExternalID != "remote-1" {
		t.Errorf("ExternalID = %q, want remote-1", post.ExternalID)
	}
	if post.Status != model.PostStatusPublish {
		t.Errorf("Status = %q, want publish", post.Status)
	}
	if post.Format != model.PostFormatStandard {
		t.Errorf("Format = %q, want standard", post.Format)
	}
}

// TestSyncFeed_Idempotent は同一リモートフィードの再同期が新規レコードを
// 生まず、フィールド値も変化しないことを検証する。
func TestSyncFeed_Idempotent(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, feed *model.Feed) ([]*model.FeedItem, error) {
		item := makeItem(t, "https://example.com/posts/1", "変わらない投稿", "<p>本文</p>", "remote-1")
		return []*model.FeedItem{item}, nil
	})

	first, err := env.engine.SyncFeed(context.Background(), env.actor, env.feed)
	if err != nil {
		t.Fatalf("first SyncFeed failed: %v", err)
	}
	if first.Inserted != 1 {
		t.Fatalf("first run Inserted = %d, want 1", first.Inserted)
	}

	firstID := env.postRepo.posts[0].ID
	firstTitle := env.postRepo.posts[0].Title
	firstContent := env.postRepo.posts[0].Content

	second, err := env.engine.SyncFeed(context.Background(), env.actor, env.feed)
	if err != nil {
		t.Fatalf("second SyncFeed failed: %v", err)
	}

	if second.Inserted != 0 {
		t.Errorf("second run Inserted = %d, want 0", second.Inserted)
	}
	if len(env.postRepo.posts) != 1 {
		t.Fatalf("stored posts = %d, want 1", len(env.postRepo.posts))
	}
	post := env.postRepo.posts[0]
	if post.ID != firstID {
		t.Errorf("post ID changed: %q -> %q", firstID, post.ID)
	}
	if post.Title != firstTitle || post.Content != firstContent {
		t.Errorf("field values changed on re-sync: title=%q content=%q", post.Title, post.Content)
	}
}

// TestSyncFeed_ExternalIDWinsOverPermalink はexternal_id一致が
// パーマリンク一致より優先されることを検証する。
func TestSyncFeed_ExternalIDWinsOverPermalink(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, feed *model.Feed) ([]*model.FeedItem, error) {
		item := makeItem(t, "https://example.com/posts/1-moved", "引越し後", "<p>本文</p>", "remote-1")
		return []*model.FeedItem{item}, nil
	})

	env.postRepo.posts = append(env.postRepo.posts, &model.Post{
		ID:         "post-1",
		ActorID:    "actor-1",
		FeedID:     "feed-1",
		ExternalID: "remote-1",
		Permalink:  "https://example.com/posts/1",
		Title:      "引越し前",
		Status:     model.PostStatusPublish,
	})

	result, err := env.engine.SyncFeed(context.Background(), env.actor, env.feed)
	if err != nil {
		t.Fatalf("SyncFeed failed: %v", err)
	}

	if result.Inserted != 0 || result.Updated != 1 {
		t.Errorf("(inserted, updated) = (%d, %d), want (0, 1)", result.Inserted, result.Updated)
	}
	if len(env.postRepo.posts) != 1 {
		t.Fatalf("stored posts = %d, want 1", len(env.postRepo.posts))
	}
	post := env.postRepo.posts[0]
	if post.ID != "post-1" {
		t.Errorf("post ID = %q, want post-1", post.ID)
	}
	if post.Permalink != "https://example.com/posts/1-moved" {
		t.Errorf("Permalink = %q, want moved URL", post.Permalink)
	}
	if post.Title != "引越し後" {
		t.Errorf("Title = %q, want 引越し後", post.Title)
	}
}

// TestSyncFeed_DropsInvalidItems はパーマリンクなし・空アイテムが
// 保存されないことを検証する。
func TestSyncFeed_DropsInvalidItems(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, feed *model.Feed) ([]*model.FeedItem, error) {
		noPermalink := model.NewFeedItem()
		noPermalink.SetTitle("リンクなし")
		empty := makeItem(t, "https://example.com/posts/empty", "", "", "remote-empty")
		valid := makeItem(t, "https://example.com/posts/1", "有効な投稿", "<p>本文</p>", "remote-1")
		return []*model.FeedItem{noPermalink, empty, valid}, nil
	})

	result, err := env.engine.SyncFeed(context.Background(), env.actor, env.feed)
	if err != nil {
		t.Fatalf("SyncFeed failed: %v", err)
	}

	if result.Inserted != 1 {
		t.Errorf("Inserted = %d, want 1", result.Inserted)
	}
	if result.Dropped != 2 {
		t.Errorf("Dropped = %d, want 2", result.Dropped)
	}
}

// TestSyncFeed_DeletedItemDropped は削除済みアイテム（ActivityPubのDelete等）が
// 取り込まれないことを検証する。
func TestSyncFeed_DeletedItemDropped(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, feed *model.Feed) ([]*model.FeedItem, error) {
		tombstone := makeItem(t, "https://example.com/posts/gone", "削除された投稿", "<p>本文</p>", "remote-gone")
		tombstone.MarkDeleted()
		ok := makeItem(t, "https://example.com/posts/1", "通常の投稿", "<p>本文</p>", "remote-1")
		return []*model.FeedItem{tombstone, ok}, nil
	})

	result, err := env.engine.SyncFeed(context.Background(), env.actor, env.feed)
	if err != nil {
		t.Fatalf("SyncFeed failed: %v", err)
	}

	if result.Inserted != 1 || result.Dropped != 1 {
		t.Errorf("(inserted, dropped) = (%d, %d), want (1, 1)", result.Inserted, result.Dropped)
	}
	for _, post := range env.postRepo.posts {
		if post.Permalink == "https://example.com/posts/gone" {
			t.Error("deleted item should not be persisted")
		}
	}
}

// TestSyncFeed_RuleDelete はdeleteルールに一致したアイテムが除外されることを検証する。
func TestSyncFeed_RuleDelete(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, feed *model.Feed) ([]*model.FeedItem, error) {
		spam := makeItem(t, "https://example.com/posts/spam", "spam alert", "<p>宣伝</p>", "remote-spam")
		ok := makeItem(t, "https://example.com/posts/1", "通常の投稿", "<p>本文</p>", "remote-1")
		return []*model.FeedItem{spam, ok}, nil
	})
	env.ruleRepo.rules = []*model.Rule{
		{ID: "rule-1", ActorID: "actor-1", Field: model.RuleFieldTitle, Regex: "spam", Action: model.RuleActionDelete},
	}

	result, err := env.engine.SyncFeed(context.Background(), env.actor, env.feed)
	if err != nil {
		t.Fatalf("SyncFeed failed: %v", err)
	}

	if result.Inserted != 1 || result.Dropped != 1 {
		t.Errorf("(inserted, dropped) = (%d, %d), want (1, 1)", result.Inserted, result.Dropped)
	}
	for _, post := range env.postRepo.posts {
		if post.Title == "spam alert" {
			t.Error("spam item should not be persisted")
		}
	}
}

// TestSyncFeed_TrashOverridesStatus はtrashルールが保存ステータスを上書きすることを検証する。
func TestSyncFeed_TrashOverridesStatus(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, feed *model.Feed) ([]*model.FeedItem, error) {
		item := makeItem(t, "https://example.com/posts/1", "怪しい投稿", "<p>本文</p>", "remote-1")
		return []*model.FeedItem{item}, nil
	})
	env.ruleRepo.rules = []*model.Rule{
		{ID: "rule-1", ActorID: "actor-1", Field: model.RuleFieldTitle, Regex: "怪しい", Action: model.RuleActionTrash},
	}

	if _, err := env.engine.SyncFeed(context.Background(), env.actor, env.feed); err != nil {
		t.Fatalf("SyncFeed failed: %v", err)
	}

	if len(env.postRepo.posts) != 1 {
		t.Fatalf("stored posts = %d, want 1", len(env.postRepo.posts))
	}
	if env.postRepo.posts[0].Status != model.PostStatusTrash {
		t.Errorf("Status = %q, want trash", env.postRepo.posts[0].Status)
	}
}

// TestSyncFeed_PostFormatFallback は投稿フォーマットのフォールバック連鎖
// （アイテム指定 > フィード既定値 > standard）を検証する。
func TestSyncFeed_PostFormatFallback(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, feed *model.Feed) ([]*model.FeedItem, error) {
		explicit := makeItem(t, "https://example.com/posts/1", "フォーマット指定あり", "<p>本文</p>", "r1")
		if err := explicit.SetPostFormat("quote"); err != nil {
			t.Fatalf("failed to set post format: %v", err)
		}
		hinted := makeItem(t, "https://example.com/posts/2", "フィード既定値", "<p>本文</p>", "r2")
		return []*model.FeedItem{explicit, hinted}, nil
	})
	env.feed.PostFormatHint = "aside"

	if _, err := env.engine.SyncFeed(context.Background(), env.actor, env.feed); err != nil {
		t.Fatalf("SyncFeed failed: %v", err)
	}

	byExternal := map[string]*model.Post{}
	for _, post := range env.postRepo.posts {
		byExternal[post.ExternalID] = post
	}
	if byExternal["r1"].Format != model.PostFormatQuote {
		t.Errorf("explicit format = %q, want quote", byExternal["r1"].Format)
	}
	if byExternal["r2"].Format != model.PostFormatAside {
		t.Errorf("hinted format = %q, want aside", byExternal["r2"].Format)
	}
}

// TestSyncFeed_NotModified は304応答時にフィード状態のみ更新されることを検証する。
func TestSyncFeed_NotModified(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, feed *model.Feed) ([]*model.FeedItem, error) {
		return nil, parser.ErrNotModified
	})
	env.feed.ConsecutiveErrors = 3

	result, err := env.engine.SyncFeed(context.Background(), env.actor, env.feed)
	if err != nil {
		t.Fatalf("SyncFeed failed: %v", err)
	}

	if result.Inserted != 0 || result.Updated != 0 {
		t.Errorf("expected no changes, got (%d, %d)", result.Inserted, result.Updated)
	}
	if env.feed.ConsecutiveErrors != 0 {
		t.Errorf("ConsecutiveErrors = %d, want 0", env.feed.ConsecutiveErrors)
	}
	if env.feedRepo.pollStateCalls != 1 {
		t.Errorf("pollStateCalls = %d, want 1", env.feedRepo.pollStateCalls)
	}
}

// TestSyncFeed_FeedGone はフィード消滅時にポーリングが停止されることを検証する。
func TestSyncFeed_FeedGone(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, feed *model.Feed) ([]*model.FeedItem, error) {
		return nil, parser.ErrFeedGone
	})

	if _, err := env.engine.SyncFeed(context.Background(), env.actor, env.feed); err != nil {
		t.Fatalf("SyncFeed failed: %v", err)
	}

	if env.feed.Active {
		t.Error("feed should be deactivated")
	}
	if env.feed.LastLog == "" {
		t.Error("LastLog should record the reason")
	}
}

// TestSyncFeed_FetchErrorAppliesBackoff はフェッチ失敗時にバックオフが適用されることを検証する。
func TestSyncFeed_FetchErrorAppliesBackoff(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, feed *model.Feed) ([]*model.FeedItem, error) {
		return nil, errors.New("connection refused")
	})

	_, err := env.engine.SyncFeed(context.Background(), env.actor, env.feed)
	if err == nil {
		t.Fatal("expected error from SyncFeed")
	}

	if env.feed.ConsecutiveErrors != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", env.feed.ConsecutiveErrors)
	}
	if env.feed.NextPollAt.Before(time.Now().Add(20 * time.Minute)) {
		t.Error("NextPollAt should be pushed back by the backoff delay")
	}
	if !env.feed.Active {
		t.Error("feed should stay active on a transient error")
	}
}

// TestSyncFeed_FriendTokenAttached はフレンド関係のアクターの同期で
// ベアラートークンがフェッチコンテキストに付与されることを検証する。
func TestSyncFeed_FriendTokenAttached(t *testing.T) {
	var seenToken string
	env := newTestEnv(t, func(ctx context.Context, feed *model.Feed) ([]*model.FeedItem, error) {
		seenToken = parser.BearerTokenFrom(ctx)
		return nil, nil
	})
	env.actor.Role = model.RoleFriend
	env.actor.OutToken = "out-token-abc"
	env.actor.InToken = "in-token-def"

	if _, err := env.engine.SyncFeed(context.Background(), env.actor, env.feed); err != nil {
		t.Fatalf("SyncFeed failed: %v", err)
	}

	if seenToken != "out-token-abc" {
		t.Errorf("bearer token = %q, want out-token-abc", seenToken)
	}
}

// TestSyncActorFeeds_FirstSyncIsSilent はアクター追加直後の初回同期で
// 通知が発火しないこと、完了後にフラグが下りることを検証する。
func TestSyncActorFeeds_FirstSyncIsSilent(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, feed *model.Feed) ([]*model.FeedItem, error) {
		item := makeItem(t, "https://example.com/posts/1", "最初の投稿", "<p>本文</p>", "remote-1")
		return []*model.FeedItem{item}, nil
	})
	env.actor.NewlyAdded = true

	err := env.engine.SyncActorFeeds(context.Background(), env.actor, []*model.Feed{env.feed})
	if err != nil {
		t.Fatalf("SyncActorFeeds failed: %v", err)
	}

	if env.notifier.calls != 0 {
		t.Errorf("notifier calls = %d, want 0 on first sync", env.notifier.calls)
	}
	if env.actor.NewlyAdded {
		t.Error("NewlyAdded should be cleared after first sync")
	}
	if env.actorRepo.updateCalls != 1 {
		t.Errorf("actor update calls = %d, want 1", env.actorRepo.updateCalls)
	}
}

// TestSyncActorFeeds_NotifiesNewContent は2回目以降の同期で新着通知が
// 発火することを検証する。
func TestSyncActorFeeds_NotifiesNewContent(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, feed *model.Feed) ([]*model.FeedItem, error) {
		item := makeItem(t, "https://example.com/posts/1", "新着投稿", "<p>本文</p>", "remote-1")
		return []*model.FeedItem{item}, nil
	})

	err := env.engine.SyncActorFeeds(context.Background(), env.actor, []*model.Feed{env.feed})
	if err != nil {
		t.Fatalf("SyncActorFeeds failed: %v", err)
	}

	if env.notifier.calls != 1 {
		t.Fatalf("notifier calls = %d, want 1", env.notifier.calls)
	}
	if len(env.notifier.lastPosts) != 1 {
		t.Errorf("notified posts = %d, want 1", len(env.notifier.lastPosts))
	}
}

// TestSyncActorFeeds_SkipsInactiveFeeds は非アクティブなフィードが同期されないことを検証する。
func TestSyncActorFeeds_SkipsInactiveFeeds(t *testing.T) {
	fetched := 0
	env := newTestEnv(t, func(ctx context.Context, feed *model.Feed) ([]*model.FeedItem, error) {
		fetched++
		return nil, nil
	})
	env.feed.Active = false

	if err := env.engine.SyncActorFeeds(context.Background(), env.actor, []*model.Feed{env.feed}); err != nil {
		t.Fatalf("SyncActorFeeds failed: %v", err)
	}

	if fetched != 0 {
		t.Errorf("fetch calls = %d, want 0 for inactive feed", fetched)
	}
}

// TestRefresh_BypassesCache は手動リフレッシュが条件付きGETの
// キャッシュを無効化することを検証する。
func TestRefresh_BypassesCache(t *testing.T) {
	var bypass bool
	env := newTestEnv(t, func(ctx context.Context, feed *model.Feed) ([]*model.FeedItem, error) {
		bypass = parser.CacheBypassFrom(ctx)
		return nil, nil
	})

	if err := env.engine.Refresh(context.Background(), "actor-1"); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if !bypass {
		t.Error("manual refresh should bypass the conditional GET cache")
	}
}

// TestRefresh_UnknownActor は存在しないアクターのリフレッシュがエラーになることを検証する。
func TestRefresh_UnknownActor(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, feed *model.Feed) ([]*model.FeedItem, error) {
		return nil, nil
	})

	err := env.engine.Refresh(context.Background(), "no-such-actor")
	if err == nil {
		t.Fatal("expected error for unknown actor")
	}
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeActorNotFound {
		t.Errorf("error = %v, want ACTOR_NOT_FOUND", err)
	}
}

package subscription

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/tomodachi/internal/model"
	"github.com/hitoshi/tomodachi/internal/parser"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockActorRepo struct {
	actors      map[string]*model.Actor
	createCalls int
	deleteCalls int
}

func newMockActorRepo() *mockActorRepo {
	return &mockActorRepo{actors: make(map[string]*model.Actor)}
}

func (m *mockActorRepo) FindByID(_ context.Context, id string) (*model.Actor, error) {
	return m.actors[id], nil
}

func (m *mockActorRepo) FindBySlug(_ context.Context, slug string) (*model.Actor, error) {
	for _, a := range m.actors {
		if a.Slug == slug {
			return a, nil
		}
	}
	return nil, nil
}

func (m *mockActorRepo) FindByRequestID(_ context.Context, _ string) (*model.Actor, error) {
	return nil, nil
}

func (m *mockActorRepo) List(_ context.Context) ([]*model.Actor, error) {
	result := make([]*model.Actor, 0, len(m.actors))
	for _, a := range m.actors {
		result = append(result, a)
	}
	return result, nil
}

func (m *mockActorRepo) Create(_ context.Context, actor *model.Actor) error {
	m.createCalls++
	m.actors[actor.ID] = actor
	return nil
}

func (m *mockActorRepo) Update(_ context.Context, actor *model.Actor) error {
	m.actors[actor.ID] = actor
	return nil
}

func (m *mockActorRepo) UpdateWithToken(_ context.Context, actor *model.Actor, _ string) error {
	m.actors[actor.ID] = actor
	return nil
}

func (m *mockActorRepo) Delete(_ context.Context, id string) error {
	m.deleteCalls++
	delete(m.actors, id)
	return nil
}

type mockFeedRepo struct {
	feeds       []*model.Feed
	createCalls int
}

func (m *mockFeedRepo) FindByID(_ context.Context, id string) (*model.Feed, error) {
	for _, f := range m.feeds {
		if f.ID == id {
			return f, nil
		}
	}
	return nil, nil
}

func (m *mockFeedRepo) ListByActor(_ context.Context, actorID string) ([]*model.Feed, error) {
	var result []*model.Feed
	for _, f := range m.feeds {
		if f.ActorID == actorID {
			result = append(result, f)
		}
	}
	return result, nil
}

func (m *mockFeedRepo) ListDueForPoll(_ context.Context, _ time.Time, _ int) ([]*model.Feed, error) {
	return nil, nil
}

func (m *mockFeedRepo) Create(_ context.Context, feed *model.Feed) error {
	m.createCalls++
	m.feeds = append(m.feeds, feed)
	return nil
}

func (m *mockFeedRepo) Update(_ context.Context, _ *model.Feed) error          { return nil }
func (m *mockFeedRepo) UpdatePollState(_ context.Context, _ *model.Feed) error { return nil }
func (m *mockFeedRepo) Delete(_ context.Context, _ string) error               { return nil }

type mockRuleRepo struct {
	rules        []*model.Rule
	catchAll     model.RuleAction
	replaceCalls int
}

func (m *mockRuleRepo) ListByActor(_ context.Context, _ string) ([]*model.Rule, error) {
	return m.rules, nil
}

func (m *mockRuleRepo) ReplaceForActor(_ context.Context, _ string, rules []*model.Rule) error {
	m.replaceCalls++
	m.rules = rules
	return nil
}

func (m *mockRuleRepo) CatchAll(_ context.Context, _ string) (model.RuleAction, error) {
	return m.catchAll, nil
}

func (m *mockRuleRepo) SetCatchAll(_ context.Context, _ string, action model.RuleAction) error {
	m.catchAll = action
	return nil
}

type mockDiscoverer struct {
	candidates []parser.Candidate
	err        error
}

func (m *mockDiscoverer) Discover(_ context.Context, _ string) ([]parser.Candidate, error) {
	return m.candidates, m.err
}

func newTestService(disc *mockDiscoverer) (*Service, *mockActorRepo, *mockFeedRepo, *mockRuleRepo) {
	actorRepo := newMockActorRepo()
	feedRepo := &mockFeedRepo{}
	ruleRepo := &mockRuleRepo{}
	svc := NewService(actorRepo, feedRepo, ruleRepo, disc, nil, testLogger())
	return svc, actorRepo, feedRepo, ruleRepo
}

func TestSubscribe_CreatesActorAndFeed(t *testing.T) {
	disc := &mockDiscoverer{candidates: []parser.Candidate{
		{URL: "https://blog.example/comments/feed", ParserSlug: "rss", Title: "コメント"},
		{URL: "https://blog.example/feed", ParserSlug: "rss", Title: "Example Blog", Autoselect: true},
	}}
	svc, actorRepo, feedRepo, _ := newTestService(disc)

	result, err := svc.Subscribe(context.Background(), "https://blog.example")
	if err != nil {
		t.Fatalf("Subscribe がエラーを返した: %v", err)
	}

	if actorRepo.createCalls != 1 || feedRepo.createCalls != 1 {
		t.Errorf("作成回数 actor=%d feed=%d, want 1/1", actorRepo.createCalls, feedRepo.createCalls)
	}
	if result.Actor.Role != model.RoleSubscription {
		t.Errorf("ロール = %s, want %s", result.Actor.Role, model.RoleSubscription)
	}
	if result.Actor.Slug != "blog.example" {
		t.Errorf("スラッグ = %s, want blog.example", result.Actor.Slug)
	}
	if result.Actor.DisplayName != "Example Blog" {
		t.Errorf("表示名 = %s, want Example Blog", result.Actor.DisplayName)
	}
	if !result.Actor.NewlyAdded {
		t.Error("新規アクターはNewlyAddedになるべき")
	}

	// Autoselect候補が選ばれる
	if len(result.Feeds) != 1 || result.Feeds[0].URL != "https://blog.example/feed" {
		t.Fatalf("フィード = %+v, want autoselect候補", result.Feeds)
	}
	feed := result.Feeds[0]
	if feed.ParserSlug != "rss" || !feed.Active {
		t.Errorf("フィード設定が不正: %+v", feed)
	}
	if feed.PollIntervalMinutes != model.DefaultPollIntervalMinutes {
		t.Errorf("ポーリング間隔 = %d, want %d", feed.PollIntervalMinutes, model.DefaultPollIntervalMinutes)
	}
}

func TestSubscribe_ExistingActorIsIdempotent(t *testing.T) {
	disc := &mockDiscoverer{candidates: []parser.Candidate{
		{URL: "https://blog.example/feed", ParserSlug: "rss", Autoselect: true},
	}}
	svc, actorRepo, _, _ := newTestService(disc)

	first, err := svc.Subscribe(context.Background(), "https://blog.example")
	if err != nil {
		t.Fatalf("1回目のSubscribeが失敗: %v", err)
	}
	second, err := svc.Subscribe(context.Background(), "https://blog.example")
	if err != nil {
		t.Fatalf("2回目のSubscribeが失敗: %v", err)
	}

	if first.Actor.ID != second.Actor.ID {
		t.Error("同一サイトの再購読は既存アクターを返すべき")
	}
	if actorRepo.createCalls != 1 {
		t.Errorf("アクター作成回数 = %d, want 1", actorRepo.createCalls)
	}
}

func TestSubscribe_NoFeedDetected(t *testing.T) {
	disc := &mockDiscoverer{candidates: []parser.Candidate{
		{URL: "https://blog.example/unknown", Title: "パーサー未割り当て"},
	}}
	svc, _, _, _ := newTestService(disc)

	_, err := svc.Subscribe(context.Background(), "https://blog.example")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeFeedNotDetected {
		t.Errorf("エラー = %v, want %s", err, model.ErrCodeFeedNotDetected)
	}
}

func TestSubscribe_InvalidURL(t *testing.T) {
	svc, _, _, _ := newTestService(&mockDiscoverer{})

	_, err := svc.Subscribe(context.Background(), "not a url")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidURL {
		t.Errorf("エラー = %v, want %s", err, model.ErrCodeInvalidURL)
	}
}

type stubIconResolver struct {
	iconURL string
}

func (s *stubIconResolver) ResolveIconURL(_ context.Context, _, _ string) string {
	return s.iconURL
}

func TestSubscribe_ResolvesActorIcon(t *testing.T) {
	disc := &mockDiscoverer{candidates: []parser.Candidate{
		{URL: "https://blog.example/feed", ParserSlug: "rss", Autoselect: true},
	}}
	actorRepo := newMockActorRepo()
	feedRepo := &mockFeedRepo{}
	ruleRepo := &mockRuleRepo{}
	svc := NewService(actorRepo, feedRepo, ruleRepo, disc,
		&stubIconResolver{iconURL: "https://blog.example/favicon.ico"}, testLogger())

	result, err := svc.Subscribe(context.Background(), "https://blog.example")
	if err != nil {
		t.Fatalf("Subscribe がエラーを返した: %v", err)
	}
	if result.Actor.IconURL != "https://blog.example/favicon.ico" {
		t.Errorf("IconURL = %s, want https://blog.example/favicon.ico", result.Actor.IconURL)
	}
}

func TestUnsubscribe(t *testing.T) {
	svc, actorRepo, _, _ := newTestService(&mockDiscoverer{})
	actorRepo.actors["a1"] = &model.Actor{ID: "a1", Slug: "blog.example"}

	if err := svc.Unsubscribe(context.Background(), "a1"); err != nil {
		t.Fatalf("Unsubscribe がエラーを返した: %v", err)
	}
	if actorRepo.deleteCalls != 1 {
		t.Errorf("削除回数 = %d, want 1", actorRepo.deleteCalls)
	}

	err := svc.Unsubscribe(context.Background(), "missing")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeActorNotFound {
		t.Errorf("エラー = %v, want %s", err, model.ErrCodeActorNotFound)
	}
}

func TestRules_DefaultCatchAll(t *testing.T) {
	svc, actorRepo, _, _ := newTestService(&mockDiscoverer{})
	actorRepo.actors["a1"] = &model.Actor{ID: "a1"}

	_, catchAll, err := svc.Rules(context.Background(), "a1")
	if err != nil {
		t.Fatalf("Rules がエラーを返した: %v", err)
	}
	if catchAll != model.RuleActionAccept {
		t.Errorf("既定のキャッチオール = %s, want %s", catchAll, model.RuleActionAccept)
	}
}

func TestSaveRules_AssignsPositions(t *testing.T) {
	svc, actorRepo, _, ruleRepo := newTestService(&mockDiscoverer{})
	actorRepo.actors["a1"] = &model.Actor{ID: "a1"}

	err := svc.SaveRules(context.Background(), "a1", []*model.Rule{
		{Field: model.RuleFieldTitle, Regex: "spam", Action: model.RuleActionDelete},
		{Field: model.RuleFieldContent, Regex: "foo", Action: model.RuleActionReplace, ReplaceWith: "bar"},
	}, model.RuleActionAccept)
	if err != nil {
		t.Fatalf("SaveRules がエラーを返した: %v", err)
	}

	if ruleRepo.replaceCalls != 1 {
		t.Fatalf("置き換え回数 = %d, want 1", ruleRepo.replaceCalls)
	}
	for i, rule := range ruleRepo.rules {
		if rule.Position != i {
			t.Errorf("rules[%d].Position = %d, want %d", i, rule.Position, i)
		}
		if rule.ActorID != "a1" || rule.ID == "" {
			t.Errorf("rules[%d] の所有情報が不正: %+v", i, rule)
		}
	}
	if ruleRepo.catchAll != model.RuleActionAccept {
		t.Errorf("キャッチオール = %s, want %s", ruleRepo.catchAll, model.RuleActionAccept)
	}
}

func TestSaveRules_InvalidRuleRejectsWholeSave(t *testing.T) {
	svc, actorRepo, _, ruleRepo := newTestService(&mockDiscoverer{})
	actorRepo.actors["a1"] = &model.Actor{ID: "a1"}
	ruleRepo.rules = []*model.Rule{
		{ID: "keep", ActorID: "a1", Field: model.RuleFieldTitle, Regex: "old", Action: model.RuleActionAccept},
	}

	err := svc.SaveRules(context.Background(), "a1", []*model.Rule{
		{Field: model.RuleFieldTitle, Regex: "ok", Action: model.RuleActionAccept},
		{Field: model.RuleFieldTitle, Regex: "([invalid", Action: model.RuleActionDelete},
	}, model.RuleActionAccept)

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidRule {
		t.Fatalf("エラー = %v, want %s", err, model.ErrCodeInvalidRule)
	}

	// 保存全体が拒否され既存ルールは変更されない
	if ruleRepo.replaceCalls != 0 {
		t.Errorf("不正なルールを含む保存でリポジトリが呼ばれた")
	}
	if len(ruleRepo.rules) != 1 || ruleRepo.rules[0].ID != "keep" {
		t.Error("既存ルールが変更された")
	}
}

func TestSaveRules_ReplaceCannotBeCatchAll(t *testing.T) {
	svc, actorRepo, _, _ := newTestService(&mockDiscoverer{})
	actorRepo.actors["a1"] = &model.Actor{ID: "a1"}

	err := svc.SaveRules(context.Background(), "a1", nil, model.RuleActionReplace)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidRule {
		t.Errorf("エラー = %v, want %s", err, model.ErrCodeInvalidRule)
	}
}

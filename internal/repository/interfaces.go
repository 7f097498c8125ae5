// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/tomodachi/internal/model"
)

// ActorRepository はアクター（購読/フレンド）データの永続化インターフェース。
type ActorRepository interface {
	// FindByID は指定IDのアクターを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Actor, error)

	// FindBySlug はスラッグでアクターを検索する。見つからない場合はnilを返す。
	FindBySlug(ctx context.Context, slug string) (*model.Actor, error)

	// FindByRequestID はハンドシェイクのリクエストIDでアクターを検索する。
	// 見つからない場合はnilを返す。
	FindByRequestID(ctx context.Context, requestID string) (*model.Actor, error)

	// List は全アクターを作成日時昇順で返す。
	List(ctx context.Context) ([]*model.Actor, error)

	// Create はアクターを作成する。
	Create(ctx context.Context, actor *model.Actor) error

	// Update はアクターの全可変フィールドを更新する。
	Update(ctx context.Context, actor *model.Actor) error

	// UpdateWithToken はアクターの更新と受信トークン逆引きの差し替えを
	// 同一トランザクションで実行する。ロール遷移とトークン登録の間に
	// 不整合な状態が観測される窓を作らないために使用する。
	// inTokenが空の場合はアクターのトークンを全て取り消す。
	UpdateWithToken(ctx context.Context, actor *model.Actor, inToken string) error

	// Delete はアクターを削除する。関連するフィード・投稿・ルール・
	// トークンはCASCADE削除される。
	Delete(ctx context.Context, id string) error
}

// FeedRepository はフィードデータの永続化インターフェース。
type FeedRepository interface {
	// FindByID は指定IDのフィードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Feed, error)

	// ListByActor はアクターのフィード一覧を返す。
	ListByActor(ctx context.Context, actorID string) ([]*model.Feed, error)

	// ListDueForPoll はnow時点でポーリング期限を過ぎたアクティブな
	// フィードをlimit件までFOR UPDATE SKIP LOCKEDで排他的に取得する。
	ListDueForPoll(ctx context.Context, now time.Time, limit int) ([]*model.Feed, error)

	// Create はフィードを作成する。
	Create(ctx context.Context, feed *model.Feed) error

	// Update はフィード情報を更新する。
	Update(ctx context.Context, feed *model.Feed) error

	// UpdatePollState はフェッチ結果に伴う状態
	// （etag、last_modified、consecutive_errors、last_log、next_poll_at、active、title）
	// を更新する。
	UpdatePollState(ctx context.Context, feed *model.Feed) error

	// Delete は指定IDのフィードを削除する。
	Delete(ctx context.Context, id string) error
}

// PostRepository はローカルにキャッシュされた投稿の永続化インターフェース。
// 仕様上の「ポストストア」境界であり、著者（アクター）とステータスによる
// クエリのみを提供する。
type PostRepository interface {
	// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Post, error)

	// ListByActor はアクターの全投稿を返す。同期エンジンの
	// リモート投稿インデックス再構築に使用する。
	ListByActor(ctx context.Context, actorID string) ([]*model.Post, error)

	// ListByActorAndStatus はアクターの指定ステータスの投稿を返す。
	ListByActorAndStatus(ctx context.Context, actorID string, status model.PostStatus) ([]*model.Post, error)

	// ListRecent は指定ステータス群の投稿を公開日時降順で返す。
	// フレンド向けフィード生成に使用する。
	ListRecent(ctx context.Context, statuses []model.PostStatus, limit int) ([]*model.Post, error)

	// Create は投稿を作成する。
	Create(ctx context.Context, post *model.Post) error

	// Update は既存投稿の可変フィールドを上書き更新する。
	Update(ctx context.Context, post *model.Post) error

	// Delete は指定IDの投稿を削除する。
	Delete(ctx context.Context, id string) error

	// DeleteByActor はアクターの全投稿を削除する。
	DeleteByActor(ctx context.Context, actorID string) error
}

// RuleRepository はフィルタリングルールの永続化インターフェース。
type RuleRepository interface {
	// ListByActor はアクターのルールをposition昇順で返す。
	ListByActor(ctx context.Context, actorID string) ([]*model.Rule, error)

	// ReplaceForActor はアクターのルール一式を置き換える。
	// 検証済みのルールのみを渡すこと（保存時検証は呼び出し側の責務）。
	ReplaceForActor(ctx context.Context, actorID string, rules []*model.Rule) error

	// CatchAll はアクターのキャッチオールアクションを返す。
	CatchAll(ctx context.Context, actorID string) (model.RuleAction, error)

	// SetCatchAll はアクターのキャッチオールアクションを設定する。
	SetCatchAll(ctx context.Context, actorID string, action model.RuleAction) error
}

// TokenRepository は受信トークン逆引き（token -> actor id）の永続化インターフェース。
// トークン検証をO(1)のルックアップで行うために使用する。
// 変更はハンドシェイクのロール遷移APIを通してのみ行われる。
type TokenRepository interface {
	// FindActorID はトークンに対応するアクターIDを返す。
	// 見つからない場合は空文字列を返す。
	FindActorID(ctx context.Context, token string) (string, error)

	// RevokeByActor はアクターの全トークンを取り消す。
	RevokeByActor(ctx context.Context, actorID string) error
}

package sync

import (
	"context"
	"log/slog"

	"github.com/hitoshi/tomodachi/internal/model"
)

// Notifier は同期で新着投稿を検出した際の通知先インターフェース。
// アクターが追加直後（初回同期）の場合、通知は発火しない。
type Notifier interface {
	// NotifyNewContent はアクターの新着投稿を通知する。
	NotifyNewContent(ctx context.Context, actor *model.Actor, posts []*model.Post)
}

// LogNotifier は構造化ログへの通知のみを行うNotifier実装。
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier はLogNotifierの新しいインスタンスを生成する。
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// NotifyNewContent は新着投稿をログに記録する。
func (n *LogNotifier) NotifyNewContent(ctx context.Context, actor *model.Actor, posts []*model.Post) {
	n.logger.Info("新着コンテンツを検出しました",
		slog.String("actor_id", actor.ID),
		slog.String("actor_slug", actor.Slug),
		slog.Int("post_count", len(posts)),
	)
}

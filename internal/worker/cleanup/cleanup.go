// Package cleanup は保持期間を超過したデータの自動削除ジョブを提供する。
// ゴミ箱ステータスの投稿の物理削除と、放置されたハンドシェイク状態の
// 失効処理を日次バッチで行う。削除済みアクターに紐づく投稿はDBの
// CASCADE削除で処理されるため、このジョブの対象外。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// RetentionJob は保持期間を超過したデータの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type RetentionJob struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int // 保持日数（デフォルト: 7）
}

// NewRetentionJob は新しいRetentionJobを生成する。
// retentionDaysが0以下の場合はデフォルトの7日を使用する。
func NewRetentionJob(db Executor, logger *slog.Logger, retentionDays int) *RetentionJob {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	return &RetentionJob{
		db:            db,
		logger:        logger,
		RetentionDays: retentionDays,
	}
}

// Run は2種類の期限切れデータを処理する。
//
//  1. ゴミ箱ステータスのまま保持期間を超過した投稿を物理削除する。
//  2. 保持期間を超えて未完了のハンドシェイク状態（friend_requestまたは
//     pending_friend_requestのままのアクター）を失効させ、
//     一時トークンとrequest_idをクリアして購読ロールへ戻す。
//
// 冪等: 対象がない場合でもエラーにならない。
func (j *RetentionJob) Run(ctx context.Context) error {
	start := time.Now()

	interval := fmt.Sprintf("%d days", j.RetentionDays)

	purged, err := j.purgeTrashedPosts(ctx, interval)
	if err != nil {
		return err
	}

	expired, err := j.expireStaleHandshakes(ctx, interval)
	if err != nil {
		return err
	}

	duration := time.Since(start)
	j.logger.Info("保持期間ジョブが完了しました",
		slog.Int64("purged_posts", purged),
		slog.Int64("expired_handshakes", expired),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

func (j *RetentionJob) purgeTrashedPosts(ctx context.Context, interval string) (int64, error) {
	query := `DELETE FROM posts WHERE status = 'trash' AND updated_at < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("ゴミ箱投稿の削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return 0, fmt.Errorf("ゴミ箱投稿の削除に失敗: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return count, nil
}

func (j *RetentionJob) expireStaleHandshakes(ctx context.Context, interval string) (int64, error) {
	query := `UPDATE actors
		SET role = 'subscription',
		    future_out_token = '',
		    future_in_token = '',
		    request_id = '',
		    updated_at = now()
		WHERE role IN ('friend_request', 'pending_friend_request')
		  AND updated_at < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("ハンドシェイク状態の失効処理に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return 0, fmt.Errorf("ハンドシェイク状態の失効処理に失敗: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return count, nil
}

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/tomodachi/internal/model"
)

// PostgresFeedRepo はPostgreSQLを使用したフィードリポジトリ。
type PostgresFeedRepo struct {
	db *sql.DB
}

// NewPostgresFeedRepo はPostgresFeedRepoを生成する。
func NewPostgresFeedRepo(db *sql.DB) *PostgresFeedRepo {
	return &PostgresFeedRepo{db: db}
}

const feedColumns = `id, actor_id, url, mime_type, parser_slug, title, active,
	poll_interval_minutes, post_format_hint, etag, last_modified,
	consecutive_errors, last_log, next_poll_at, created_at, updated_at`

func scanFeed(row interface{ Scan(...any) error }) (*model.Feed, error) {
	f := &model.Feed{}
	var nextPollAt sql.NullTime
	err := row.Scan(
		&f.ID, &f.ActorID, &f.URL, &f.MimeType, &f.ParserSlug, &f.Title, &f.Active,
		&f.PollIntervalMinutes, &f.PostFormatHint, &f.ETag, &f.LastModified,
		&f.ConsecutiveErrors, &f.LastLog, &nextPollAt, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if nextPollAt.Valid {
		f.NextPollAt = nextPollAt.Time
	}
	return f, nil
}

// FindByID は指定IDのフィードを取得する。見つからない場合はnilを返す。
func (r *PostgresFeedRepo) FindByID(ctx context.Context, id string) (*model.Feed, error) {
	feed, err := scanFeed(r.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	return feed, nil
}

// ListByActor は指定アクターのフィード一覧を返す。
func (r *PostgresFeedRepo) ListByActor(ctx context.Context, actorID string) ([]*model.Feed, error) {
	return r.list(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE actor_id = $1 ORDER BY created_at`, actorID)
}

// ListDueForPoll はポーリング期限を過ぎたアクティブなフィードを取得する。
// FOR UPDATE SKIP LOCKEDにより複数ワーカー間で同一フィードの二重取得を防ぐ。
func (r *PostgresFeedRepo) ListDueForPoll(ctx context.Context, now time.Time, limit int) ([]*model.Feed, error) {
	return r.list(ctx,
		`SELECT `+feedColumns+` FROM feeds
		 WHERE active = true AND (next_poll_at IS NULL OR next_poll_at <= $1)
		 ORDER BY next_poll_at NULLS FIRST
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		now, limit)
}

func (r *PostgresFeedRepo) list(ctx context.Context, query string, args ...any) ([]*model.Feed, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("フィード一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var feeds []*model.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("フィード行の読み込みに失敗しました: %w", err)
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

// Create はフィードを作成する。
func (r *PostgresFeedRepo) Create(ctx context.Context, feed *model.Feed) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO feeds (id, actor_id, url, mime_type, parser_slug, title, active,
		    poll_interval_minutes, post_format_hint, etag, last_modified,
		    consecutive_errors, last_log, next_poll_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		feed.ID, feed.ActorID, feed.URL, feed.MimeType, feed.ParserSlug, feed.Title,
		feed.Active, feed.PollIntervalMinutes, feed.PostFormatHint, feed.ETag,
		feed.LastModified, feed.ConsecutiveErrors, feed.LastLog,
		nullTime(feed.NextPollAt), feed.CreatedAt, feed.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("フィードの作成に失敗しました: %w", err)
	}
	return nil
}

// Update はフィードの全可変フィールドを更新する。
func (r *PostgresFeedRepo) Update(ctx context.Context, feed *model.Feed) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE feeds SET
		    url = $2, mime_type = $3, parser_slug = $4, title = $5, active = $6,
		    poll_interval_minutes = $7, post_format_hint = $8, etag = $9,
		    last_modified = $10, consecutive_errors = $11, last_log = $12,
		    next_poll_at = $13, updated_at = $14
		 WHERE id = $1`,
		feed.ID, feed.URL, feed.MimeType, feed.ParserSlug, feed.Title, feed.Active,
		feed.PollIntervalMinutes, feed.PostFormatHint, feed.ETag, feed.LastModified,
		feed.ConsecutiveErrors, feed.LastLog, nullTime(feed.NextPollAt), feed.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("フィードの更新に失敗しました: %w", err)
	}
	return nil
}

// UpdatePollState はフェッチ結果に伴うポーリング状態のみを更新する。
func (r *PostgresFeedRepo) UpdatePollState(ctx context.Context, feed *model.Feed) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE feeds SET
		    active = $2, etag = $3, last_modified = $4, consecutive_errors = $5,
		    last_log = $6, next_poll_at = $7, updated_at = $8
		 WHERE id = $1`,
		feed.ID, feed.Active, feed.ETag, feed.LastModified, feed.ConsecutiveErrors,
		feed.LastLog, nullTime(feed.NextPollAt), feed.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("フィードのポーリング状態の更新に失敗しました: %w", err)
	}
	return nil
}

// Delete はフィードを削除する。
func (r *PostgresFeedRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM feeds WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("フィードの削除に失敗しました: %w", err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

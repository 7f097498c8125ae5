package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/tomodachi/internal/model"
)

// PostgresPostRepo はPostgreSQLを使用した投稿リポジトリ。
type PostgresPostRepo struct {
	db *sql.DB
}

// NewPostgresPostRepo はPostgresPostRepoを生成する。
func NewPostgresPostRepo(db *sql.DB) *PostgresPostRepo {
	return &PostgresPostRepo{db: db}
}

const postColumns = `id, actor_id, feed_id, external_id, permalink, title, content,
	author, format, status, comment_count, reactions, published_at, modified_at,
	created_at, updated_at`

func scanPost(row interface{ Scan(...any) error }) (*model.Post, error) {
	p := &model.Post{}
	var feedID sql.NullString
	var format, status string
	var publishedAt, modifiedAt sql.NullTime
	err := row.Scan(
		&p.ID, &p.ActorID, &feedID, &p.ExternalID, &p.Permalink, &p.Title,
		&p.Content, &p.Author, &format, &status, &p.CommentCount, &p.Reactions,
		&publishedAt, &modifiedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.FeedID = feedID.String
	p.Format = model.PostFormat(format)
	p.Status = model.PostStatus(status)
	if publishedAt.Valid {
		t := publishedAt.Time
		p.PublishedAt = &t
	}
	if modifiedAt.Valid {
		t := modifiedAt.Time
		p.ModifiedAt = &t
	}
	return p, nil
}

// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
func (r *PostgresPostRepo) FindByID(ctx context.Context, id string) (*model.Post, error) {
	post, err := scanPost(r.db.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	return post, nil
}

// ListByActor は指定アクターの全投稿を公開日時降順で返す。
// 同期エンジンのリモート投稿インデックス再構築に使用する。
func (r *PostgresPostRepo) ListByActor(ctx context.Context, actorID string) ([]*model.Post, error) {
	return r.list(ctx,
		`SELECT `+postColumns+` FROM posts WHERE actor_id = $1
		 ORDER BY published_at DESC NULLS LAST, created_at DESC`, actorID)
}

// ListByActorAndStatus は指定アクターの投稿を公開状態で絞り込んで返す。
func (r *PostgresPostRepo) ListByActorAndStatus(ctx context.Context, actorID string, status model.PostStatus) ([]*model.Post, error) {
	return r.list(ctx,
		`SELECT `+postColumns+` FROM posts WHERE actor_id = $1 AND status = $2
		 ORDER BY published_at DESC NULLS LAST, created_at DESC`, actorID, string(status))
}

// ListRecent は指定された公開状態の投稿を全アクター横断で新しい順に返す。
func (r *PostgresPostRepo) ListRecent(ctx context.Context, statuses []model.PostStatus, limit int) ([]*model.Post, error) {
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}
	return r.list(ctx,
		`SELECT `+postColumns+` FROM posts WHERE status = ANY($1)
		 ORDER BY published_at DESC NULLS LAST, created_at DESC
		 LIMIT $2`, pq.Array(ss), limit)
}

func (r *PostgresPostRepo) list(ctx context.Context, query string, args ...any) ([]*model.Post, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("投稿一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var posts []*model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("投稿行の読み込みに失敗しました: %w", err)
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// Create は投稿を作成する。
func (r *PostgresPostRepo) Create(ctx context.Context, post *model.Post) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO posts (id, actor_id, feed_id, external_id, permalink, title,
		    content, author, format, status, comment_count, reactions,
		    published_at, modified_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		post.ID, post.ActorID, nullString(post.FeedID), post.ExternalID,
		post.Permalink, post.Title, post.Content, post.Author,
		string(post.Format), string(post.Status), post.CommentCount, post.Reactions,
		nullTimePtr(post.PublishedAt), nullTimePtr(post.ModifiedAt),
		post.CreatedAt, post.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("投稿の作成に失敗しました: %w", err)
	}
	return nil
}

// Update は投稿の全可変フィールドを更新する。
func (r *PostgresPostRepo) Update(ctx context.Context, post *model.Post) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE posts SET
		    feed_id = $2, external_id = $3, permalink = $4, title = $5,
		    content = $6, author = $7, format = $8, status = $9,
		    comment_count = $10, reactions = $11, published_at = $12,
		    modified_at = $13, updated_at = $14
		 WHERE id = $1`,
		post.ID, nullString(post.FeedID), post.ExternalID, post.Permalink,
		post.Title, post.Content, post.Author, string(post.Format),
		string(post.Status), post.CommentCount, post.Reactions,
		nullTimePtr(post.PublishedAt), nullTimePtr(post.ModifiedAt), post.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("投稿の更新に失敗しました: %w", err)
	}
	return nil
}

// Delete は投稿を削除する。
func (r *PostgresPostRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM posts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("投稿の削除に失敗しました: %w", err)
	}
	return nil
}

// DeleteByActor は指定アクターの全投稿を削除する。
func (r *PostgresPostRepo) DeleteByActor(ctx context.Context, actorID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM posts WHERE actor_id = $1`, actorID)
	if err != nil {
		return fmt.Errorf("投稿の一括削除に失敗しました: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

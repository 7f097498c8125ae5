package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/tomodachi/internal/model"
)

// PostgresActorRepo はPostgreSQLを使用したアクターリポジトリ。
type PostgresActorRepo struct {
	db *sql.DB
}

// NewPostgresActorRepo はPostgresActorRepoを生成する。
func NewPostgresActorRepo(db *sql.DB) *PostgresActorRepo {
	return &PostgresActorRepo{db: db}
}

const actorColumns = `id, slug, display_name, site_url, icon_url, role,
	out_token, in_token, future_out_token, future_in_token, request_id,
	newly_added, created_at, updated_at`

// scanActor は1行をmodel.Actorに読み込む。
func scanActor(row interface{ Scan(...any) error }) (*model.Actor, error) {
	a := &model.Actor{}
	var role string
	err := row.Scan(
		&a.ID, &a.Slug, &a.DisplayName, &a.SiteURL, &a.IconURL, &role,
		&a.OutToken, &a.InToken, &a.FutureOutToken, &a.FutureInToken, &a.RequestID,
		&a.NewlyAdded, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Role = model.Role(role)
	return a, nil
}

// FindByID は指定IDのアクターを取得する。見つからない場合はnilを返す。
func (r *PostgresActorRepo) FindByID(ctx context.Context, id string) (*model.Actor, error) {
	return r.findOne(ctx, `SELECT `+actorColumns+` FROM actors WHERE id = $1`, id)
}

// FindBySlug はスラッグでアクターを検索する。見つからない場合はnilを返す。
func (r *PostgresActorRepo) FindBySlug(ctx context.Context, slug string) (*model.Actor, error) {
	return r.findOne(ctx, `SELECT `+actorColumns+` FROM actors WHERE slug = $1`, slug)
}

// FindByRequestID はハンドシェイクのリクエストIDでアクターを検索する。
func (r *PostgresActorRepo) FindByRequestID(ctx context.Context, requestID string) (*model.Actor, error) {
	if requestID == "" {
		return nil, nil
	}
	return r.findOne(ctx, `SELECT `+actorColumns+` FROM actors WHERE request_id = $1`, requestID)
}

func (r *PostgresActorRepo) findOne(ctx context.Context, query string, arg any) (*model.Actor, error) {
	actor, err := scanActor(r.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("アクターの取得に失敗しました: %w", err)
	}
	return actor, nil
}

// List は全アクターを作成日時昇順で返す。
func (r *PostgresActorRepo) List(ctx context.Context) ([]*model.Actor, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+actorColumns+` FROM actors ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("アクター一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var actors []*model.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, fmt.Errorf("アクター行の読み込みに失敗しました: %w", err)
		}
		actors = append(actors, a)
	}
	return actors, rows.Err()
}

// Create はアクターを作成する。
func (r *PostgresActorRepo) Create(ctx context.Context, actor *model.Actor) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO actors (id, slug, display_name, site_url, icon_url, role,
		    out_token, in_token, future_out_token, future_in_token, request_id,
		    newly_added, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		actor.ID, actor.Slug, actor.DisplayName, actor.SiteURL, actor.IconURL,
		string(actor.Role), actor.OutToken, actor.InToken,
		actor.FutureOutToken, actor.FutureInToken, actor.RequestID,
		actor.NewlyAdded, actor.CreatedAt, actor.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("アクターの作成に失敗しました: %w", err)
	}
	return nil
}

// Update はアクターの全可変フィールドを更新する。
func (r *PostgresActorRepo) Update(ctx context.Context, actor *model.Actor) error {
	_, err := r.db.ExecContext(ctx, updateActorQuery, updateActorArgs(actor)...)
	if err != nil {
		return fmt.Errorf("アクターの更新に失敗しました: %w", err)
	}
	return nil
}

const updateActorQuery = `UPDATE actors SET
	display_name = $2, site_url = $3, icon_url = $4, role = $5,
	out_token = $6, in_token = $7, future_out_token = $8, future_in_token = $9,
	request_id = $10, newly_added = $11, updated_at = $12
	WHERE id = $1`

func updateActorArgs(actor *model.Actor) []any {
	return []any{
		actor.ID, actor.DisplayName, actor.SiteURL, actor.IconURL,
		string(actor.Role), actor.OutToken, actor.InToken,
		actor.FutureOutToken, actor.FutureInToken, actor.RequestID,
		actor.NewlyAdded, actor.UpdatedAt,
	}
}

// UpdateWithToken はアクターの更新と受信トークン逆引きの差し替えを
// 同一トランザクションで実行する。
func (r *PostgresActorRepo) UpdateWithToken(ctx context.Context, actor *model.Actor, inToken string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, updateActorQuery, updateActorArgs(actor)...); err != nil {
		return fmt.Errorf("アクターの更新に失敗しました: %w", err)
	}

	// 既存トークンを取り消してから新トークンを登録する
	if _, err := tx.ExecContext(ctx, `DELETE FROM tokens WHERE actor_id = $1`, actor.ID); err != nil {
		return fmt.Errorf("トークンの取り消しに失敗しました: %w", err)
	}
	if inToken != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tokens (token, actor_id) VALUES ($1, $2)`,
			inToken, actor.ID,
		); err != nil {
			return fmt.Errorf("トークンの登録に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// Delete はアクターを削除する。関連レコードはCASCADE削除される。
func (r *PostgresActorRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM actors WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("アクターの削除に失敗しました: %w", err)
	}
	return nil
}

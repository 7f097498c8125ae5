package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresTokenRepo はPostgreSQLを使用した受信トークン逆引きリポジトリ。
// フレンドからの受信リクエストをO(1)で認証するための索引を保持する。
type PostgresTokenRepo struct {
	db *sql.DB
}

// NewPostgresTokenRepo はPostgresTokenRepoを生成する。
func NewPostgresTokenRepo(db *sql.DB) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: db}
}

// FindActorID はトークンに対応するアクターIDを返す。
// 未登録のトークンの場合は空文字列を返す。
func (r *PostgresTokenRepo) FindActorID(ctx context.Context, token string) (string, error) {
	var actorID string
	err := r.db.QueryRowContext(ctx,
		`SELECT actor_id FROM tokens WHERE token = $1`, token).Scan(&actorID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("トークンの照会に失敗しました: %w", err)
	}
	return actorID, nil
}

// RevokeByActor は指定アクターの全トークンを取り消す。
func (r *PostgresTokenRepo) RevokeByActor(ctx context.Context, actorID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM tokens WHERE actor_id = $1`, actorID)
	if err != nil {
		return fmt.Errorf("トークンの取り消しに失敗しました: %w", err)
	}
	return nil
}

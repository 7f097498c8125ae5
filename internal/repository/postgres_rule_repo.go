package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/tomodachi/internal/model"
)

// PostgresRuleRepo はPostgreSQLを使用したフィルタルールリポジトリ。
type PostgresRuleRepo struct {
	db *sql.DB
}

// NewPostgresRuleRepo はPostgresRuleRepoを生成する。
func NewPostgresRuleRepo(db *sql.DB) *PostgresRuleRepo {
	return &PostgresRuleRepo{db: db}
}

// ListByActor は指定アクターのルールを適用順（position昇順）で返す。
func (r *PostgresRuleRepo) ListByActor(ctx context.Context, actorID string) ([]*model.Rule, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, actor_id, position, field, regex, action, replace_with
		 FROM rules WHERE actor_id = $1 ORDER BY position`, actorID)
	if err != nil {
		return nil, fmt.Errorf("ルール一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var rules []*model.Rule
	for rows.Next() {
		rule := &model.Rule{}
		var field, action string
		if err := rows.Scan(&rule.ID, &rule.ActorID, &rule.Position,
			&field, &rule.Regex, &action, &rule.ReplaceWith); err != nil {
			return nil, fmt.Errorf("ルール行の読み込みに失敗しました: %w", err)
		}
		rule.Field = model.RuleField(field)
		rule.Action = model.RuleAction(action)
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// ReplaceForActor は指定アクターのルール一式を丸ごと置き換える。
// 保存は常にルールリスト全体の単位で行い、部分更新はしない。
func (r *PostgresRuleRepo) ReplaceForActor(ctx context.Context, actorID string, rules []*model.Rule) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE actor_id = $1`, actorID); err != nil {
		return fmt.Errorf("既存ルールの削除に失敗しました: %w", err)
	}
	for _, rule := range rules {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rules (id, actor_id, position, field, regex, action, replace_with)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rule.ID, actorID, rule.Position, string(rule.Field), rule.Regex,
			string(rule.Action), rule.ReplaceWith,
		); err != nil {
			return fmt.Errorf("ルールの登録に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// CatchAll は指定アクターのキャッチオール動作を返す。
func (r *PostgresRuleRepo) CatchAll(ctx context.Context, actorID string) (model.RuleAction, error) {
	var action string
	err := r.db.QueryRowContext(ctx,
		`SELECT catch_all FROM actors WHERE id = $1`, actorID).Scan(&action)
	if err == sql.ErrNoRows {
		return model.RuleActionAccept, nil
	}
	if err != nil {
		return "", fmt.Errorf("キャッチオール動作の取得に失敗しました: %w", err)
	}
	return model.RuleAction(action), nil
}

// SetCatchAll は指定アクターのキャッチオール動作を更新する。
func (r *PostgresRuleRepo) SetCatchAll(ctx context.Context, actorID string, action model.RuleAction) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE actors SET catch_all = $2, updated_at = NOW() WHERE id = $1`,
		actorID, string(action))
	if err != nil {
		return fmt.Errorf("キャッチオール動作の更新に失敗しました: %w", err)
	}
	return nil
}

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// PostgresSettingsRepo はPostgreSQLを使用した設定リポジトリ。
type PostgresSettingsRepo struct {
	db *sql.DB
}

// NewPostgresSettingsRepo はPostgresSettingsRepoを生成する。
func NewPostgresSettingsRepo(db *sql.DB) *PostgresSettingsRepo {
	return &PostgresSettingsRepo{db: db}
}

var _ SettingsRepository = (*PostgresSettingsRepo)(nil)

// GetAll は保存されている全ての設定を返す。
func (r *PostgresSettingsRepo) GetAll(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("設定の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("設定の読み取りに失敗しました: %w", err)
		}
		values[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("設定の読み取りに失敗しました: %w", err)
	}
	return values, nil
}

// Apply はupsertsの値を保存し、deletesのキーを削除する。
func (r *PostgresSettingsRepo) Apply(ctx context.Context, upserts map[string]string, deletes []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// キー順に書き込み、同時保存時のデッドロックを避ける
	keys := make([]string, 0, len(upserts))
	for k := range upserts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO settings (key, value, updated_at)
			 VALUES ($1, $2, now())
			 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
			k, upserts[k],
		)
		if err != nil {
			return fmt.Errorf("設定 %s の保存に失敗しました: %w", k, err)
		}
	}

	for _, k := range deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM settings WHERE key = $1`, k); err != nil {
			return fmt.Errorf("設定 %s の削除に失敗しました: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

package push

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nao1215/notify/pkg/event"
	"github.com/nao1215/notify/pkg/migration"
)

// postgresMigrations はPostgreSQL用のマイグレーション。
// バージョンはsqliteMigrationsと揃える。
//
//go:embed migrations/postgres/*.up.sql
var postgresMigrations embed.FS

const postgresMigrationDir = "migrations/postgres"

// PostgresStore はPostgreSQLに購読を保存するRepository実装。
// 複数レプリカで購読を共有する場合に使う。
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// OpenPostgres は接続プールを作成し、マイグレーションを適用する。
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}
	if err := migratePostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

// migratePostgres は未適用のマイグレーションをバージョン順に適用する。
// SQLiteと同じくファイルの収集はmigration.Collectに任せ、適用だけをpgxで行う。
func migratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("マイグレーション管理テーブルの作成に失敗: %w", err)
	}

	files, err := migration.Collect(postgresMigrations, postgresMigrationDir)
	if err != nil {
		return fmt.Errorf("マイグレーションファイルの収集に失敗: %w", err)
	}
	for _, f := range files {
		if err := applyPostgres(ctx, pool, f); err != nil {
			return fmt.Errorf("マイグレーション %06d の適用に失敗: %w", f.Version, err)
		}
	}
	return nil
}

// applyPostgres は1つのマイグレーションをトランザクション内で適用する。
// 先にバージョンを記録するので、複数レプリカが同時に起動しても適用は1回になる。
func applyPostgres(ctx context.Context, pool *pgxpool.Pool, f migration.File) error {
	content, err := fs.ReadFile(postgresMigrations, f.Path)
	if err != nil {
		return fmt.Errorf("ファイル読み込みに失敗: %w", err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT (version) DO NOTHING", f.Version)
	if err != nil {
		return fmt.Errorf("バージョン記録に失敗: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx, string(content)); err != nil {
		return fmt.Errorf("SQL実行に失敗: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	slog.Info("[Migration] マイグレーションを適用しました", "version", f.Version, "name", f.Name)
	return nil
}

// Close は接続プールを閉じる。
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ActiveSubscriptionsFor は通知先の有効な購読をID順に返す。
func (s *PostgresStore) ActiveSubscriptionsFor(ctx context.Context, subjectType event.SubjectType, subjectID int64) ([]Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, subject_type, subject_id, endpoint, p256dh, auth, is_active, updated_at
		FROM push_subscriptions
		WHERE subject_type = $1 AND subject_id = $2 AND is_active
		ORDER BY id`, string(subjectType), subjectID)
	if err != nil {
		return nil, fmt.Errorf("購読の取得に失敗: %w", err)
	}

	subs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Subscription, error) {
		var (
			sub         Subscription
			subjectType string
		)
		err := row.Scan(&sub.ID, &subjectType, &sub.SubjectID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &sub.IsActive, &sub.UpdatedAt)
		sub.SubjectType = event.SubjectType(subjectType)
		return sub, err
	})
	if err != nil {
		return nil, fmt.Errorf("購読の読み込みに失敗: %w", err)
	}
	return subs, nil
}

// Save は購読を登録する。同じエンドポイントがあれば上書きして有効にする。
func (s *PostgresStore) Save(ctx context.Context, sub Subscription) (Subscription, error) {
	sub.UpdatedAt = s.now().UTC()
	sub.IsActive = true

	err := s.pool.QueryRow(ctx, `
		INSERT INTO push_subscriptions (subject_type, subject_id, endpoint, p256dh, auth, is_active, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)
		ON CONFLICT (endpoint) DO UPDATE SET
			subject_type = EXCLUDED.subject_type,
			subject_id = EXCLUDED.subject_id,
			p256dh = EXCLUDED.p256dh,
			auth = EXCLUDED.auth,
			is_active = TRUE,
			updated_at = EXCLUDED.updated_at
		RETURNING id`,
		string(sub.SubjectType), sub.SubjectID, sub.Endpoint, sub.P256dh, sub.Auth, sub.UpdatedAt,
	).Scan(&sub.ID)
	if err != nil {
		return Subscription{}, fmt.Errorf("購読の保存に失敗: %w", err)
	}
	return sub, nil
}

// Deactivate は通知先が所有するエンドポイントの購読を無効にする。
func (s *PostgresStore) Deactivate(ctx context.Context, r event.Recipient, endpoint string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE push_subscriptions SET is_active = FALSE, updated_at = $1
		WHERE endpoint = $2 AND subject_type = $3 AND subject_id = $4 AND is_active`,
		s.now().UTC(), endpoint, string(r.Type), r.ID)
	if err != nil {
		return fmt.Errorf("購読の無効化に失敗: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateByID はIDで購読を無効にする。
func (s *PostgresStore) DeactivateByID(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE push_subscriptions SET is_active = FALSE, updated_at = $1
		WHERE id = $2 AND is_active`, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("購読の無効化に失敗: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

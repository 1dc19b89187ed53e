package push

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/nao1215/notify/pkg/event"
	"github.com/nao1215/notify/pkg/migration"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.up.sql
var sqliteMigrations embed.FS

const sqliteMigrationDir = "migrations/sqlite"

// SQLiteStore はSQLiteに購読を保存するRepository実装。
type SQLiteStore struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
	// now は現在時刻を返す関数。
	now func() time.Time
}

// OpenSQLite はSQLiteデータベースを開き、マイグレーションを適用する。
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// SQLiteは書き込みが直列なので接続を1本に絞る。":memory:" でも同じDBを共有できる。
	db.SetMaxOpenConns(1)

	store, err := NewSQLiteStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore は既存の接続からSQLiteStoreを生成し、マイグレーションを適用する。
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := migration.Run(ctx, db, sqliteMigrations, sqliteMigrationDir); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close はデータベース接続を閉じる。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ActiveSubscriptionsFor は通知先の有効な購読をID順に返す。
func (s *SQLiteStore) ActiveSubscriptionsFor(ctx context.Context, subjectType event.SubjectType, subjectID int64) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_type, subject_id, endpoint, p256dh, auth, is_active, updated_at
		FROM push_subscriptions
		WHERE subject_type = ? AND subject_id = ? AND is_active = 1
		ORDER BY id`, string(subjectType), subjectID)
	if err != nil {
		return nil, fmt.Errorf("購読の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []Subscription
	for rows.Next() {
		sub, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読の取得に失敗: %w", err)
	}
	return subs, nil
}

// Save は購読を登録する。同じエンドポイントがあれば上書きして有効にする。
func (s *SQLiteStore) Save(ctx context.Context, sub Subscription) (Subscription, error) {
	sub.UpdatedAt = s.now().UTC()
	sub.IsActive = true

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO push_subscriptions (subject_type, subject_id, endpoint, p256dh, auth, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			subject_type = excluded.subject_type,
			subject_id = excluded.subject_id,
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			is_active = 1,
			updated_at = excluded.updated_at
		RETURNING id`,
		string(sub.SubjectType), sub.SubjectID, sub.Endpoint, sub.P256dh, sub.Auth, sub.UpdatedAt.Format(time.RFC3339Nano))
	if err := row.Scan(&sub.ID); err != nil {
		return Subscription{}, fmt.Errorf("購読の保存に失敗: %w", err)
	}
	return sub, nil
}

// Deactivate は通知先が所有するエンドポイントの購読を無効にする。
func (s *SQLiteStore) Deactivate(ctx context.Context, r event.Recipient, endpoint string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE push_subscriptions SET is_active = 0, updated_at = ?
		WHERE endpoint = ? AND subject_type = ? AND subject_id = ? AND is_active = 1`,
		s.now().UTC().Format(time.RFC3339Nano), endpoint, string(r.Type), r.ID)
	if err != nil {
		return fmt.Errorf("購読の無効化に失敗: %w", err)
	}
	return requireAffected(res)
}

// DeactivateByID はIDで購読を無効にする。
func (s *SQLiteStore) DeactivateByID(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE push_subscriptions SET is_active = 0, updated_at = ?
		WHERE id = ? AND is_active = 1`,
		s.now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("購読の無効化に失敗: %w", err)
	}
	return requireAffected(res)
}

// requireAffected は更新件数が0ならErrNotFoundを返す。
func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanSQLite は1行をSubscriptionに変換する。
func scanSQLite(rows *sql.Rows) (Subscription, error) {
	var (
		sub         Subscription
		subjectType string
		isActive    int64
		updatedAt   any
	)
	if err := rows.Scan(&sub.ID, &subjectType, &sub.SubjectID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &isActive, &updatedAt); err != nil {
		return Subscription{}, fmt.Errorf("購読の読み込みに失敗: %w", err)
	}
	sub.SubjectType = event.SubjectType(subjectType)
	sub.IsActive = isActive != 0
	sub.UpdatedAt = parseTimeValue(updatedAt)
	return sub, nil
}

// parseTimeValue はドライバーが返す日時の値をtime.Timeに変換する。
// modernc.org/sqlite は宣言型によってtime.Timeか文字列を返す。
func parseTimeValue(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC()
			}
		}
	case []byte:
		return parseTimeValue(string(t))
	}
	return time.Time{}
}

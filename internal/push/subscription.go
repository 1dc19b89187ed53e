package push

import (
	"context"
	"errors"
	"time"

	"github.com/nao1215/notify/pkg/event"
)

// ErrNotFound は該当する購読が存在しないことを表す。
var ErrNotFound = errors.New("購読が見つかりません")

// Subscription はブラウザのプッシュ購読の永続化レコード。
type Subscription struct {
	// ID はレコードの識別子。
	ID int64 `json:"id"`
	// SubjectType は購読者の主体種別。
	SubjectType event.SubjectType `json:"subject_type"`
	// SubjectID は購読者の主体ID。
	SubjectID int64 `json:"subject_id"`
	// Endpoint はプッシュサービスのエンドポイントURL。
	Endpoint string `json:"endpoint"`
	// P256dh はクライアントの公開鍵（Base64URL）。
	P256dh string `json:"p256dh"`
	// Auth はクライアントの認証シークレット（Base64URL）。
	Auth string `json:"auth"`
	// IsActive は購読が有効かどうか。
	IsActive bool `json:"is_active"`
	// UpdatedAt は最終更新日時。
	UpdatedAt time.Time `json:"updated_at"`
}

// Recipient は購読者の通知先を返す。
func (s Subscription) Recipient() event.Recipient {
	return event.Recipient{Type: s.SubjectType, ID: s.SubjectID}
}

// Store はDispatcherが使う読み取り専用のインターフェース。
type Store interface {
	// ActiveSubscriptionsFor は通知先の有効な購読を返す。
	ActiveSubscriptionsFor(ctx context.Context, subjectType event.SubjectType, subjectID int64) ([]Subscription, error)
}

// Repository は購読の登録と解除を含むアプリケーション側のインターフェース。
// Dispatcherは書き込みを行わず、HTTPハンドラーと失効したエンドポイントの整理でのみ使う。
type Repository interface {
	Store
	// Save は購読を登録する。同じエンドポイントが既にあれば通知先と鍵を更新して有効にする。
	Save(ctx context.Context, sub Subscription) (Subscription, error)
	// Deactivate は通知先が所有するエンドポイントの購読を無効にする。
	Deactivate(ctx context.Context, r event.Recipient, endpoint string) error
	// DeactivateByID はIDで購読を無効にする。
	DeactivateByID(ctx context.Context, id int64) error
	// Close はストアを閉じる。
	Close() error
}

package event

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SubjectType は通知先となる主体の種類を表す。
type SubjectType string

const (
	// SubjectUser は社内ユーザーを表す。
	SubjectUser SubjectType = "user"
	// SubjectCustomer はポータルの顧客を表す。
	SubjectCustomer SubjectType = "customer"
)

// ParseSubjectType は文字列をSubjectTypeに変換する。
// user と customer 以外はエラーとする。
func ParseSubjectType(s string) (SubjectType, error) {
	switch SubjectType(s) {
	case SubjectUser, SubjectCustomer:
		return SubjectType(s), nil
	default:
		return "", fmt.Errorf("未知の主体種別です: %q", s)
	}
}

// Recipient は通知のルーティングキー。(種別, ID) の組で一意に決まる。
// 比較可能な値型なのでmapのキーとしてそのまま使う。
type Recipient struct {
	// Type は主体の種別。
	Type SubjectType `json:"subject_type"`
	// ID は主体の識別子。
	ID int64 `json:"subject_id"`
}

// NewRecipient は種別文字列とIDからRecipientを生成する。
func NewRecipient(subjectType string, id int64) (Recipient, error) {
	st, err := ParseSubjectType(subjectType)
	if err != nil {
		return Recipient{}, err
	}
	if id <= 0 {
		return Recipient{}, fmt.Errorf("主体IDは正の整数である必要があります: %d", id)
	}
	return Recipient{Type: st, ID: id}, nil
}

// ParseRecipient は "user:7" 形式の文字列をRecipientに変換する。
func ParseRecipient(s string) (Recipient, error) {
	typ, idStr, ok := strings.Cut(s, ":")
	if !ok {
		return Recipient{}, fmt.Errorf("通知先の形式が不正です: %q", s)
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return Recipient{}, fmt.Errorf("主体IDの解析に失敗: %w", err)
	}
	return NewRecipient(typ, id)
}

// String は "user:7" 形式の表現を返す。
func (r Recipient) String() string {
	return fmt.Sprintf("%s:%d", r.Type, r.ID)
}

// Kind はストリームに流れるイベントの種類を表す。
type Kind string

const (
	// KindConnected はストリーム確立直後に1度だけ送られる。
	KindConnected Kind = "connected"
	// KindHeartbeat は接続維持のために定期的に送られる。
	KindHeartbeat Kind = "heartbeat"
	// KindNewNotification は新しい通知の配信を表す。
	KindNewNotification Kind = "new_notification"
)

// Notification は通知本体。
type Notification struct {
	// ID は通知の一意識別子（UUID）。クライアント側の重複排除に使う。
	ID string `json:"id,omitempty"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// Category は通知の分類（invoice, system など）。
	Category string `json:"category,omitempty"`
	// SenderID は送信者のID。
	SenderID *int64 `json:"sender_id,omitempty"`
	// SenderName は送信者の表示名。
	SenderName string `json:"sender_name,omitempty"`
	// URL は通知クリック時の遷移先。
	URL string `json:"url,omitempty"`
	// CreatedAt は通知の作成日時。
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// Event はストリームの1フレームに相当するイベント。
// 生成後は変更しないので、複数のリスナーに同時に渡してよい。
type Event struct {
	// Kind はイベントの種類。
	Kind Kind `json:"type"`
	// Recipient は通知先。connected と heartbeat では nil。
	Recipient *Recipient `json:"recipient,omitempty"`
	// Notification は通知本体。new_notification のときのみ設定される。
	Notification *Notification `json:"notification,omitempty"`
	// Timestamp はイベントの生成日時。
	Timestamp time.Time `json:"timestamp"`
}

// Connected は接続確立イベントを生成する。
func Connected(now time.Time) Event {
	return Event{Kind: KindConnected, Timestamp: now.UTC()}
}

// Heartbeat はハートビートイベントを生成する。
func Heartbeat(now time.Time) Event {
	return Event{Kind: KindHeartbeat, Timestamp: now.UTC()}
}

// NewNotification は通知配信イベントを生成する。
// 呼び出し元が後から値を書き換えても影響しないよう、通知と通知先はコピーして保持する。
func NewNotification(r Recipient, n Notification) Event {
	if n.SenderID != nil {
		id := *n.SenderID
		n.SenderID = &id
	}
	return Event{
		Kind:         KindNewNotification,
		Recipient:    &r,
		Notification: &n,
		Timestamp:    time.Now().UTC(),
	}
}

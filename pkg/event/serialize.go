package event

import (
	"encoding/json"
	"fmt"
)

// Encode はイベントをフレーム用のJSONにシリアライズする。
func Encode(e Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("イベントのシリアライズに失敗: %w", err)
	}
	return b, nil
}

// Decode はフレームのJSONをイベントにデシリアライズする。
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("イベントのデシリアライズに失敗: %w", err)
	}
	return e, nil
}

// PushData はプッシュ通知に添付するアプリケーションデータ。
type PushData struct {
	// URL は通知クリック時に開くURL。
	URL string `json:"url,omitempty"`
	// NotificationID は元の通知ID。
	NotificationID string `json:"notification_id,omitempty"`
	// Category は通知の分類。
	Category string `json:"category,omitempty"`
	// Recipient は通知先（"user:7" 形式）。
	Recipient string `json:"recipient,omitempty"`
}

// PushPayload はWeb Pushで配信するペイロード。
// バックグラウンドワーカーはこの形式を受け取ってシステム通知を表示する。
type PushPayload struct {
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Body は通知本文。
	Body string `json:"body"`
	// Icon はアイコン画像のURL。
	Icon string `json:"icon,omitempty"`
	// Badge はバッジ画像のURL。
	Badge string `json:"badge,omitempty"`
	// Tag は重複排除用のタグ。同じタグの通知はクライアント側で置き換えられる。
	Tag string `json:"tag,omitempty"`
	// Data はアプリケーションデータ。
	Data PushData `json:"data"`
}

// TagFor は通知IDから重複排除用のタグを返す。
func TagFor(notificationID string) string {
	if notificationID == "" {
		return "notification"
	}
	return "notification-" + notificationID
}

// NewPushPayload は通知からプッシュペイロードを生成する。
func NewPushPayload(r Recipient, n Notification) PushPayload {
	return PushPayload{
		Title: n.Title,
		Body:  n.Message,
		Tag:   TagFor(n.ID),
		Data: PushData{
			URL:            n.URL,
			NotificationID: n.ID,
			Category:       n.Category,
			Recipient:      r.String(),
		},
	}
}

// EncodePush はプッシュペイロードをJSONにシリアライズする。
func EncodePush(p PushPayload) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("プッシュペイロードのシリアライズに失敗: %w", err)
	}
	return b, nil
}

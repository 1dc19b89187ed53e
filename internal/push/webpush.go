package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/nao1215/notify/pkg/event"
)

// VAPIDConfig はVAPID署名に使う鍵と連絡先。
type VAPIDConfig struct {
	// PublicKey はVAPID公開鍵（Base64URL）。
	PublicKey string
	// PrivateKey はVAPID秘密鍵（Base64URL）。
	PrivateKey string
	// Subject はプッシュサービス運営者への連絡先（mailto: または https:）。
	// webpush-goはhttps:以外にmailto:を付けるため、送信時に接頭辞を外して渡す。
	Subject string
}

// GenerateVAPIDKeys は新しいVAPID鍵ペアを生成する。
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("VAPID鍵の生成に失敗: %w", err)
	}
	return publicKey, privateKey, nil
}

// WebPushTransport はWeb Pushプロトコルでペイロードを送信するTransport実装。
type WebPushTransport struct {
	vapid  VAPIDConfig
	ttl    int
	client *http.Client
}

// NewWebPushTransport は新しいWebPushTransportを生成する。
// ttlはプッシュサービスがメッセージを保持する秒数。
func NewWebPushTransport(vapid VAPIDConfig, ttl int, client *http.Client) *WebPushTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &WebPushTransport{vapid: vapid, ttl: ttl, client: client}
}

// Send はペイロードを暗号化してエンドポイントへ送信する。
// 404と410はErrGoneとして返す。
func (t *WebPushTransport) Send(ctx context.Context, sub Subscription, payload []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      t.client,
		Subscriber:      strings.TrimPrefix(t.vapid.Subject, "mailto:"),
		VAPIDPublicKey:  t.vapid.PublicKey,
		VAPIDPrivateKey: t.vapid.PrivateKey,
		TTL:             t.ttl,
		Urgency:         webpush.UrgencyNormal,
		Topic:           topicFor(payload),
	})
	if err != nil {
		return fmt.Errorf("プッシュサービスへの送信に失敗: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: status=%d", ErrGone, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("プッシュサービスがエラーを返しました: status=%d", resp.StatusCode)
	}
	return nil
}

// topicFor はペイロードの通知IDからTopicヘッダーの値を作る。
// プッシュサービス上で未配信の同じ通知をまとめるために使う。Topicは32文字以内のBase64URL文字のみ。
func topicFor(payload []byte) string {
	var p event.PushPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	topic := strings.ReplaceAll(p.Data.NotificationID, "-", "")
	if topic == "" || len(topic) > 32 {
		return ""
	}
	for _, c := range topic {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_') {
			return ""
		}
	}
	return topic
}

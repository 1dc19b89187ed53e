package agent

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/nao1215/notify/pkg/event"
)

const (
	// DefaultTitle はタイトルがない場合の表示名。
	DefaultTitle = "Notification"
	// DefaultBody は本文を取り出せなかった場合の本文。
	DefaultBody = "You have a new notification"
	// DefaultIcon はアイコンがない場合の画像。
	DefaultIcon = "/icons/icon-192.png"
	// DefaultBadge はバッジがない場合の画像。
	DefaultBadge = "/icons/badge-72.png"
	// DefaultURL はクリック時の遷移先がない場合のURL。
	DefaultURL = "/"
)

// maxFallbackBody はJSONでないペイロードから取り出す本文の最大文字数。
const maxFallbackBody = 200

// ParsePayload はプッシュペイロードを解析する。
// JSONとして解釈できない場合は失敗させず、タイトルを既定値にして本文をテキストとして取り出す。
func ParsePayload(data []byte) event.PushPayload {
	trimmed := bytes.TrimSpace(data)

	var p event.PushPayload
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &p); err == nil {
			return p
		}
	}

	// "本文だけ" のJSON文字列も受け付ける。
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return event.PushPayload{Title: DefaultTitle, Body: extractText([]byte(s))}
	}
	return event.PushPayload{Title: DefaultTitle, Body: extractText(trimmed)}
}

// extractText はバイト列から表示できる文字だけを取り出す。何も残らなければ既定の本文を返す。
func extractText(data []byte) string {
	var b strings.Builder
	lastSpace := true
	count := 0
	for len(data) > 0 && count < maxFallbackBody {
		r, size := utf8.DecodeRune(data)
		data = data[size:]
		switch {
		case r == utf8.RuneError && size <= 1:
			continue
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
				count++
			}
		case unicode.IsPrint(r):
			b.WriteRune(r)
			lastSpace = false
			count++
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" || !hasLetterOrDigit(text) {
		return DefaultBody
	}
	return text
}

func hasLetterOrDigit(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// Notification はワーカーが表示するシステム通知。
type Notification struct {
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Body は通知本文。
	Body string `json:"body"`
	// Icon はアイコン画像のURL。
	Icon string `json:"icon"`
	// Badge はバッジ画像のURL。
	Badge string `json:"badge"`
	// Tag は重複排除用のタグ。同じタグの通知は置き換えられる。
	Tag string `json:"tag"`
	// Data はクリック時に使うアプリケーションデータ。
	Data event.PushData `json:"data"`
}

// Render はペイロードを表示用の通知に変換する。欠けている項目は既定値で補う。
func Render(p event.PushPayload) Notification {
	n := Notification{
		Title: p.Title,
		Body:  p.Body,
		Icon:  p.Icon,
		Badge: p.Badge,
		Tag:   p.Tag,
		Data:  p.Data,
	}
	if strings.TrimSpace(n.Title) == "" {
		n.Title = DefaultTitle
	}
	if strings.TrimSpace(n.Body) == "" {
		n.Body = DefaultBody
	}
	if n.Icon == "" {
		n.Icon = DefaultIcon
	}
	if n.Badge == "" {
		n.Badge = DefaultBadge
	}
	if n.Tag == "" {
		n.Tag = event.TagFor(n.Data.NotificationID)
	}
	if n.Data.URL == "" {
		n.Data.URL = DefaultURL
	}
	return n
}

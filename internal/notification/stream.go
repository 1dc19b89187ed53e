package notification

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// defaultWriteTimeout は1フレームの書き込みにかける上限時間。
const defaultWriteTimeout = 10 * time.Second

// SSEWriter はServer-Sent Events形式でフレームを書き込む。
// 1フレームは "data: <json>\n\n" で、書き込むたびにフラッシュする。
type SSEWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	timeout time.Duration
}

// NewSSEWriter はSSEWriterを生成し、ストリーム用のレスポンスヘッダーを設定する。
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &SSEWriter{w: w, rc: http.NewResponseController(w), timeout: defaultWriteTimeout}
}

// WriteFrame は1フレームを書き込んでフラッシュする。
func (s *SSEWriter) WriteFrame(data []byte) error {
	if err := s.rc.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("書き込み期限の設定に失敗: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("フラッシュに失敗: %w", err)
	}
	return nil
}

// WebSocketWriter はWebSocketのテキストメッセージとしてフレームを書き込む。
type WebSocketWriter struct {
	conn    *websocket.Conn
	timeout time.Duration
}

// NewWebSocketWriter はWebSocketWriterを生成する。
func NewWebSocketWriter(conn *websocket.Conn) *WebSocketWriter {
	return &WebSocketWriter{conn: conn, timeout: defaultWriteTimeout}
}

// WriteFrame は1フレームを1メッセージとして書き込む。
func (w *WebSocketWriter) WriteFrame(data []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// internalTokenHeader は内部APIの認証に使うヘッダー。
const internalTokenHeader = "X-Internal-Token"

// HTTPError は2xx以外のレスポンスを表すエラー。
type HTTPError struct {
	// StatusCode はHTTPステータスコード。
	StatusCode int
	// Body はレスポンスボディ。
	Body string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTPエラー: status=%d, body=%s", e.StatusCode, e.Body)
}

// StatusCode はエラーがHTTPErrorであればそのステータスコードを返す。それ以外は0。
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// Client は通知サーバーのHTTPクライアント。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は通知サーバーのベースURL。
	baseURL string
	// internalToken は内部APIの共有トークン。
	internalToken string
}

// Option はClientの設定を変更する。
type Option func(*Client)

// WithInternalToken は内部APIの共有トークンを設定する。
func WithInternalToken(token string) Option {
	return func(c *Client) { c.internalToken = token }
}

// WithTimeout はリクエスト全体のタイムアウトを設定する。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New は新しいHTTPクライアントを生成する。
// baseURLには通知サーバーのベースURL（例: "http://notification:8080"）を指定する。
// トレースコンテキストはotelhttpで伝播する。
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		baseURL: baseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NotifyRequest は通知発行リクエスト。
type NotifyRequest struct {
	// SubjectType は通知先の主体種別（user または customer）。
	SubjectType string `json:"subject_type"`
	// SubjectID は通知先の主体ID。
	SubjectID int64 `json:"subject_id"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// Category は通知の分類。
	Category string `json:"category,omitempty"`
	// SenderID は送信者のID。
	SenderID *int64 `json:"sender_id,omitempty"`
	// SenderName は送信者の表示名。
	SenderName string `json:"sender_name,omitempty"`
	// URL は通知クリック時の遷移先。
	URL string `json:"url,omitempty"`
}

// NotifyResponse は通知発行のレスポンス。
type NotifyResponse struct {
	// Notification は発行された通知。IDと作成日時が採番済み。
	Notification json.RawMessage `json:"notification"`
	// Recipient は通知先（"user:7" 形式）。
	Recipient string `json:"recipient"`
	// Delivered はライブ配信できたリスナー数。
	Delivered int `json:"delivered"`
}

// Stats は接続状況。
type Stats struct {
	// ActiveListeners は登録中のリスナー総数。
	ActiveListeners int `json:"active_listeners"`
	// Recipients はリスナーを持つ通知先の数。
	Recipients int `json:"recipients"`
	// Sessions は開いているストリーム数。
	Sessions int `json:"sessions"`
	// Recipient は問い合わせた通知先。
	Recipient string `json:"recipient,omitempty"`
	// Listeners は問い合わせた通知先のリスナー数。
	Listeners *int `json:"listeners,omitempty"`
}

// Notify は内部APIで通知を発行する。
func (c *Client) Notify(ctx context.Context, req NotifyRequest) (NotifyResponse, error) {
	var resp NotifyResponse
	if err := c.PostJSON(ctx, "/internal/notify", req, &resp); err != nil {
		return NotifyResponse{}, err
	}
	return resp, nil
}

// Stats は接続状況を取得する。recipientが空でなければその通知先のリスナー数も取得する。
func (c *Client) Stats(ctx context.Context, recipient string) (Stats, error) {
	path := "/internal/stats"
	if recipient != "" {
		path += "?" + url.Values{"recipient": []string{recipient}}.Encode()
	}
	var stats Stats
	if err := c.GetJSON(ctx, path, &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// PostJSON は指定パスにJSONボディでPOSTリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) PostJSON(ctx context.Context, path string, body any, result any) error {
	return c.doJSON(ctx, http.MethodPost, path, body, result)
}

// GetJSON は指定パスにGETリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) GetJSON(ctx context.Context, path string, result any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, result)
}

// doJSON はJSON形式のHTTPリクエストを実行する共通処理。
func (c *Client) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.internalToken != "" {
		req.Header.Set(internalTokenHeader, c.internalToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
		}
	}
	return nil
}

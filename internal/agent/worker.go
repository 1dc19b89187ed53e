package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/nao1215/notify/pkg/event"
)

// MessageNewNotification はウィンドウへ送るメッセージの種類。
const MessageNewNotification = "NEW_NOTIFICATION"

// Message はワーカーから開いているウィンドウへ送るメッセージ。
type Message struct {
	// Type はメッセージの種類。
	Type string `json:"type"`
	// Payload は受信したプッシュペイロード。
	Payload event.PushPayload `json:"payload"`
}

// Window はワーカーの管理下にあるアプリケーションのウィンドウ。
type Window struct {
	// ID はウィンドウの識別子。
	ID string
	// URL はウィンドウが表示しているURL。
	URL string
}

// Host はワーカーが動作する実行環境の機能。
type Host interface {
	// ShowNotification はシステム通知を表示する。
	ShowNotification(ctx context.Context, n Notification) error
	// Windows は開いているウィンドウを返す。
	Windows(ctx context.Context) ([]Window, error)
	// PostMessage はウィンドウへメッセージを送る。
	PostMessage(ctx context.Context, w Window, m Message) error
	// Focus はウィンドウを前面に出す。
	Focus(ctx context.Context, w Window) error
	// OpenWindow は新しいウィンドウを開く。
	OpenWindow(ctx context.Context, rawURL string) error
	// SkipWaiting は待機中のワーカーをすぐに有効にする。
	SkipWaiting(ctx context.Context) error
	// Claim は既存のページの制御を引き継ぐ。
	Claim(ctx context.Context) error
}

// Worker はプッシュ受信とクリックを処理するバックグラウンドワーカー。
type Worker struct {
	host   Host
	origin *url.URL
	logger *slog.Logger
}

// NewWorker は新しいWorkerを生成する。originは相対URLを解決するためのアプリケーションのオリジン。
func NewWorker(host Host, origin string, logger *slog.Logger) (*Worker, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("オリジンの解析に失敗: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{host: host, origin: u, logger: logger}, nil
}

// Install はインストール時の処理。待機せずにすぐ有効になる。
func (w *Worker) Install(ctx context.Context) error {
	if err := w.host.SkipWaiting(ctx); err != nil {
		return fmt.Errorf("インストールに失敗: %w", err)
	}
	return nil
}

// Activate は有効化時の処理。既存のページの制御をすぐに引き継ぐ。
func (w *Worker) Activate(ctx context.Context) error {
	if err := w.host.Claim(ctx); err != nil {
		return fmt.Errorf("有効化に失敗: %w", err)
	}
	return nil
}

// HandlePush はプッシュペイロードを受け取り、システム通知の表示と
// 開いているウィンドウへの通知を並行して行う。片方が失敗してももう片方は必ず試み、
// 両方のエラーをまとめて返す。
func (w *Worker) HandlePush(ctx context.Context, data []byte) error {
	p := ParsePayload(data)
	n := Render(p)

	var (
		wg                 sync.WaitGroup
		showErr, notifyErr error
	)
	wg.Go(func() {
		if err := w.host.ShowNotification(ctx, n); err != nil {
			showErr = fmt.Errorf("通知の表示に失敗: %w", err)
		}
	})
	wg.Go(func() {
		notifyErr = w.broadcast(ctx, Message{Type: MessageNewNotification, Payload: p})
	})
	wg.Wait()

	err := errors.Join(showErr, notifyErr)
	if err != nil {
		w.logger.Warn("プッシュの処理に失敗", "tag", n.Tag, "error", err)
	}
	return err
}

// broadcast は開いている全ウィンドウへメッセージを送る。
func (w *Worker) broadcast(ctx context.Context, m Message) error {
	windows, err := w.host.Windows(ctx)
	if err != nil {
		return fmt.Errorf("ウィンドウの取得に失敗: %w", err)
	}
	var errs []error
	for _, win := range windows {
		if err := w.host.PostMessage(ctx, win, m); err != nil {
			errs = append(errs, fmt.Errorf("ウィンドウ %s への送信に失敗: %w", win.ID, err))
		}
	}
	return errors.Join(errs...)
}

// HandleClick は通知がクリックされたときの処理。
// 遷移先を表示しているウィンドウがあれば前面に出し、なければ新しく開く。両方は行わない。
func (w *Worker) HandleClick(ctx context.Context, n Notification) error {
	target := w.resolve(n.Data.URL)

	windows, err := w.host.Windows(ctx)
	if err != nil {
		return fmt.Errorf("ウィンドウの取得に失敗: %w", err)
	}
	for _, win := range windows {
		if sameURL(w.resolve(win.URL), target) {
			if err := w.host.Focus(ctx, win); err != nil {
				return fmt.Errorf("ウィンドウのフォーカスに失敗: %w", err)
			}
			return nil
		}
	}
	if err := w.host.OpenWindow(ctx, target.String()); err != nil {
		return fmt.Errorf("ウィンドウを開けませんでした: %w", err)
	}
	return nil
}

// resolve はURLをオリジン基準の絶対URLにする。解析できなければオリジンのルートを返す。
func (w *Worker) resolve(raw string) *url.URL {
	if raw == "" {
		raw = DefaultURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return w.origin.ResolveReference(&url.URL{Path: DefaultURL})
	}
	return w.origin.ResolveReference(u)
}

// sameURL はフラグメントを除いて同じページを指すかどうかを返す。
func sameURL(a, b *url.URL) bool {
	pathOf := func(u *url.URL) string {
		if u.Path == "" {
			return "/"
		}
		return u.Path
	}
	return a.Scheme == b.Scheme &&
		a.Host == b.Host &&
		pathOf(a) == pathOf(b) &&
		a.RawQuery == b.RawQuery
}

package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeHost はテスト用のHost。呼び出しを記録する。
type fakeHost struct {
	mu       sync.Mutex
	windows  []Window
	shown    []Notification
	posted   map[string][]Message
	focused  []string
	opened   []string
	skipped  bool
	claimed  bool
	showErr  error
	postErr  error
	winErr   error
	showWait chan struct{}
	release  sync.Once
}

func newFakeHost(windows ...Window) *fakeHost {
	return &fakeHost{windows: windows, posted: make(map[string][]Message)}
}

func (h *fakeHost) ShowNotification(_ context.Context, n Notification) error {
	if h.showWait != nil {
		<-h.showWait
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.showErr != nil {
		return h.showErr
	}
	h.shown = append(h.shown, n)
	return nil
}

func (h *fakeHost) Windows(context.Context) ([]Window, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.winErr != nil {
		return nil, h.winErr
	}
	return append([]Window(nil), h.windows...), nil
}

func (h *fakeHost) PostMessage(_ context.Context, w Window, m Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.postErr != nil {
		return h.postErr
	}
	h.posted[w.ID] = append(h.posted[w.ID], m)
	if h.showWait != nil {
		h.release.Do(func() { close(h.showWait) })
	}
	return nil
}

func (h *fakeHost) Focus(_ context.Context, w Window) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.focused = append(h.focused, w.ID)
	return nil
}

func (h *fakeHost) OpenWindow(_ context.Context, rawURL string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened = append(h.opened, rawURL)
	return nil
}

func (h *fakeHost) SkipWaiting(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.skipped = true
	return nil
}

func (h *fakeHost) Claim(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.claimed = true
	return nil
}

func newTestWorker(t *testing.T, h Host) *Worker {
	t.Helper()
	w, err := NewWorker(h, "https://app.example", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Workerの生成に失敗: %v", err)
	}
	return w
}

// TestWorker_HandlePush はプッシュ受信時の表示とウィンドウへの通知を検証する。
func TestWorker_HandlePush(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"title":"Invoice due","body":"#1042","data":{"url":"/invoices/1042","notification_id":"n1"}}`)

	t.Run("通知を表示し全ウィンドウにメッセージを送ること", func(t *testing.T) {
		t.Parallel()

		h := newFakeHost(Window{ID: "a", URL: "https://app.example/"}, Window{ID: "b", URL: "https://app.example/invoices"})
		if err := newTestWorker(t, h).HandlePush(context.Background(), payload); err != nil {
			t.Fatalf("HandlePushでエラーが発生: %v", err)
		}

		if len(h.shown) != 1 {
			t.Fatalf("表示された通知数 = %d, want 1", len(h.shown))
		}
		if h.shown[0].Title != "Invoice due" || h.shown[0].Tag != "notification-n1" || h.shown[0].Icon != DefaultIcon {
			t.Errorf("表示された通知が不正: %+v", h.shown[0])
		}
		for _, id := range []string{"a", "b"} {
			msgs := h.posted[id]
			if len(msgs) != 1 {
				t.Fatalf("ウィンドウ%sへのメッセージ数 = %d, want 1", id, len(msgs))
			}
			if msgs[0].Type != MessageNewNotification || msgs[0].Payload.Body != "#1042" {
				t.Errorf("ウィンドウ%sへのメッセージが不正: %+v", id, msgs[0])
			}
		}
	})

	t.Run("表示と通知は並行して行われること", func(t *testing.T) {
		t.Parallel()

		// 表示はウィンドウへの送信が終わるまで戻らない。逐次実行ならデッドロックする。
		h := newFakeHost(Window{ID: "a", URL: "https://app.example/"})
		h.showWait = make(chan struct{})

		w := newTestWorker(t, h)
		done := make(chan error, 1)
		go func() { done <- w.HandlePush(context.Background(), payload) }()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("HandlePushでエラーが発生: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("HandlePushが完了しない")
		}
	})

	t.Run("表示に失敗してもウィンドウへの通知は行うこと", func(t *testing.T) {
		t.Parallel()

		showErr := errors.New("permission denied")
		h := newFakeHost(Window{ID: "a", URL: "https://app.example/"})
		h.showErr = showErr

		err := newTestWorker(t, h).HandlePush(context.Background(), payload)
		if !errors.Is(err, showErr) {
			t.Errorf("error = %v, want %v", err, showErr)
		}
		if len(h.posted["a"]) != 1 {
			t.Error("ウィンドウへの通知が行われていない")
		}
	})

	t.Run("両方の失敗をまとめて返すこと", func(t *testing.T) {
		t.Parallel()

		showErr := errors.New("show failed")
		winErr := errors.New("clients unavailable")
		h := newFakeHost()
		h.showErr = showErr
		h.winErr = winErr

		err := newTestWorker(t, h).HandlePush(context.Background(), payload)
		if !errors.Is(err, showErr) || !errors.Is(err, winErr) {
			t.Errorf("error = %v, want both errors", err)
		}
	})

	t.Run("不正なペイロードでも既定の通知を表示すること", func(t *testing.T) {
		t.Parallel()

		h := newFakeHost()
		if err := newTestWorker(t, h).HandlePush(context.Background(), []byte{0xff, 0x00}); err != nil {
			t.Fatalf("HandlePushでエラーが発生: %v", err)
		}
		if len(h.shown) != 1 || h.shown[0].Title != DefaultTitle || h.shown[0].Body != DefaultBody {
			t.Errorf("表示された通知が不正: %+v", h.shown)
		}
	})
}

// TestWorker_HandleClick は通知クリック時のウィンドウ操作を検証する。
func TestWorker_HandleClick(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		windows     []Window
		url         string
		wantFocused []string
		wantOpened  []string
	}{
		{
			name:        "遷移先を表示中のウィンドウがあれば前面に出すこと",
			windows:     []Window{{ID: "a", URL: "https://app.example/"}, {ID: "b", URL: "https://app.example/invoices/1#top"}},
			url:         "/invoices/1",
			wantFocused: []string{"b"},
		},
		{
			name:       "該当するウィンドウがなければ新しく開くこと",
			windows:    []Window{{ID: "a", URL: "https://app.example/"}},
			url:        "/invoices/1",
			wantOpened: []string{"https://app.example/invoices/1"},
		},
		{
			name:        "遷移先がなければルートを対象にすること",
			windows:     []Window{{ID: "a", URL: "https://app.example"}},
			url:         "",
			wantFocused: []string{"a"},
		},
		{
			name:       "別オリジンのウィンドウは対象にしないこと",
			windows:    []Window{{ID: "a", URL: "https://other.example/invoices/1"}},
			url:        "/invoices/1",
			wantOpened: []string{"https://app.example/invoices/1"},
		},
		{
			name:       "クエリが異なるウィンドウは対象にしないこと",
			windows:    []Window{{ID: "a", URL: "https://app.example/invoices?page=2"}},
			url:        "/invoices?page=1",
			wantOpened: []string{"https://app.example/invoices?page=1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newFakeHost(tt.windows...)
			n := Render(ParsePayload([]byte(`{"title":"t","body":"b","data":{"url":"` + tt.url + `"}}`)))
			if err := newTestWorker(t, h).HandleClick(context.Background(), n); err != nil {
				t.Fatalf("HandleClickでエラーが発生: %v", err)
			}
			if !equalStrings(h.focused, tt.wantFocused) {
				t.Errorf("focused = %v, want %v", h.focused, tt.wantFocused)
			}
			if !equalStrings(h.opened, tt.wantOpened) {
				t.Errorf("opened = %v, want %v", h.opened, tt.wantOpened)
			}
		})
	}
}

// TestWorker_Lifecycle はインストールと有効化を検証する。
func TestWorker_Lifecycle(t *testing.T) {
	t.Parallel()

	h := newFakeHost()
	w := newTestWorker(t, h)
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("Installでエラーが発生: %v", err)
	}
	if err := w.Activate(context.Background()); err != nil {
		t.Fatalf("Activateでエラーが発生: %v", err)
	}
	if !h.skipped || !h.claimed {
		t.Errorf("skipped=%v claimed=%v, want true true", h.skipped, h.claimed)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

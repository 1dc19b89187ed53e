package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/notify/internal/push"
	"github.com/nao1215/notify/pkg/event"
)

// PushMode はプッシュ通知を送る条件。
type PushMode string

const (
	// PushAlways はライブ配信の有無にかかわらず常にプッシュ通知を送る。
	PushAlways PushMode = "always"
	// PushOffline はライブ配信先が1つもなかった場合だけプッシュ通知を送る。
	PushOffline PushMode = "offline"
)

// ParsePushMode は文字列をPushModeに変換する。空文字はPushAlwaysとする。
func ParsePushMode(s string) (PushMode, error) {
	switch PushMode(s) {
	case "", PushAlways:
		return PushAlways, nil
	case PushOffline:
		return PushOffline, nil
	default:
		return "", fmt.Errorf("未知のプッシュモードです: %q", s)
	}
}

// Pusher は通知先のプッシュ購読へ通知を送る。push.Dispatcherが実装する。
type Pusher interface {
	Dispatch(ctx context.Context, r event.Recipient, n event.Notification) (push.Result, error)
}

// Pruner は無効になったプッシュ購読を整理する。
type Pruner interface {
	DeactivateByID(ctx context.Context, id int64) error
}

// defaultPushTimeout は1回のプッシュ配信全体にかける既定の上限時間。
const defaultPushTimeout = 30 * time.Second

// ServiceConfig はServiceの設定。
type ServiceConfig struct {
	// PushMode はプッシュ通知を送る条件。
	PushMode PushMode
	// PushTimeout は1回のプッシュ配信全体にかける上限時間。
	PushTimeout time.Duration
	// Logger はログ出力先。
	Logger *slog.Logger
}

// Service は通知の発行口。ライブストリームへの配信とプッシュ配信をまとめて行う。
type Service struct {
	b      *Broadcaster
	pusher Pusher
	pruner Pruner
	cfg    ServiceConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewService は新しいServiceを生成する。pusherとprunerはnilでもよい。
func NewService(b *Broadcaster, pusher Pusher, pruner Pruner, cfg ServiceConfig) *Service {
	if cfg.PushMode == "" {
		cfg.PushMode = PushAlways
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = defaultPushTimeout
	}
	l := cfg.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Service{b: b, pusher: pusher, pruner: pruner, cfg: cfg, logger: l, now: b.now}
}

// Notify は通知にIDと作成日時を付与して発行し、付与後の通知とライブ配信できた数を返す。
// ライブ配信は同期的に行い、プッシュ配信は呼び出し元を待たせないよう別ゴルーチンで行う。
func (s *Service) Notify(ctx context.Context, r event.Recipient, n event.Notification) (event.Notification, int) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}

	delivered := s.b.Publish(r, n)
	s.logger.Info("通知を発行しました",
		"recipient", r.String(),
		"notification_id", n.ID,
		"delivered", delivered,
	)

	if s.shouldPush(delivered) {
		s.startPush(ctx, r, n)
	}
	return n, delivered
}

func (s *Service) shouldPush(delivered int) bool {
	if s.pusher == nil {
		return false
	}
	return s.cfg.PushMode == PushAlways || delivered == 0
}

// startPush はプッシュ配信を開始する。シャットダウン中は開始しない。
func (s *Service) startPush(ctx context.Context, r event.Recipient, n event.Notification) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.logger.Warn("シャットダウン中のためプッシュ配信を行いません", "notification_id", n.ID)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	// リクエストの終了でプッシュ配信が打ち切られないよう、キャンセルだけを切り離す。
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PushTimeout)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.dispatch(pushCtx, r, n)
	}()
}

func (s *Service) dispatch(ctx context.Context, r event.Recipient, n event.Notification) {
	res, err := s.pusher.Dispatch(ctx, r, n)
	if err != nil {
		s.logger.Error("プッシュ配信に失敗", "recipient", r.String(), "notification_id", n.ID, "error", err)
		return
	}
	if res.Targets > 0 {
		s.logger.Info("プッシュ配信が完了しました",
			"recipient", r.String(),
			"notification_id", n.ID,
			"targets", res.Targets,
			"sent", res.Sent,
			"failed", len(res.Failed),
			"gone", len(res.Gone),
		)
	}
	if s.pruner == nil {
		return
	}
	for _, sub := range res.Gone {
		if err := s.pruner.DeactivateByID(ctx, sub.ID); err != nil {
			s.logger.Warn("無効な購読の整理に失敗", "subscription_id", sub.ID, "error", err)
		}
	}
}

// Shutdown は新しいプッシュ配信の受け付けを止め、実行中の配信の完了を待つ。
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("プッシュ配信の完了待ちが中断されました: %w", ctx.Err())
	}
}

package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/notify/pkg/event"
)

// Listener はBroadcasterから通知イベントを受け取る。
// Deliverは呼び出し元のゴルーチンで同期的に呼ばれるため、長時間ブロックしないこと。
type Listener interface {
	Deliver(ev event.Event) error
}

// ListenerFunc は関数をListenerとして扱うためのアダプタ。
type ListenerFunc func(ev event.Event) error

// Deliver はf(ev)を呼ぶ。
func (f ListenerFunc) Deliver(ev event.Event) error {
	return f(ev)
}

// Subscription はSubscribeで得られる登録の破棄ハンドル。
type Subscription struct {
	b    *Broadcaster
	h    handle
	once sync.Once
}

// Recipient は登録先の通知先を返す。
func (s *Subscription) Recipient() event.Recipient {
	return s.h.key
}

// Unsubscribe は登録を解除する。複数回呼んでも安全。
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.b.reg.unregister(s.h) {
			activeListeners.Dec()
		}
	})
}

// Broadcaster はプロセス内のPub/Sub。通知先ごとに登録されたリスナーへ通知を配る。
type Broadcaster struct {
	reg    *registry
	logger *slog.Logger
	now    func() time.Time

	// origin はこのプロセスの識別子。Relay経由で戻ってきた自分の通知を無視するために使う。
	origin string
	fwd    *forwarder
}

// BroadcasterOption はBroadcasterの設定を変更する。
type BroadcasterOption func(*Broadcaster)

// WithLogger はログ出力先を設定する。
func WithLogger(l *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) {
		b.logger = l
	}
}

// WithClock は時刻の取得方法を差し替える。
func WithClock(now func() time.Time) BroadcasterOption {
	return func(b *Broadcaster) {
		b.now = now
	}
}

// NewBroadcaster は新しいBroadcasterを生成する。
func NewBroadcaster(opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		reg:    newRegistry(),
		logger: slog.Default(),
		now:    time.Now,
		origin: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe は通知先にリスナーを登録する。
func (b *Broadcaster) Subscribe(key event.Recipient, l Listener) *Subscription {
	h := b.reg.register(key, l)
	activeListeners.Inc()
	return &Subscription{b: b, h: h}
}

// Publish は通知先に現在登録されているリスナーへ通知を配信し、配信できた数を返す。
// リスナーの失敗やパニックはログに記録して次のリスナーへ進み、呼び出し元には伝えない。
// 同じゴルーチンから同じ通知先へ発行した通知は、各リスナーに発行順で届く。
func (b *Broadcaster) Publish(key event.Recipient, n event.Notification) int {
	delivered := b.deliverLocal(key, n)
	if b.fwd != nil {
		b.fwd.enqueue(Envelope{Origin: b.origin, Recipient: key, Notification: n})
	}
	return delivered
}

// deliverLocal はこのプロセス内のリスナーにだけ配信する。
func (b *Broadcaster) deliverLocal(key event.Recipient, n event.Notification) int {
	listeners := b.reg.listenersFor(key)
	if len(listeners) == 0 {
		b.logger.Debug("接続中のリスナーがいないため通知を破棄します", "recipient", key.String())
		return 0
	}

	ev := event.NewNotification(key, n)
	ev.Timestamp = b.now().UTC()

	delivered := 0
	for _, l := range listeners {
		if err := b.invoke(l, ev); err != nil {
			listenerFailures.Inc()
			b.logger.Warn("リスナーへの配信に失敗",
				"recipient", key.String(),
				"notification_id", n.ID,
				"error", err,
			)
			continue
		}
		delivered++
	}
	eventsDelivered.WithLabelValues(string(event.KindNewNotification)).Add(float64(delivered))
	return delivered
}

// invoke はリスナーを呼び出し、パニックをエラーに変換する。
func (b *Broadcaster) invoke(l Listener, ev event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("リスナーがパニックしました: %v", r)
		}
	}()
	return l.Deliver(ev)
}

// ActiveCount は全通知先の登録リスナー数を返す。
func (b *Broadcaster) ActiveCount() int {
	return b.reg.activeCount()
}

// ListenerCount は通知先のリスナー数を返す。
func (b *Broadcaster) ListenerCount(key event.Recipient) int {
	return b.reg.countFor(key)
}

// RecipientCount はリスナーが1つ以上ある通知先の数を返す。
func (b *Broadcaster) RecipientCount() int {
	return b.reg.keys()
}

// AttachRelay は他レプリカとの中継を開始する。
// 以後Publishした通知はRelayにも送られ、他レプリカからの通知はローカルのリスナーに配信される。
// ctxがキャンセルされると受信を停止する。Publishが呼ばれ始める前に設定すること。
func (b *Broadcaster) AttachRelay(ctx context.Context, r Relay, queueSize int) error {
	if b.fwd != nil {
		return errors.New("Relayは既に設定されています")
	}
	b.fwd = newForwarder(r, queueSize, b.logger)
	go b.fwd.run(ctx)

	go func() {
		err := r.Listen(ctx, func(env Envelope) {
			if env.Origin == b.origin {
				return
			}
			b.deliverLocal(env.Recipient, env.Notification)
		})
		if err != nil && ctx.Err() == nil {
			b.logger.Error("Relayの受信が停止しました", "error", err)
		}
	}()
	return nil
}

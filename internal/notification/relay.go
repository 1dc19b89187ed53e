package notification

import (
	"context"
	"log/slog"
	"time"

	"github.com/nao1215/notify/pkg/event"
)

// Envelope はレプリカ間で中継する通知。
type Envelope struct {
	// Origin は発行したプロセスの識別子。
	Origin string `json:"origin"`
	// Recipient は通知先。
	Recipient event.Recipient `json:"recipient"`
	// Notification は通知本体。
	Notification event.Notification `json:"notification"`
}

// Relay はレプリカ間で通知を中継するメッセージバス。
type Relay interface {
	// Publish は他のレプリカへ通知を送る。
	Publish(ctx context.Context, env Envelope) error
	// Listen はctxがキャンセルされるまで受信した通知をfnに渡す。
	Listen(ctx context.Context, fn func(Envelope)) error
	// Close は接続を閉じる。
	Close() error
}

// relayPublishTimeout はRelayへの1件の送信にかける上限時間。
const relayPublishTimeout = 5 * time.Second

// forwarder はRelayへの送信を1つのゴルーチンに直列化する。
// ローカル配信をRelayの遅延から切り離しつつ、同じ通知先への発行順を保つ。
type forwarder struct {
	relay  Relay
	queue  chan Envelope
	logger *slog.Logger
}

func newForwarder(r Relay, size int, logger *slog.Logger) *forwarder {
	if size <= 0 {
		size = 256
	}
	return &forwarder{relay: r, queue: make(chan Envelope, size), logger: logger}
}

// enqueue は送信キューに積む。キューが満杯なら破棄してログに残す。
func (f *forwarder) enqueue(env Envelope) {
	select {
	case f.queue <- env:
	default:
		relayDropped.Inc()
		f.logger.Warn("Relay送信キューが満杯のため通知を破棄します", "recipient", env.Recipient.String())
	}
}

func (f *forwarder) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-f.queue:
			sendCtx, cancel := context.WithTimeout(ctx, relayPublishTimeout)
			if err := f.relay.Publish(sendCtx, env); err != nil {
				relayDropped.Inc()
				f.logger.Warn("Relayへの送信に失敗", "recipient", env.Recipient.String(), "error", err)
			}
			cancel()
		}
	}
}

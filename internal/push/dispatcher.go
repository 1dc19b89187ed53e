package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nao1215/notify/pkg/event"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

// ErrGone はエンドポイントが恒久的に無効になった（404/410）ことを表す。
// 購読レコードの整理は所有者側の責務で、Dispatcherは結果として報告するだけ。
var ErrGone = errors.New("プッシュエンドポイントは無効です")

// Transport は外部のプッシュ配信サービスへの送信を行う。
type Transport interface {
	Send(ctx context.Context, sub Subscription, payload []byte) error
}

// TransportFunc は関数をTransportとして扱うためのアダプタ。
type TransportFunc func(ctx context.Context, sub Subscription, payload []byte) error

// Send はf(ctx, sub, payload)を呼ぶ。
func (f TransportFunc) Send(ctx context.Context, sub Subscription, payload []byte) error {
	return f(ctx, sub, payload)
}

var pushSends = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "notify_push_sends_total",
	Help: "Push deliveries by result (sent, failed, gone).",
}, []string{"result"})

// Failure は1エンドポイントへの送信失敗。
type Failure struct {
	// Subscription は失敗した購読。
	Subscription Subscription
	// Err は失敗の原因。
	Err error
}

// Result は1回のDispatchの結果。
type Result struct {
	// Targets は送信対象の購読数。
	Targets int
	// Sent は送信に成功した数。
	Sent int
	// Failed は一時的な失敗。
	Failed []Failure
	// Gone は恒久的に無効なエンドポイント。所有者が整理するための手がかり。
	Gone []Subscription
}

// DispatcherConfig はDispatcherの設定。
type DispatcherConfig struct {
	// SendTimeout は1エンドポイントへの送信にかける上限時間。
	SendTimeout time.Duration
	// Concurrency は同時に送信するエンドポイント数の上限。
	Concurrency int
	// Icon はペイロードに設定するアイコンURL。
	Icon string
	// Badge はペイロードに設定するバッジURL。
	Badge string
}

// Dispatcher は通知先の全プッシュ購読へ通知を送る。
type Dispatcher struct {
	store     Store
	transport Transport
	cfg       DispatcherConfig
	logger    *slog.Logger
}

// NewDispatcher は新しいDispatcherを生成する。
func NewDispatcher(store Store, transport Transport, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: store, transport: transport, cfg: cfg, logger: logger}
}

// Dispatch は通知先の有効な購読それぞれにペイロードを送る。
// ライブストリームの接続有無には関係なく送信する。
// 購読の取得に失敗した場合のみエラーを返し、エンドポイント単位の失敗はResultに記録する。
func (d *Dispatcher) Dispatch(ctx context.Context, r event.Recipient, n event.Notification) (Result, error) {
	subs, err := d.store.ActiveSubscriptionsFor(ctx, r.Type, r.ID)
	if err != nil {
		return Result{}, fmt.Errorf("購読の取得に失敗 (recipient=%s): %w", r, err)
	}
	res := Result{Targets: len(subs)}
	if len(subs) == 0 {
		return res, nil
	}

	p := event.NewPushPayload(r, n)
	p.Icon = d.cfg.Icon
	p.Badge = d.cfg.Badge
	payload, err := event.EncodePush(p)
	if err != nil {
		return res, err
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(d.cfg.Concurrency)
	for _, sub := range subs {
		g.Go(func() error {
			err := d.send(ctx, sub, payload)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Sent++
				pushSends.WithLabelValues("sent").Inc()
			case errors.Is(err, ErrGone):
				res.Gone = append(res.Gone, sub)
				pushSends.WithLabelValues("gone").Inc()
				d.logger.Info("プッシュエンドポイントが無効になっています",
					"recipient", r.String(), "subscription_id", sub.ID, "error", err)
			default:
				res.Failed = append(res.Failed, Failure{Subscription: sub, Err: err})
				pushSends.WithLabelValues("failed").Inc()
				d.logger.Warn("プッシュ通知の送信に失敗",
					"recipient", r.String(), "subscription_id", sub.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return res, nil
}

// send は1エンドポイントに送信する。パニックも失敗として扱う。
func (d *Dispatcher) send(ctx context.Context, sub Subscription, payload []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("送信中にパニックしました: %v", rec)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()
	return d.transport.Send(ctx, sub, payload)
}

// 通知サーバーのエントリポイント。
// ブラウザへのライブストリーム（SSE/WebSocket）とWeb Pushで通知を配信する。
// 設定はすべて環境変数から読み込む。
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nao1215/notify/internal/agent"
	"github.com/nao1215/notify/internal/config"
	"github.com/nao1215/notify/internal/notification"
	"github.com/nao1215/notify/internal/push"
	"github.com/nao1215/notify/internal/relay"
	"github.com/nao1215/notify/pkg/logger"
	"github.com/nao1215/notify/pkg/tracing"
)

// shutdownTimeout はシャットダウン時に処理中のリクエストとプッシュ配信を待つ上限時間。
const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("通知サービスの起動に失敗: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	l := logger.Init(logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, "notification", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			l.Warn("トレーサーの停止に失敗", "error", err)
		}
	}()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	b := notification.NewBroadcaster(notification.WithLogger(l))
	relayHealthy, err := attachRelay(ctx, cfg, b, l)
	if err != nil {
		return err
	}

	mode, err := notification.ParsePushMode(cfg.PushMode)
	if err != nil {
		return err
	}
	// プッシュ配信を行わない場合はPusherをnilのままにする。
	var pusher notification.Pusher
	if cfg.PushEnabled() {
		transport := push.NewWebPushTransport(push.VAPIDConfig{
			PublicKey:  cfg.VAPIDPublicKey,
			PrivateKey: cfg.VAPIDPrivateKey,
			Subject:    cfg.VAPIDSubject,
		}, cfg.PushTTL, nil)
		pusher = push.NewDispatcher(store, transport, push.DispatcherConfig{
			SendTimeout: cfg.PushTimeout,
			Concurrency: cfg.PushConcurrency,
			Icon:        agent.DefaultIcon,
			Badge:       agent.DefaultBadge,
		}, l)
	} else {
		l.Warn("VAPID鍵が未設定のためプッシュ配信を無効にします")
	}

	svc := notification.NewService(b, pusher, store, notification.ServiceConfig{
		PushMode: mode,
		Logger:   l,
	})
	server := notification.NewServer(notification.ServerConfig{
		Port:              cfg.Port,
		JWTSecret:         cfg.JWTSecret,
		InternalToken:     cfg.InternalAPIKey,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SessionBuffer:     cfg.SessionBuffer,
		VAPIDPublicKey:    cfg.VAPIDPublicKey,
		AllowedOrigins:    cfg.AllowedOrigins,
		RelayHealthy:      relayHealthy,
		Logger:            l,
	}, b, svc, store)

	errCh := make(chan error, 1)
	go func() {
		l.Info("通知サービスを起動します", "port", cfg.Port, "push_mode", mode, "relay", cfg.RelayBackend)
		errCh <- server.Run()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	l.Info("通知サービスを停止します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("シャットダウンに失敗: %w", err)
	}
	return nil
}

// openStore はDB_DRIVERに応じてプッシュ購読の保存先を開く。
func openStore(ctx context.Context, cfg *config.Config) (push.Repository, error) {
	switch cfg.DBDriver {
	case "postgres":
		store, err := push.OpenPostgres(ctx, cfg.DBDSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "sqlite":
		store, err := push.OpenSQLite(ctx, cfg.DBDSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("未知のDB_DRIVERです: %q", cfg.DBDriver)
	}
}

// attachRelay はRELAY_BACKENDに応じてレプリカ間の中継を開始する。
// 中継の接続はctxがキャンセルされると閉じる。接続状態を確認できる場合はその関数を返す。
func attachRelay(ctx context.Context, cfg *config.Config, b *notification.Broadcaster, l *slog.Logger) (func() bool, error) {
	var (
		r       notification.Relay
		healthy func() bool
		err     error
	)
	switch cfg.RelayBackend {
	case "none":
		return nil, nil
	case "redis":
		r, err = relay.DialRedis(ctx, cfg.RedisAddr, cfg.RedisChannel, l)
	case "nats":
		var n *relay.NATS
		n, err = relay.DialNATS(cfg.NATSURL, cfg.NATSSubject, l)
		if err == nil {
			r, healthy = n, n.IsConnected
		}
	default:
		err = errors.New("未知のRELAY_BACKENDです")
	}
	if err != nil {
		return nil, fmt.Errorf("Relayの接続に失敗 (backend=%s): %w", cfg.RelayBackend, err)
	}
	if err := b.AttachRelay(ctx, r, 0); err != nil {
		_ = r.Close()
		return nil, err
	}
	go func() {
		<-ctx.Done()
		if err := r.Close(); err != nil {
			l.Warn("Relayの切断に失敗", "error", err)
		}
	}()
	return healthy, nil
}

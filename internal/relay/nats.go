package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nao1215/notify/internal/notification"
	natspkg "github.com/nats-io/nats.go"
)

// NATS はNATSのサブジェクトで通知を中継する。
type NATS struct {
	nc      *natspkg.Conn
	subject string
	logger  *slog.Logger
}

// DialNATS はNATSに接続する。切断時は自動で再接続し続ける。
func DialNATS(url, subject string, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("relay", "nats", "subject", subject)

	nc, err := natspkg.Connect(url,
		natspkg.Name("notify"),
		natspkg.MaxReconnects(-1),
		natspkg.DisconnectErrHandler(func(_ *natspkg.Conn, err error) {
			if err != nil {
				logger.Warn("NATSから切断されました", "error", err)
			}
		}),
		natspkg.ReconnectHandler(func(nc *natspkg.Conn) {
			logger.Info("NATSに再接続しました", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("NATSへの接続に失敗 (url=%s): %w", url, err)
	}
	return &NATS{nc: nc, subject: subject, logger: logger}, nil
}

// Publish は通知をサブジェクトに発行する。
func (n *NATS) Publish(ctx context.Context, env notification.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(env)
	if err != nil {
		return err
	}
	if err := n.nc.Publish(n.subject, data); err != nil {
		return fmt.Errorf("NATSへの発行に失敗: %w", err)
	}
	return nil
}

// Listen はctxがキャンセルされるまでサブジェクトを購読する。
func (n *NATS) Listen(ctx context.Context, fn func(notification.Envelope)) error {
	sub, err := n.nc.Subscribe(n.subject, func(msg *natspkg.Msg) {
		dispatch(msg.Data, fn, n.logger)
	})
	if err != nil {
		return fmt.Errorf("NATSの購読に失敗: %w", err)
	}
	n.logger.Info("Relayの受信を開始しました")

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil && n.nc.Status() == natspkg.CONNECTED {
		return fmt.Errorf("NATSの購読解除に失敗: %w", err)
	}
	return nil
}

// IsConnected はNATSに接続中かどうかを返す。
func (n *NATS) IsConnected() bool {
	return n.nc != nil && n.nc.Status() == natspkg.CONNECTED
}

// Close は接続を閉じる。
func (n *NATS) Close() error {
	n.nc.Close()
	return nil
}

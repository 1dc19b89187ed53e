package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nao1215/notify/internal/notification"
	"github.com/redis/go-redis/v9"
)

// Redis はRedisのPub/Subチャネルで通知を中継する。
type Redis struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// DialRedis はRedisに接続して疎通を確認する。
func DialRedis(ctx context.Context, addr, channel string, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗 (addr=%s): %w", addr, err)
	}
	return NewRedis(client, channel, logger), nil
}

// NewRedis は既存のクライアントからRedisを生成する。
func NewRedis(client *redis.Client, channel string, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, channel: channel, logger: logger.With("relay", "redis", "channel", channel)}
}

// Publish は通知をチャネルに発行する。
func (r *Redis) Publish(ctx context.Context, env notification.Envelope) error {
	data, err := encode(env)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("Redisへの発行に失敗: %w", err)
	}
	return nil
}

// Listen はctxがキャンセルされるまでチャネルを購読する。
func (r *Redis) Listen(ctx context.Context, fn func(notification.Envelope)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer func() { _ = sub.Close() }()

	// 購読の確立を待ってから受信を始める。
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("Redisの購読に失敗: %w", err)
	}
	r.logger.Info("Relayの受信を開始しました")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("Redisの購読が閉じられました")
			}
			dispatch([]byte(msg.Payload), fn, r.logger)
		}
	}
}

// Close はクライアントを閉じる。
func (r *Redis) Close() error {
	return r.client.Close()
}

// Package config は環境変数からサーバーの設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config は通知サーバーの設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string `env:"PORT" env-default:"8080"`
	// LogLevel はログレベル（debug, info, warn, error）。
	LogLevel string `env:"LOG_LEVEL" env-default:"info"`
	// JWTSecret はストリーム接続の認証トークンを検証する鍵。
	JWTSecret string `env:"JWT_SECRET" env-default:"dev-secret-key"`
	// InternalAPIKey は内部APIの呼び出しに必要なトークン。空なら内部APIは常に拒否する。
	InternalAPIKey string `env:"INTERNAL_API_KEY"`

	// DBDriver はプッシュ購読の保存先（sqlite, postgres）。
	DBDriver string `env:"DB_DRIVER" env-default:"sqlite"`
	// DBDSN はデータベースの接続文字列。
	DBDSN string `env:"DB_DSN" env-default:"/data/notify.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"`

	// HeartbeatInterval はストリームのハートビート間隔。
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" env-default:"30s"`
	// SessionBuffer はセッションごとの送信キューのサイズ。
	SessionBuffer int `env:"SESSION_BUFFER" env-default:"64"`

	// PushMode はプッシュ通知を送る条件（always, offline）。
	PushMode string `env:"PUSH_MODE" env-default:"always"`
	// PushTimeout は1エンドポイントへの送信にかける上限時間。
	PushTimeout time.Duration `env:"PUSH_TIMEOUT" env-default:"10s"`
	// PushConcurrency は同時に送信するエンドポイント数の上限。
	PushConcurrency int `env:"PUSH_CONCURRENCY" env-default:"4"`
	// PushTTL はプッシュサービスがメッセージを保持する秒数。
	PushTTL int `env:"PUSH_TTL" env-default:"86400"`
	// VAPIDPublicKey はVAPID公開鍵。空ならプッシュ配信を行わない。
	VAPIDPublicKey string `env:"VAPID_PUBLIC_KEY"`
	// VAPIDPrivateKey はVAPID秘密鍵。
	VAPIDPrivateKey string `env:"VAPID_PRIVATE_KEY"`
	// VAPIDSubject はプッシュサービス運営者への連絡先。
	VAPIDSubject string `env:"VAPID_SUBJECT" env-default:"mailto:admin@example.com"`

	// RelayBackend はレプリカ間の中継に使うメッセージバス（none, redis, nats）。
	RelayBackend string `env:"RELAY_BACKEND" env-default:"none"`
	// RedisAddr はRedisのアドレス。
	RedisAddr string `env:"REDIS_ADDR" env-default:"localhost:6379"`
	// RedisChannel は中継に使うRedisのチャネル名。
	RedisChannel string `env:"REDIS_CHANNEL" env-default:"notify:notifications"`
	// NATSURL はNATSサーバーのURL。
	NATSURL string `env:"NATS_URL" env-default:"nats://127.0.0.1:4222"`
	// NATSSubject は中継に使うNATSのサブジェクト。
	NATSSubject string `env:"NATS_SUBJECT" env-default:"notify.notifications"`

	// OTLPEndpoint はトレースの送信先。空ならトレースを送信しない。
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// AllowedOrigins はCORSとWebSocketで許可するオリジン。
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" env-separator:","`
}

// Load は環境変数から設定を読み込み、検証する。
func Load() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PushEnabled はVAPID鍵が設定されていてプッシュ配信を行えるかどうかを返す。
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// Validate は設定値の組み合わせを検証する。
func (c *Config) Validate() error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRETが空です"))
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVERが不正です: %q", c.DBDriver))
	}
	if c.DBDSN == "" {
		errs = append(errs, errors.New("DB_DSNが空です"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("HEARTBEAT_INTERVALは正の値である必要があります: %s", c.HeartbeatInterval))
	}
	if c.SessionBuffer <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_BUFFERは正の値である必要があります: %d", c.SessionBuffer))
	}
	switch c.PushMode {
	case "always", "offline":
	default:
		errs = append(errs, fmt.Errorf("PUSH_MODEが不正です: %q", c.PushMode))
	}
	if c.PushTimeout <= 0 {
		errs = append(errs, fmt.Errorf("PUSH_TIMEOUTは正の値である必要があります: %s", c.PushTimeout))
	}
	if c.PushConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("PUSH_CONCURRENCYは正の値である必要があります: %d", c.PushConcurrency))
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		errs = append(errs, errors.New("VAPID_PUBLIC_KEYとVAPID_PRIVATE_KEYは両方設定する必要があります"))
	}
	switch c.RelayBackend {
	case "none", "redis", "nats":
	default:
		errs = append(errs, fmt.Errorf("RELAY_BACKENDが不正です: %q", c.RelayBackend))
	}

	if len(errs) > 0 {
		return fmt.Errorf("設定が不正です: %w", errors.Join(errs...))
	}
	return nil
}

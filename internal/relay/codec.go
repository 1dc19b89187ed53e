package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nao1215/notify/internal/notification"
)

func encode(env notification.Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("中継メッセージのシリアライズに失敗: %w", err)
	}
	return b, nil
}

func decode(data []byte) (notification.Envelope, error) {
	var env notification.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return notification.Envelope{}, fmt.Errorf("中継メッセージのデシリアライズに失敗: %w", err)
	}
	if env.Origin == "" {
		return notification.Envelope{}, errors.New("中継メッセージに発行元がありません")
	}
	return env, nil
}

// dispatch は受信したメッセージを解析してfnに渡す。不正なメッセージは読み飛ばす。
func dispatch(data []byte, fn func(notification.Envelope), logger *slog.Logger) {
	env, err := decode(data)
	if err != nil {
		logger.Warn("不正な中継メッセージを破棄します", "error", err)
		return
	}
	fn(env)
}

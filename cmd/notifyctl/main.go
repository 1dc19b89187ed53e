// notifyctlは通知サーバーの運用コマンド。
// VAPID鍵とストリーム接続用トークンの発行、内部APIからの通知発行、
// プッシュペイロードの表示確認を行う。
package main

import (
	"context"
	"os"
	"os/signal"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

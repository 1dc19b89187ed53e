package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// defaultServerURL は--serverを省略した場合の接続先。
const defaultServerURL = "http://localhost:8080"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "notifyctl",
		Short:        "通知サーバーの運用コマンド",
		SilenceUsage: true,
	}
	root.AddCommand(
		newVAPIDCmd(),
		newTokenCmd(),
		newSendCmd(),
		newStatsCmd(),
		newRenderPushCmd(),
	)
	return root
}

// envOr は環境変数が設定されていればその値を、なければfallbackを返す。
func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// printJSON はvをインデント付きのJSONで書き出す。
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/nao1215/notify/internal/agent"
	"github.com/spf13/cobra"
)

func newRenderPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "render-push [file]",
		Short: "プッシュペイロードを表示用の通知に変換する",
		Long: "ワーカーと同じ規則でプッシュペイロードを解釈し、表示される通知をJSONで出力する。" +
			"ファイルを省略するか - を指定すると標準入力から読む。",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), agent.Render(agent.ParsePayload(data)))
		},
	}
}

func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("標準入力の読み込みに失敗: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("ファイルの読み込みに失敗: %w", err)
	}
	return data, nil
}

package main

import (
	"fmt"

	"github.com/nao1215/notify/internal/push"
	"github.com/spf13/cobra"
)

func newVAPIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vapid",
		Short: "VAPID鍵ペアを生成する",
		Long:  "Web Pushの送信に使うVAPID鍵ペアを生成し、環境変数の形式で出力する。",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pub, priv, err := push.GenerateVAPIDKeys()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "VAPID_PUBLIC_KEY=%s\n", pub)
			fmt.Fprintf(out, "VAPID_PRIVATE_KEY=%s\n", priv)
			return nil
		},
	}
}

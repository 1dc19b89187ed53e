package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/notify/pkg/event"
	"github.com/nao1215/notify/pkg/middleware"
	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	var (
		secret string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:     "token <type:id>",
		Short:   "ストリーム接続用のトークンを発行する",
		Long:    "通知先（user:7 や customer:55）に紐づくJWTを発行する。開発や動作確認用。",
		Example: "  notifyctl token user:7 --ttl 1h",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := event.ParseRecipient(args[0])
			if err != nil {
				return err
			}
			if secret == "" {
				return errors.New("--secretまたはJWT_SECRETを指定してください")
			}
			if ttl <= 0 {
				return fmt.Errorf("--ttlは正の値である必要があります: %s", ttl)
			}
			token, err := middleware.GenerateJWT(secret, r, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", envOr("JWT_SECRET", ""), "署名鍵（既定値はJWT_SECRET）")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "有効期間")
	return cmd
}

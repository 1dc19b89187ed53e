package main

import (
	"github.com/nao1215/notify/pkg/event"
	"github.com/nao1215/notify/pkg/httpclient"
	"github.com/spf13/cobra"
)

// serverFlags は内部APIへの接続設定。
type serverFlags struct {
	url   string
	token string
}

func (f *serverFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "server", envOr("NOTIFY_URL", defaultServerURL), "通知サーバーのURL（既定値はNOTIFY_URL）")
	cmd.Flags().StringVar(&f.token, "token", envOr("INTERNAL_API_KEY", ""), "内部APIのトークン（既定値はINTERNAL_API_KEY）")
}

func (f *serverFlags) client() *httpclient.Client {
	return httpclient.New(f.url, httpclient.WithInternalToken(f.token))
}

func newSendCmd() *cobra.Command {
	var (
		server     serverFlags
		title      string
		message    string
		category   string
		url        string
		senderName string
		senderID   int64
	)
	cmd := &cobra.Command{
		Use:     "send <type:id>",
		Short:   "通知を発行する",
		Long:    "内部APIで通知先に通知を発行し、ライブ配信できたリスナー数を表示する。",
		Example: `  notifyctl send user:7 --title "Invoice due" --message "#1042"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := event.ParseRecipient(args[0])
			if err != nil {
				return err
			}
			req := httpclient.NotifyRequest{
				SubjectType: string(r.Type),
				SubjectID:   r.ID,
				Title:       title,
				Message:     message,
				Category:    category,
				SenderName:  senderName,
				URL:         url,
			}
			if cmd.Flags().Changed("sender-id") {
				req.SenderID = &senderID
			}
			resp, err := server.client().Notify(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	server.register(cmd)
	cmd.Flags().StringVar(&title, "title", "", "タイトル")
	cmd.Flags().StringVar(&message, "message", "", "メッセージ")
	cmd.Flags().StringVar(&category, "category", "", "分類（invoice, system など）")
	cmd.Flags().StringVar(&url, "url", "", "クリック時の遷移先")
	cmd.Flags().StringVar(&senderName, "sender-name", "", "送信者の表示名")
	cmd.Flags().Int64Var(&senderID, "sender-id", 0, "送信者のID")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func newStatsCmd() *cobra.Command {
	var server serverFlags
	cmd := &cobra.Command{
		Use:   "stats [type:id]",
		Short: "接続状況を表示する",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var recipient string
			if len(args) == 1 {
				r, err := event.ParseRecipient(args[0])
				if err != nil {
					return err
				}
				recipient = r.String()
			}
			stats, err := server.client().Stats(cmd.Context(), recipient)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
	server.register(cmd)
	return cmd
}

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/tabelist/internal/notification"
)

type announceOptions struct {
	title      string
	message    string
	actionURL  string
	recipients []string
	expiresIn  time.Duration
}

func newAnnounceCmd(opts *rootOptions) *cobra.Command {
	a := &announceOptions{}

	cmd := &cobra.Command{
		Use:   "announce",
		Short: "運営からのお知らせを送信する",
		Long:  "--recipientを省略すると、直近にアクセスしたユーザー全員にお知らせを送信します。",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			engine, closeFn, err := openEngine(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeFn()

			in := notification.Announcement{
				Title:        a.title,
				Message:      a.message,
				ActionURL:    a.actionURL,
				RecipientIDs: a.recipients,
			}
			if a.expiresIn > 0 {
				exp := time.Now().Add(a.expiresIn)
				in.ExpiresAt = &exp
			}

			res, err := engine.Handlers.SendSystemAnnouncement(cmd.Context(), in)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "作成: %d件 スキップ: %d件 失敗: %d件\n", len(res.Created), res.Skipped, len(res.Failed))
			for _, f := range res.Failed {
				fmt.Fprintf(out, "  %s: %v\n", f.Key, f.Err)
			}
			if len(res.Failed) > 0 {
				return errors.New("一部の宛先への送信に失敗しました")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&a.title, "title", "", "お知らせのタイトル")
	cmd.Flags().StringVar(&a.message, "message", "", "お知らせの本文")
	cmd.Flags().StringVar(&a.actionURL, "action-url", "", "お知らせのリンク先")
	cmd.Flags().StringSliceVar(&a.recipients, "recipient", nil, "宛先のユーザーID（複数指定可）")
	cmd.Flags().DurationVar(&a.expiresIn, "expires-in", 0, "有効期間（例: 72h）。0なら無期限")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

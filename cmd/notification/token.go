package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/tabelist/pkg/middleware"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		email string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "開発用のJWTを発行する",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			token, err := middleware.GenerateJWT(cfg.JWTSecret, args[0], email, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "トークンに含めるメールアドレス")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "トークンの有効期間")
	return cmd
}

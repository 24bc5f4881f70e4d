package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "期限切れの通知を1回だけ削除する",
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

			report := engine.Sweeper.SweepOnce(cmd.Context())
			if report.PurgeErr != nil {
				return fmt.Errorf("期限切れ通知の削除に失敗: %w", report.PurgeErr)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "期限切れの通知を%d件削除しました\n", report.Purged)
			return nil
		},
	}
}

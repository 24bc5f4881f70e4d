package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/nao1215/tabelist/internal/config"
	"github.com/nao1215/tabelist/internal/notification"
	"github.com/nao1215/tabelist/internal/notification/db"
	"github.com/nao1215/tabelist/pkg/logging"
)

// rootOptions は全サブコマンドで共有するフラグ。
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "notification",
		Short:         "tabelistの通知サービス",
		Long:          "リストへのいいね、フォロー、投稿審査などの出来事からユーザーへの通知を作成し、SSEとWebSocketで配信します。",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "notification.yaml", "設定ファイルのパス（存在しなければデフォルト値と環境変数を使用）")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newSweepCmd(opts))
	cmd.AddCommand(newAnnounceCmd(opts))
	cmd.AddCommand(newTokenCmd(opts))
	return cmd
}

// Execute はルートコマンドを実行する。
func Execute() error {
	return newRootCmd().Execute()
}

// loadConfig は設定を読み込み、設定のログレベルでロガーを構築する。
func (o *rootOptions) loadConfig(w io.Writer) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logging.New(cfg.LogLevel, w), nil
}

// openEngine はデータベースを開き、カタログに依存しない用途のEngineを組み立てる。
// 戻り値のcloseでEngineとデータベースを閉じる。
func openEngine(ctx context.Context, cfg config.Config, logger *slog.Logger) (*notification.Engine, func(), error) {
	store, err := db.Open(ctx, cfg.DatabasePath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("データベースを開けません: %w", err)
	}
	engine := notification.NewEngine(store, nil, notification.EngineConfig{
		SweepInterval:  cfg.SweepInterval,
		AudienceWindow: cfg.AudienceWindow,
		Triggers:       notification.TriggerOptions{Async: false},
	}, logger)
	return engine, func() {
		engine.Close()
		_ = store.Close()
	}, nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/tabelist/internal/config"
	"github.com/nao1215/tabelist/internal/notification"
	"github.com/nao1215/tabelist/internal/notification/broker"
	"github.com/nao1215/tabelist/internal/notification/cache"
	"github.com/nao1215/tabelist/internal/notification/db"
	"github.com/nao1215/tabelist/pkg/httpclient"
	"github.com/nao1215/tabelist/pkg/middleware"
)

// serviceSubject はサービス間通信のトークンに使う主体。
const serviceSubject = "notification-service"

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "通知サーバーを起動する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.loadConfig(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

// serve は通知サーバーを組み立てて起動し、ctxがキャンセルされるまでブロックする。
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	sqlStore, err := db.Open(ctx, cfg.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("データベースを開けません: %w", err)
	}
	defer func() { _ = sqlStore.Close() }()

	var store notification.Store = sqlStore
	if cfg.RedisURL != "" {
		client, err := cache.Dial(ctx, cfg.RedisURL)
		if err != nil {
			// キャッシュなしでも動作に支障はない
			logger.WarnContext(ctx, "Redisに接続できないため未読件数をキャッシュしません", "error", err)
		} else {
			defer func() { _ = client.Close() }()
			store = cache.New(sqlStore, client, logger.With("component", "cache"))
		}
	}

	token, err := middleware.GenerateJWT(cfg.JWTSecret, serviceSubject, "", 365*24*time.Hour)
	if err != nil {
		return fmt.Errorf("サービス間トークンの生成に失敗: %w", err)
	}
	directory := notification.NewCatalogDirectory(
		httpclient.New(cfg.CatalogURL, httpclient.WithTimeout(5*time.Second), httpclient.WithBearerToken(token)),
	)

	engine := notification.NewEngine(store, directory, notification.EngineConfig{
		SweepInterval:  cfg.SweepInterval,
		AudienceWindow: cfg.AudienceWindow,
		Triggers:       notification.TriggerOptions{Async: cfg.AsyncTriggers},
	}, logger)
	defer engine.Close()

	// 発行先はengine.Closeで実行中のトリガーが終わった後に閉じられる
	for _, sender := range newSenders(ctx, cfg, token, logger) {
		engine.Attach(broker.NewObserver(sender, broker.DefaultPublishTimeout, logger.With("component", "broker")))
	}

	engine.Start(ctx)

	origins := []string{}
	if cfg.FrontendURL != "" {
		origins = append(origins, cfg.FrontendURL)
	}
	server := notification.NewServer(engine, notification.ServerConfig{
		Addr:           cfg.Addr(),
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: origins,
	}, logger)
	return server.Run(ctx)
}

// newSenders は設定に応じてNotificationCreatedイベントの発行先を組み立てる。
// RabbitMQに接続できない場合はログ出力のみの発行先に切り替える。
func newSenders(ctx context.Context, cfg config.Config, token string, logger *slog.Logger) []broker.Sender {
	var senders []broker.Sender

	if cfg.AMQPURL != "" {
		conn, err := broker.DialWithRetry(ctx, broker.ConnectionOptions{
			URL:           cfg.AMQPURL,
			RetryAttempts: 5,
			Delay:         time.Second,
		}, logger)
		var sender broker.Sender
		if err == nil {
			sender, err = broker.NewAMQPSender(conn, cfg.AMQPExchange, logger)
		}
		if err != nil {
			logger.WarnContext(ctx, "RabbitMQを利用できないためイベントはログにのみ出力します", "error", err)
			sender = broker.NewFallbackSender(logger)
		}
		senders = append(senders, sender)
	}

	if cfg.EventStoreURL != "" {
		client := httpclient.New(cfg.EventStoreURL, httpclient.WithTimeout(5*time.Second), httpclient.WithBearerToken(token))
		senders = append(senders, broker.NewEventStoreSender(client))
	}
	return senders
}

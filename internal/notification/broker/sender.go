package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/nao1215/tabelist/pkg/event"
)

// Sender はイベントを発行先へ送る。
type Sender interface {
	Send(ctx context.Context, routingKey string, e *event.Event) error
	Close() error
}

// ErrNotConfirmed はブローカーがメッセージを受理しなかったことを表す。
var ErrNotConfirmed = errors.New("ブローカーがメッセージを受理しませんでした")

// RoutingKey は通知種別からルーティングキーを生成する。例: notification.created.like_list
func RoutingKey(notificationType string) string {
	return "notification.created." + strings.ToLower(notificationType)
}

// AMQPSender はRabbitMQのトピック交換機へイベントを発行する。
// 発行ごとにチャネルを開き、パブリッシャー確認を待つ。
type AMQPSender struct {
	conn     *amqp091.Connection
	exchange string
	logger   *slog.Logger
}

// NewAMQPSender は交換機を宣言してAMQPSenderを返す。connの所有権はAMQPSenderに移る。
func NewAMQPSender(conn *amqp091.Connection, exchange string, logger *slog.Logger) (*AMQPSender, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("チャネルのオープンに失敗: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("交換機 %s の宣言に失敗: %w", exchange, err)
	}
	return &AMQPSender{conn: conn, exchange: exchange, logger: logger}, nil
}

// Send はイベントをJSONにして永続メッセージとして発行し、ブローカーの確認を待つ。
func (s *AMQPSender) Send(ctx context.Context, routingKey string, e *event.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("イベントのシリアライズに失敗: %w", err)
	}

	ch, err := s.conn.Channel()
	if err != nil {
		return fmt.Errorf("チャネルのオープンに失敗: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("確認モードへの切り替えに失敗: %w", err)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, s.exchange, routingKey, false, false,
		amqp091.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp091.Persistent,
			MessageId:     e.ID,
			CorrelationId: e.AggregateID,
			Type:          string(e.EventType),
			Timestamp:     time.Now(),
			Body:          body,
		},
	)
	if err != nil {
		return fmt.Errorf("メッセージの発行に失敗: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("発行確認の待機に失敗: %w", err)
	}
	if !acked {
		return ErrNotConfirmed
	}
	s.logger.DebugContext(ctx, "イベントを発行しました", "routing_key", routingKey, "exchange", s.exchange, "event_id", e.ID)
	return nil
}

// Close は接続を閉じる。
func (s *AMQPSender) Close() error {
	return s.conn.Close()
}

// FallbackSender はブローカーに接続できない場合に使用し、イベントを破棄してログに残す。
type FallbackSender struct {
	logger *slog.Logger
}

// NewFallbackSender はFallbackSenderを返す。
func NewFallbackSender(logger *slog.Logger) *FallbackSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackSender{logger: logger}
}

// Send はイベントを発行せずに破棄する。
func (s *FallbackSender) Send(ctx context.Context, routingKey string, e *event.Event) error {
	s.logger.WarnContext(ctx, "ブローカー未接続のためイベントを破棄しました", "routing_key", routingKey, "event_id", e.ID)
	return nil
}

// Close は何もしない。
func (s *FallbackSender) Close() error { return nil }

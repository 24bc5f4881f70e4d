package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nao1215/tabelist/internal/notification"
	"github.com/nao1215/tabelist/pkg/event"
)

// DefaultPublishTimeout は1件のイベント発行に許す時間。
const DefaultPublishTimeout = 5 * time.Second

// Observer は通知の作成をNotificationCreatedイベントとしてSenderへ発行する。
// 発行はゴルーチンで行い、通知の作成処理を待たせない。
// Close後に届いた通知は発行せずログに残す。
type Observer struct {
	sender  Sender
	timeout time.Duration
	logger  *slog.Logger

	// mu はclosedとwg.Addを保護する。
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var _ notification.Observer = (*Observer)(nil)

// NewObserver はsenderへ発行するObserverを返す。timeoutが0以下ならDefaultPublishTimeoutを使う。
func NewObserver(sender Sender, timeout time.Duration, logger *slog.Logger) *Observer {
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{sender: sender, timeout: timeout, logger: logger}
}

// NotificationCreated はイベントを組み立てて非同期に発行する。失敗はログに残すだけにする。
func (o *Observer) NotificationCreated(ctx context.Context, n notification.Notification) {
	e, err := event.NotificationCreated(event.NotificationCreatedData{
		NotificationID:   n.ID,
		RecipientID:      n.RecipientID,
		SenderID:         n.SenderID,
		NotificationType: string(n.Type),
		Title:            n.Title,
		Message:          n.Message,
		ActionURL:        n.ActionURL,
	})
	if err != nil {
		o.logger.ErrorContext(ctx, "NotificationCreatedイベントの生成に失敗", "notification_id", n.ID, "error", err)
		return
	}
	key := RoutingKey(string(n.Type))

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.logger.WarnContext(ctx, "発行先がクローズ済みのためイベントを破棄しました", "notification_id", n.ID, "routing_key", key)
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
		defer cancel()
		if err := o.sender.Send(sendCtx, key, e); err != nil {
			o.logger.WarnContext(sendCtx, "NotificationCreatedイベントの発行に失敗", "notification_id", n.ID, "routing_key", key, "error", err)
		}
	}()
}

// Close は発行中のイベントを待ってからSenderを閉じる。
// 2回目以降の呼び出しは何もしない。
func (o *Observer) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.wg.Wait()
	return o.sender.Close()
}

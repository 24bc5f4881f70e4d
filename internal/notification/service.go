package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nao1215/tabelist/internal/realtime"
)

// Deliverer は受信者の全チャネルへEnvelopeを配信する。realtime.Fanoutが実装する。
type Deliverer interface {
	Deliver(ctx context.Context, recipientID string, kind realtime.EnvelopeKind, payload any) (realtime.Result, error)
}

// Observer は通知の作成を購読する。メール送信やプッシュ通知など後段の処理を接続するために使用する。
// NotificationCreatedは作成処理の中で同期的に呼び出されるため、
// I/Oを伴う処理は各Observerが自分でゴルーチンに逃がすこと。
type Observer interface {
	NotificationCreated(ctx context.Context, n Notification)
}

// ObserverFunc は関数をObserverとして扱うためのアダプタ。
type ObserverFunc func(ctx context.Context, n Notification)

// NotificationCreated はf(ctx, n)を呼び出す。
func (f ObserverFunc) NotificationCreated(ctx context.Context, n Notification) {
	f(ctx, n)
}

// Service は通知の作成・配信・既読管理を行う。
// 通知はCreateAndDeliverを通してのみ作成される。
type Service struct {
	// store は通知の永続化先。
	store Store
	// deliverer はリアルタイム配信を行う。
	deliverer Deliverer
	// logger はログ出力先。
	logger *slog.Logger

	// mu はobserversへの並行アクセスを保護する。
	mu sync.RWMutex
	// observers は作成イベントの購読者。
	observers map[int]Observer
	// nextObserverID は次に払い出す購読ID。
	nextObserverID int
}

// NewService は新しいServiceを生成する。
func NewService(store Store, deliverer Deliverer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		deliverer: deliverer,
		logger:    logger,
		observers: map[int]Observer{},
	}
}

// Subscribe は作成イベントの購読者を登録し、購読解除用の関数を返す。
func (s *Service) Subscribe(o Observer) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextObserverID
	s.nextObserverID++
	s.observers[id] = o
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

// CreateAndDeliver は通知を検証・保存し、受信者の全チャネルへ配信したうえで
// 作成イベントを購読者に通知する。
//
// 検証エラーはErrInvalidSpec、保存の失敗はErrPersistenceをラップして返す。
// 保存に成功していれば、配信の失敗や購読者のパニックでエラーになることはない。
func (s *Service) CreateAndDeliver(ctx context.Context, p CreateParams) (Notification, error) {
	if err := p.Validate(); err != nil {
		return Notification{}, err
	}
	if p.RelatedEntityType == "" {
		p.RelatedEntityType = EntitySystem
	}

	n, err := s.store.InsertNotification(ctx, p)
	if err != nil {
		return Notification{}, fmt.Errorf("%w: 通知の保存に失敗: %w", ErrPersistence, err)
	}

	if _, err := s.deliverer.Deliver(ctx, n.RecipientID, realtime.KindNotification, n); err != nil {
		s.logger.WarnContext(ctx, "通知のリアルタイム配信に失敗", "notification_id", n.ID, "recipient_id", n.RecipientID, "error", err)
	}

	s.emitCreated(ctx, n)

	s.logger.DebugContext(ctx, "通知を作成しました", "notification_id", n.ID, "recipient_id", n.RecipientID, "type", n.Type)
	return n, nil
}

// emitCreated は作成イベントを全購読者に通知する。購読者のパニックは回復してログに記録する。
func (s *Service) emitCreated(ctx context.Context, n Notification) {
	s.mu.RLock()
	observers := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		observers = append(observers, o)
	}
	s.mu.RUnlock()

	for _, o := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.ErrorContext(ctx, "作成イベントの購読者でパニックが発生", "notification_id", n.ID, "panic", r)
				}
			}()
			o.NotificationCreated(ctx, n)
		}()
	}
}

// ReadPayload はnotifications_readで配信するペイロード。
type ReadPayload struct {
	// ReadIDs は既読にした通知のID。全件既読の場合は空。
	ReadIDs []string `json:"readIds,omitempty"`
	// All は全件既読にした場合にtrue。
	All bool `json:"all,omitempty"`
	// NewUnreadCount は既読化後の未読件数。
	NewUnreadCount int64 `json:"newUnreadCount"`
}

// UnreadCountPayload はunread_countで配信するペイロード。
type UnreadCountPayload struct {
	// Count は未読件数。
	Count int64 `json:"count"`
}

// MarkAsRead はユーザーが所有する通知を既読にし、実際に更新した件数を返す。
// 1件以上更新した場合は未読件数を再計算し、実際に既読にしたIDだけを載せた
// notifications_readを1回だけ配信する。更新件数が0（既読済み・他人の通知など）の場合は配信しない。
// 既読化が保存された後の配信の失敗はログに残すだけで、エラーにはしない。
func (s *Service) MarkAsRead(ctx context.Context, ids []string, userID string) (int64, error) {
	if userID == "" {
		return 0, ErrMissingUser
	}
	ids = uniqueNonEmpty(ids)
	if len(ids) == 0 {
		return 0, nil
	}

	readIDs, err := s.store.MarkRead(ctx, ids, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: 既読処理に失敗: %w", ErrPersistence, err)
	}
	if len(readIDs) == 0 {
		return 0, nil
	}

	s.broadcastRead(ctx, userID, ReadPayload{ReadIDs: readIDs})
	return int64(len(readIDs)), nil
}

// MarkAllAsRead はユーザーの未読通知をすべて既読にする。配信の規則はMarkAsReadと同じ。
func (s *Service) MarkAllAsRead(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, ErrMissingUser
	}

	updated, err := s.store.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: 全件既読処理に失敗: %w", ErrPersistence, err)
	}
	if updated == 0 {
		return 0, nil
	}

	s.broadcastRead(ctx, userID, ReadPayload{All: true})
	return updated, nil
}

// broadcastRead は未読件数を再計算してnotifications_readを配信する。
// 再計算に失敗した場合は誤った件数を配信しないよう配信自体を見送る。
func (s *Service) broadcastRead(ctx context.Context, userID string, payload ReadPayload) {
	count, err := s.store.UnreadCount(ctx, userID)
	if err != nil {
		s.logger.WarnContext(ctx, "未読件数の再計算に失敗したため既読状態を配信しません", "user_id", userID, "error", err)
		return
	}
	payload.NewUnreadCount = count

	if _, err := s.deliverer.Deliver(ctx, userID, realtime.KindNotificationsRead, payload); err != nil {
		s.logger.WarnContext(ctx, "既読状態の配信に失敗", "user_id", userID, "error", err)
	}
}

// GetUnreadCount は未読件数を返し、同じ値をユーザーの全チャネルへunread_countとして配信する。
// 接続直後のチャネルが最新の件数を要求したときに、他のタブやデバイスも同期させるために使う。
func (s *Service) GetUnreadCount(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, ErrMissingUser
	}

	count, err := s.store.UnreadCount(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: 未読件数の取得に失敗: %w", ErrPersistence, err)
	}

	if _, err := s.deliverer.Deliver(ctx, userID, realtime.KindUnreadCount, UnreadCountPayload{Count: count}); err != nil {
		s.logger.WarnContext(ctx, "未読件数の配信に失敗", "user_id", userID, "error", err)
	}
	return count, nil
}

// List はユーザーの通知一覧を返す。
func (s *Service) List(ctx context.Context, userID string, opts ListOptions) ([]Notification, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	notifications, err := s.store.ListByUser(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: 通知一覧の取得に失敗: %w", ErrPersistence, err)
	}
	return notifications, nil
}

// Touch はユーザーの最終アクセス日時を記録する。失敗してもログに残すだけにする。
func (s *Service) Touch(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	if err := s.store.TouchUser(ctx, userID, time.Now()); err != nil {
		s.logger.WarnContext(ctx, "最終アクセス日時の記録に失敗", "user_id", userID, "error", err)
	}
}

// uniqueNonEmpty は空文字と重複を除いたIDを元の順序で返す。
func uniqueNonEmpty(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

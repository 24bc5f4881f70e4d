package notification

import (
	"context"
	"time"
)

// DefaultAudienceWindow はお知らせの宛先を省略した場合に対象とする最終アクセスからの期間。
const DefaultAudienceWindow = 6 * 30 * 24 * time.Hour

// ListOptions は通知一覧の取得条件。
type ListOptions struct {
	// UnreadOnly がtrueなら未読の通知のみを返す。
	UnreadOnly bool
	// Limit は最大件数。0以下ならストアのデフォルト値。
	Limit int
	// Offset は読み飛ばす件数。
	Offset int
}

// Store は通知の永続化を担うストア。
// 本パッケージはこのインターフェースのみに依存し、具体的な実装はdbパッケージが提供する。
type Store interface {
	// InsertNotification は通知を保存し、採番済みの通知を返す。
	InsertNotification(ctx context.Context, p CreateParams) (Notification, error)
	// MarkRead はユーザーが所有する未読の通知を既読にし、実際に既読にした通知のIDを返す。
	MarkRead(ctx context.Context, ids []string, userID string) ([]string, error)
	// MarkAllRead はユーザーの未読通知をすべて既読にし、更新件数を返す。
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	// UnreadCount はユーザーの未読件数を返す。
	UnreadCount(ctx context.Context, userID string) (int64, error)
	// PurgeExpired は有効期限がnow以前の通知を削除し、削除件数を返す。
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
	// ListActiveUserIDs は直近within以内にアクセスしたユーザーのIDを返す。
	ListActiveUserIDs(ctx context.Context, within time.Duration) ([]string, error)
	// ListByUser はユーザーの通知を新しい順に返す。
	ListByUser(ctx context.Context, userID string, opts ListOptions) ([]Notification, error)
	// TouchUser はユーザーの最終アクセス日時を記録する。
	TouchUser(ctx context.Context, userID string, at time.Time) error
}

// Package db はSQLiteを使用した通知ストアの実装を提供する。
// 日時はUnixミリ秒のINTEGER、メタデータはJSON文字列として保存する。
package db

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nao1215/tabelist/internal/notification"
	"github.com/nao1215/tabelist/pkg/migration"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	// defaultListLimit はListByUserでLimitが指定されない場合の件数。
	defaultListLimit = 50
	// maxListLimit はListByUserで返す最大件数。
	maxListLimit = 200
)

// Store はSQLiteに通知を保存するnotification.Storeの実装。
type Store struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
	// now は現在時刻を返す。テストで差し替える。
	now func() time.Time
}

var _ notification.Store = (*Store)(nil)

// Option はStoreの設定を変更する関数。
type Option func(*Store)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New は既存のデータベース接続からStoreを生成する。マイグレーションは行わない。
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open はSQLiteデータベースを開き、マイグレーションを適用したStoreを返す。
// pathに":memory:"を指定するとインメモリデータベースを使用する。
func Open(ctx context.Context, path string, logger *slog.Logger, opts ...Option) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// SQLiteは書き込みが直列化されるため接続を1本に絞る
	sqlDB.SetMaxOpenConns(1)

	if _, err := migration.Run(ctx, sqlDB, migrations, "migrations", logger); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("マイグレーションに失敗: %w", err)
	}
	return New(sqlDB, opts...), nil
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping はデータベースへの疎通を確認する。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertNotification は通知を保存し、IDと作成日時を採番した通知を返す。
func (s *Store) InsertNotification(ctx context.Context, p notification.CreateParams) (notification.Notification, error) {
	n := notification.Notification{
		ID:                uuid.NewString(),
		RecipientID:       p.RecipientID,
		SenderID:          p.SenderID,
		Type:              p.Type,
		RelatedEntityType: p.RelatedEntityType,
		RelatedEntityID:   p.RelatedEntityID,
		Title:             p.Title,
		Message:           p.Message,
		ActionURL:         p.ActionURL,
		GroupKey:          p.GroupKey,
		Metadata:          p.Metadata,
		CreatedAt:         s.now().UTC().Truncate(time.Millisecond),
		ExpiresAt:         p.ExpiresAt,
	}
	if n.RelatedEntityType == "" {
		n.RelatedEntityType = notification.EntitySystem
	}

	var metadata sql.NullString
	if len(p.Metadata) > 0 {
		b, err := json.Marshal(p.Metadata)
		if err != nil {
			return notification.Notification{}, fmt.Errorf("メタデータのシリアライズに失敗: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (
			id, recipient_id, sender_id, notification_type, related_entity_type, related_entity_id,
			title, message, action_url, group_key, metadata, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.RecipientID, nullString(n.SenderID), string(n.Type), string(n.RelatedEntityType),
		nullString(n.RelatedEntityID), n.Title, n.Message, nullString(n.ActionURL), nullString(n.GroupKey),
		metadata, n.CreatedAt.UnixMilli(), nullTime(n.ExpiresAt),
	)
	if err != nil {
		return notification.Notification{}, fmt.Errorf("通知のINSERTに失敗: %w", err)
	}
	return n, nil
}

// MarkRead はuserIDが受信者である未読の通知のうちidsに含まれるものを既読にし、
// 既読にした通知のIDを返す。他人の通知や既読済みの通知は含まれない。
func (s *Store) MarkRead(ctx context.Context, ids []string, userID string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(ids)+2)
	args = append(args, s.now().UnixMilli(), userID)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	rows, err := s.db.QueryContext(ctx,
		`UPDATE notifications SET read_at = ?
		 WHERE recipient_id = ? AND read_at IS NULL AND id IN (`+placeholders+`)
		 RETURNING id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("既読のUPDATEに失敗: %w", err)
	}
	defer rows.Close()

	var readIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("既読にした通知IDの読み取りに失敗: %w", err)
		}
		readIDs = append(readIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("既読のUPDATEに失敗: %w", err)
	}
	return readIDs, nil
}

// MarkAllRead はユーザーの未読通知をすべて既読にする。
func (s *Store) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET read_at = ? WHERE recipient_id = ? AND read_at IS NULL`,
		s.now().UnixMilli(), userID,
	)
	if err != nil {
		return 0, fmt.Errorf("全件既読のUPDATEに失敗: %w", err)
	}
	return res.RowsAffected()
}

// UnreadCount は有効期限内の未読通知の件数を返す。
func (s *Store) UnreadCount(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications
		 WHERE recipient_id = ? AND read_at IS NULL AND (expires_at IS NULL OR expires_at > ?)`,
		userID, s.now().UnixMilli(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("未読件数の取得に失敗: %w", err)
	}
	return count, nil
}

// PurgeExpired は有効期限がnow以前の通知を削除する。有効期限のない通知は削除しない。
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		now.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("期限切れ通知の削除に失敗: %w", err)
	}
	return res.RowsAffected()
}

// ListActiveUserIDs は直近within以内にアクセスしたユーザーのIDを昇順で返す。
func (s *Store) ListActiveUserIDs(ctx context.Context, within time.Duration) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM user_activity WHERE last_seen_at >= ? ORDER BY user_id`,
		s.now().Add(-within).UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("アクティブユーザーの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListByUser はユーザーの有効期限内の通知を新しい順に返す。
func (s *Store) ListByUser(ctx context.Context, userID string, opts notification.ListOptions) ([]notification.Notification, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	offset := max(opts.Offset, 0)

	query := `
		SELECT id, recipient_id, sender_id, notification_type, related_entity_type, related_entity_id,
		       title, message, action_url, group_key, metadata, created_at, read_at, expires_at
		FROM notifications
		WHERE recipient_id = ? AND (expires_at IS NULL OR expires_at > ?)`
	if opts.UnreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, userID, s.now().UnixMilli(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	notifications := make([]notification.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// TouchUser はユーザーの最終アクセス日時を記録する。既存の値より古い日時では更新しない。
func (s *Store) TouchUser(ctx context.Context, userID string, at time.Time) error {
	if userID == "" {
		return errors.New("ユーザーIDが空です")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_activity (user_id, last_seen_at) VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET last_seen_at = MAX(last_seen_at, excluded.last_seen_at)`,
		userID, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("最終アクセス日時の記録に失敗: %w", err)
	}
	return nil
}

func scanNotification(rows *sql.Rows) (notification.Notification, error) {
	var (
		n                                             notification.Notification
		senderID, entityID, actionURL, groupKey, meta sql.NullString
		notificationType, entityType                  string
		createdAt                                     int64
		readAt, expiresAt                             sql.NullInt64
	)
	if err := rows.Scan(
		&n.ID, &n.RecipientID, &senderID, &notificationType, &entityType, &entityID,
		&n.Title, &n.Message, &actionURL, &groupKey, &meta, &createdAt, &readAt, &expiresAt,
	); err != nil {
		return notification.Notification{}, fmt.Errorf("通知行の読み取りに失敗: %w", err)
	}

	n.SenderID = senderID.String
	n.Type = notification.Type(notificationType)
	n.RelatedEntityType = notification.EntityType(entityType)
	n.RelatedEntityID = entityID.String
	n.ActionURL = actionURL.String
	n.GroupKey = groupKey.String
	n.CreatedAt = time.UnixMilli(createdAt).UTC()
	n.ReadAt = timePtr(readAt)
	n.ExpiresAt = timePtr(expiresAt)
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &n.Metadata); err != nil {
			return notification.Notification{}, fmt.Errorf("メタデータのデシリアライズに失敗: %w", err)
		}
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

// Package cache はRedisを使用して未読件数をキャッシュするStoreのデコレーターを提供する。
//
// 未読件数はストリーム接続のたびに要求されるため、書き込みのたびに
// キャッシュを破棄し、次の読み取りでストアから再計算する。
// Redisに接続できない場合はストアへそのままフォールバックする。
//
// キャッシュ値は「世代:版:件数」の形式で保存する。版はユーザーごと、世代は全ユーザー共通で、
// 書き込みのたびに版を、期限切れ通知の削除のたびに世代を進める。読み取り中に破棄が
// 起きた場合、保存される値は古い版を持つため次の読み取りで無視される。
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nao1215/tabelist/internal/notification"
)

const (
	// DefaultPrefix はキャッシュキーの接頭辞。
	DefaultPrefix = "tabelist:notification:"
	// DefaultTTL は未読件数をキャッシュする期間。
	DefaultTTL = 5 * time.Minute
)

// Dial はRedis URLからクライアントを生成し、疎通を確認する。
// URL形式: redis://[:password@]host:port/db
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("Redis URLが不正です: %w", err)
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
	}
	return client, nil
}

// Store は未読件数をRedisにキャッシュするnotification.Storeのデコレーター。
// 未読件数以外の操作は内側のストアにそのまま委譲する。
type Store struct {
	notification.Store

	client redis.Cmdable
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

var _ notification.Store = (*Store)(nil)

// Option はStoreの設定を変更する関数。
type Option func(*Store)

// WithPrefix はキャッシュキーの接頭辞を変更する。
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithTTL はキャッシュの有効期間を変更する。
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// New はinnerをラップする未読件数キャッシュを生成する。
func New(inner notification.Store, client redis.Cmdable, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		Store:  inner,
		client: client,
		prefix: DefaultPrefix,
		ttl:    DefaultTTL,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) unreadKey(userID string) string {
	return s.prefix + "unread:" + userID
}

func (s *Store) versionKey(userID string) string {
	return s.prefix + "unread_ver:" + userID
}

func (s *Store) generationKey() string {
	return s.prefix + "unread_gen"
}

// stamp はキャッシュ値が有効であるための世代と版。
type stamp struct {
	generation int64
	version    int64
}

// formatEntry はキャッシュに保存する値を組み立てる。
func formatEntry(st stamp, count int64) string {
	return fmt.Sprintf("%d:%d:%d", st.generation, st.version, count)
}

// parseEntry はキャッシュ値を分解する。形式が不正ならfalseを返す。
func parseEntry(v string) (stamp, int64, bool) {
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return stamp{}, 0, false
	}
	var nums [3]int64
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return stamp{}, 0, false
		}
		nums[i] = n
	}
	return stamp{generation: nums[0], version: nums[1]}, nums[2], true
}

// counter はMGETの結果を世代・版の値として読む。未設定は0とする。
func counter(v any) int64 {
	str, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// UnreadCount はキャッシュ済みの未読件数を返す。キャッシュがないか古ければストアから取得して保存する。
func (s *Store) UnreadCount(ctx context.Context, userID string) (int64, error) {
	key := s.unreadKey(userID)

	vals, err := s.client.MGet(ctx, s.generationKey(), s.versionKey(userID), key).Result()
	if err != nil {
		s.logger.WarnContext(ctx, "未読件数キャッシュの取得に失敗", "user_id", userID, "error", err)
		return s.Store.UnreadCount(ctx, userID)
	}

	current := stamp{generation: counter(vals[0]), version: counter(vals[1])}
	if raw, ok := vals[2].(string); ok {
		st, n, valid := parseEntry(raw)
		switch {
		case !valid:
			s.logger.WarnContext(ctx, "キャッシュ値が不正なため破棄します", "key", key, "value", raw)
		case st == current:
			return n, nil
		}
	}

	count, err := s.Store.UnreadCount(ctx, userID)
	if err != nil {
		return 0, err
	}
	// 取得前の世代と版で保存するため、取得中に破棄されていれば次回は無視される
	if err := s.client.Set(ctx, key, formatEntry(current, count), s.ttl).Err(); err != nil {
		s.logger.WarnContext(ctx, "未読件数キャッシュの保存に失敗", "user_id", userID, "error", err)
	}
	return count, nil
}

// InsertNotification は通知を保存し、受信者の未読件数キャッシュを破棄する。
func (s *Store) InsertNotification(ctx context.Context, p notification.CreateParams) (notification.Notification, error) {
	n, err := s.Store.InsertNotification(ctx, p)
	if err != nil {
		return n, err
	}
	s.invalidate(ctx, n.RecipientID)
	return n, nil
}

// MarkRead は通知を既読にし、更新があればキャッシュを破棄する。
func (s *Store) MarkRead(ctx context.Context, ids []string, userID string) ([]string, error) {
	readIDs, err := s.Store.MarkRead(ctx, ids, userID)
	if err != nil {
		return nil, err
	}
	if len(readIDs) > 0 {
		s.invalidate(ctx, userID)
	}
	return readIDs, nil
}

// MarkAllRead は全件既読にし、更新があればキャッシュを破棄する。
func (s *Store) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	updated, err := s.Store.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, err
	}
	if updated > 0 {
		s.invalidate(ctx, userID)
	}
	return updated, nil
}

// PurgeExpired は期限切れ通知を削除し、削除があれば全ユーザーの未読件数キャッシュを破棄する。
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	purged, err := s.Store.PurgeExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		if err := s.flushUnread(ctx); err != nil {
			s.logger.WarnContext(ctx, "未読件数キャッシュの一括破棄に失敗", "error", err)
		}
	}
	return purged, nil
}

// invalidate はユーザーの版を進めてキャッシュ値を削除する。
// 版のキーはキャッシュ値より長く残るよう、更新のたびに有効期間を延ばす。
func (s *Store) invalidate(ctx context.Context, userID string) {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, s.versionKey(userID))
		p.Expire(ctx, s.versionKey(userID), 2*s.ttl)
		p.Del(ctx, s.unreadKey(userID))
		return nil
	})
	if err != nil {
		s.logger.WarnContext(ctx, "未読件数キャッシュの破棄に失敗", "user_id", userID, "error", err)
	}
}

// flushUnread は世代を進め、全ユーザーのキャッシュ値を無効にする。
func (s *Store) flushUnread(ctx context.Context) error {
	return s.client.Incr(ctx, s.generationKey()).Err()
}

package cache

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/tabelist/internal/notification"
)

// countingStore は未読件数の問い合わせ回数を数えるテスト用ストア。
type countingStore struct {
	notification.Store

	mu      sync.Mutex
	unread  map[string]int64
	queries int
	purged  int64
	// afterCount は未読件数を読み取った直後、値を返す前に呼ばれる。
	afterCount func()
}

func newCountingStore() *countingStore {
	return &countingStore{unread: map[string]int64{}}
}

func (s *countingStore) InsertNotification(_ context.Context, p notification.CreateParams) (notification.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread[p.RecipientID]++
	return notification.Notification{ID: uuid.NewString(), RecipientID: p.RecipientID, Type: p.Type}, nil
}

func (s *countingStore) UnreadCount(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	s.queries++
	count := s.unread[userID]
	hook := s.afterCount
	s.afterCount = nil
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return count, nil
}

func (s *countingStore) MarkAllRead(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.unread[userID]
	s.unread[userID] = 0
	return n, nil
}

func (s *countingStore) PurgeExpired(_ context.Context, _ time.Time) (int64, error) {
	return s.purged, nil
}

func (s *countingStore) queryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func params(recipientID string) notification.CreateParams {
	return notification.CreateParams{RecipientID: recipientID, Type: notification.TypeSystemAnnouncement, Title: "t", Message: "m"}
}

func TestStore_RedisUnavailable(t *testing.T) {
	t.Parallel()

	t.Run("Redisに接続できなくてもストアの値を返すこと", func(t *testing.T) {
		t.Parallel()

		client := redis.NewClient(&redis.Options{
			Addr:        "127.0.0.1:1",
			MaxRetries:  -1,
			DialTimeout: 200 * time.Millisecond,
		})
		t.Cleanup(func() { _ = client.Close() })

		inner := newCountingStore()
		s := New(inner, client, discardLogger())
		ctx := context.Background()

		_, err := s.InsertNotification(ctx, params("user-u"))
		require.NoError(t, err)

		count, err := s.UnreadCount(ctx, "user-u")
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
		assert.Equal(t, 1, inner.queryCount())
	})
}

// newRedisClient はREDIS_URLが設定されている場合のみ実際のRedisクライアントを返す。
func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URLが未設定のためスキップ")
	}
	client, err := Dial(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestStore_WithRedis(t *testing.T) {
	t.Parallel()

	t.Run("2回目の取得はキャッシュから返し書き込みで破棄されること", func(t *testing.T) {
		t.Parallel()

		client := newRedisClient(t)
		inner := newCountingStore()
		s := New(inner, client, discardLogger(), WithPrefix("test:"+uuid.NewString()+":"), WithTTL(time.Minute))
		ctx := context.Background()

		_, err := s.InsertNotification(ctx, params("user-u"))
		require.NoError(t, err)

		for range 2 {
			count, err := s.UnreadCount(ctx, "user-u")
			require.NoError(t, err)
			assert.Equal(t, int64(1), count)
		}
		assert.Equal(t, 1, inner.queryCount(), "2回目はストアに問い合わせないこと")

		_, err = s.MarkAllRead(ctx, "user-u")
		require.NoError(t, err)

		count, err := s.UnreadCount(ctx, "user-u")
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)
		assert.Equal(t, 2, inner.queryCount())
	})

	t.Run("期限切れ通知の削除で全ユーザーのキャッシュが破棄されること", func(t *testing.T) {
		t.Parallel()

		client := newRedisClient(t)
		inner := newCountingStore()
		inner.purged = 1
		s := New(inner, client, discardLogger(), WithPrefix("test:"+uuid.NewString()+":"))
		ctx := context.Background()

		users := []string{"user-a", "user-b"}
		for _, u := range users {
			_, err := s.UnreadCount(ctx, u)
			require.NoError(t, err)
		}
		require.Equal(t, 2, inner.queryCount())

		_, err := s.PurgeExpired(ctx, time.Now())
		require.NoError(t, err)

		for _, u := range users {
			_, err := s.UnreadCount(ctx, u)
			require.NoError(t, err)
		}
		assert.Equal(t, 4, inner.queryCount(), "削除後はストアから再取得すること")
	})

	t.Run("読み取り中に既読化された場合は古い件数を返し続けないこと", func(t *testing.T) {
		t.Parallel()

		client := newRedisClient(t)
		inner := newCountingStore()
		s := New(inner, client, discardLogger(), WithPrefix("test:"+uuid.NewString()+":"), WithTTL(time.Minute))
		ctx := context.Background()

		_, err := s.InsertNotification(ctx, params("user-u"))
		require.NoError(t, err)

		// 1回目の読み取りがストアから1件を得た後、保存する前に全件既読が割り込む
		inner.mu.Lock()
		inner.afterCount = func() {
			_, err := s.MarkAllRead(ctx, "user-u")
			assert.NoError(t, err)
		}
		inner.mu.Unlock()

		stale, err := s.UnreadCount(ctx, "user-u")
		require.NoError(t, err)
		assert.Equal(t, int64(1), stale)

		count, err := s.UnreadCount(ctx, "user-u")
		require.NoError(t, err)
		assert.Equal(t, int64(0), count, "割り込み前の件数がキャッシュされないこと")
		assert.Equal(t, 2, inner.queryCount())
	})
}

func TestEntry(t *testing.T) {
	t.Parallel()

	t.Run("組み立てた値を分解できること", func(t *testing.T) {
		t.Parallel()

		st, n, ok := parseEntry(formatEntry(stamp{generation: 3, version: 7}, 12))
		require.True(t, ok)
		assert.Equal(t, stamp{generation: 3, version: 7}, st)
		assert.Equal(t, int64(12), n)
	})

	t.Run("不正な値は無効になること", func(t *testing.T) {
		t.Parallel()

		for _, v := range []string{"", "5", "1:2", "a:b:c", "1:2:3:4"} {
			_, _, ok := parseEntry(v)
			assert.False(t, ok, "value=%q", v)
		}
	})

	t.Run("未設定の世代と版は0として扱うこと", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, int64(0), counter(nil))
		assert.Equal(t, int64(0), counter("x"))
		assert.Equal(t, int64(4), counter("4"))
	})
}

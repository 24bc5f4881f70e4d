package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/tabelist/internal/realtime"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errStoreDown = errors.New("store down")

// memStore はテスト用のインメモリStore。
type memStore struct {
	mu sync.Mutex

	items   []Notification
	touched map[string]time.Time
	active  []string

	// failInsertFor に含まれる受信者への保存は失敗する。
	failInsertFor map[string]error
	// failAll がtrueならすべての操作が失敗する。
	failAll bool
	// failUnreadCount がtrueならUnreadCountだけが失敗する。
	failUnreadCount bool
	// purgeErr はPurgeExpiredが返すエラー。
	purgeErr error
	// purgePanic がtrueならPurgeExpiredはパニックする。
	purgePanic bool
	purgeCalls atomic.Int32
	now        time.Time
}

func newMemStore() *memStore {
	return &memStore{
		touched:       map[string]time.Time{},
		failInsertFor: map[string]error{},
		now:           time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func (s *memStore) InsertNotification(_ context.Context, p CreateParams) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return Notification{}, errStoreDown
	}
	if err, ok := s.failInsertFor[p.RecipientID]; ok {
		return Notification{}, err
	}
	n := Notification{
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
		CreatedAt:         s.now.Add(time.Duration(len(s.items)) * time.Second),
		ExpiresAt:         p.ExpiresAt,
	}
	s.items = append(s.items, n)
	return n, nil
}

func (s *memStore) MarkRead(_ context.Context, ids []string, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return nil, errStoreDown
	}
	var readIDs []string
	for i := range s.items {
		n := &s.items[i]
		if n.RecipientID == userID && n.ReadAt == nil && slices.Contains(ids, n.ID) {
			at := s.now
			n.ReadAt = &at
			readIDs = append(readIDs, n.ID)
		}
	}
	return readIDs, nil
}

func (s *memStore) MarkAllRead(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return 0, errStoreDown
	}
	var updated int64
	for i := range s.items {
		n := &s.items[i]
		if n.RecipientID == userID && n.ReadAt == nil {
			at := s.now
			n.ReadAt = &at
			updated++
		}
	}
	return updated, nil
}

func (s *memStore) UnreadCount(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll || s.failUnreadCount {
		return 0, errStoreDown
	}
	var count int64
	for _, n := range s.items {
		if n.RecipientID == userID && n.ReadAt == nil {
			count++
		}
	}
	return count, nil
}

func (s *memStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.purgeCalls.Add(1)
	if s.purgePanic {
		panic("purge exploded")
	}
	if s.purgeErr != nil {
		return 0, s.purgeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.items[:0]
	var purged int64
	for _, n := range s.items {
		if n.ExpiresAt != nil && !n.ExpiresAt.After(now) {
			purged++
			continue
		}
		kept = append(kept, n)
	}
	s.items = kept
	return purged, nil
}

func (s *memStore) ListActiveUserIDs(_ context.Context, _ time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return nil, errStoreDown
	}
	return slices.Clone(s.active), nil
}

func (s *memStore) ListByUser(_ context.Context, userID string, opts ListOptions) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return nil, errStoreDown
	}
	out := []Notification{}
	for i := len(s.items) - 1; i >= 0; i-- {
		n := s.items[i]
		if n.RecipientID != userID || (opts.UnreadOnly && n.ReadAt != nil) {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *memStore) TouchUser(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched[userID] = at
	return nil
}

func (s *memStore) all() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.items)
}

// memDirectory はテスト用のDirectory。
type memDirectory struct {
	lists       map[string]ListSummary
	users       map[string]string
	restaurants map[string]RestaurantSummary
	err         error
	panicOnCall bool
	// entered とgate が設定されていれば、GetListは呼び出されたことをenteredで知らせ、
	// gateが閉じられるまで待つ。
	entered chan struct{}
	gate    chan struct{}
}

func newMemDirectory() *memDirectory {
	return &memDirectory{
		lists:       map[string]ListSummary{},
		users:       map[string]string{},
		restaurants: map[string]RestaurantSummary{},
	}
}

func (d *memDirectory) GetList(_ context.Context, listID string) (ListSummary, error) {
	if d.gate != nil {
		d.entered <- struct{}{}
		<-d.gate
	}
	if d.panicOnCall {
		panic("directory exploded")
	}
	if d.err != nil {
		return ListSummary{}, d.err
	}
	l, ok := d.lists[listID]
	if !ok {
		return ListSummary{}, fmt.Errorf("list %s not found", listID)
	}
	return l, nil
}

func (d *memDirectory) GetUserName(_ context.Context, userID string) (string, error) {
	if d.err != nil {
		return "", d.err
	}
	return d.users[userID], nil
}

func (d *memDirectory) GetRestaurant(_ context.Context, restaurantID string) (RestaurantSummary, error) {
	if d.err != nil {
		return RestaurantSummary{}, d.err
	}
	r, ok := d.restaurants[restaurantID]
	if !ok {
		return RestaurantSummary{}, fmt.Errorf("restaurant %s not found", restaurantID)
	}
	return r, nil
}

// testChannel は書き込まれたFrameを記録するrealtime.Channel。
type testChannel struct {
	id   string
	open atomic.Bool

	mu     sync.Mutex
	frames []realtime.Frame

	done      chan struct{}
	closeOnce sync.Once
}

func newTestChannel(id string) *testChannel {
	ch := &testChannel{id: id, done: make(chan struct{})}
	ch.open.Store(true)
	return ch
}

func (c *testChannel) ID() string { return c.id }

func (c *testChannel) Send(f realtime.Frame) error {
	if !c.open.Load() {
		return realtime.ErrChannelClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *testChannel) IsOpen() bool { return c.open.Load() }

func (c *testChannel) Done() <-chan struct{} { return c.done }

func (c *testChannel) Close() error {
	c.open.Store(false)
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// envelope はFrameをデコードした結果。
type envelope struct {
	Kind    realtime.EnvelopeKind `json:"kind"`
	Payload json.RawMessage       `json:"payload"`
}

func (c *testChannel) envelopes(t *testing.T) []envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]envelope, 0, len(c.frames))
	for _, f := range c.frames {
		var e envelope
		if err := json.Unmarshal(f.Data, &e); err != nil {
			t.Fatalf("Frameのデコードに失敗: %v", err)
		}
		out = append(out, e)
	}
	return out
}

// newTestEngine はインメモリの依存関係でEngineを生成する。トリガーは同期実行する。
func newTestEngine(t *testing.T, store Store, directory Directory) *Engine {
	t.Helper()
	e := NewEngine(store, directory, EngineConfig{SweepInterval: time.Hour}, discardLogger())
	t.Cleanup(e.Close)
	return e
}

// register はユーザーにテスト用チャネルを登録する。
func register(t *testing.T, e *Engine, userID string, kind realtime.ChannelKind) *testChannel {
	t.Helper()
	ch := newTestChannel(userID + "-" + string(kind) + "-" + uuid.NewString())
	if err := e.Registry.Register(userID, ch, kind); err != nil {
		t.Fatalf("Register()でエラーが発生: %v", err)
	}
	return ch
}

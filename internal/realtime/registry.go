package realtime

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrRegistryClosed はクローズ済みのRegistryにチャネルを登録しようとしたことを表す。
var ErrRegistryClosed = errors.New("Registryはクローズ済みです")

// Counts は診断用のアクティブユーザー数。
type Counts struct {
	// Push はpush型チャネルを1つ以上持つユーザー数。
	Push int `json:"push"`
	// Stream はstream型チャネルを1つ以上持つユーザー数。
	Stream int `json:"stream"`
	// Total はいずれかのチャネルを持つユーザー数（和集合）。
	Total int `json:"total"`
}

// Registration は登録済みチャネルとその種別の組。
type Registration struct {
	// UserID はチャネルの所有者。
	UserID string
	// Kind はチャネルの種別。
	Kind ChannelKind
	// Channel は登録済みのチャネル。
	Channel Channel
}

// channelSet は1ユーザー・1種別のチャネル集合。
type channelSet map[Channel]struct{}

// Registry はユーザーIDごとのリアルタイムチャネルを管理する。
// 複数ゴルーチンから安全に使用できる。テストではテストごとに新しいインスタンスを生成する。
type Registry struct {
	// mu はchannelsへの並行アクセスを保護する。
	mu sync.RWMutex
	// channels はチャネル種別 → ユーザーID → チャネル集合。
	channels map[ChannelKind]map[string]channelSet
	// closed はCloseが呼ばれたかどうか。
	closed bool
	// stop はCloseでクローズされ、監視ゴルーチンを終了させる。
	stop chan struct{}
	// watchers はチャネルのクローズを監視しているゴルーチン。
	watchers sync.WaitGroup
	// logger はログ出力先。
	logger *slog.Logger
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		channels: map[ChannelKind]map[string]channelSet{
			ChannelPush:   {},
			ChannelStream: {},
		},
		stop:   make(chan struct{}),
		logger: logger,
	}
}

// Register はユーザーのチャネル集合に指定種別のチャネルを追加する。
// 1ユーザーが複数のチャネル（複数デバイス・タブ）を同時に持てる。
// チャネルのDoneがクローズされると自動的に登録を解除する。
func (r *Registry) Register(userID string, ch Channel, kind ChannelKind) error {
	if userID == "" {
		return errors.New("ユーザーIDが空です")
	}
	if ch == nil {
		return errors.New("チャネルがnilです")
	}
	if !kind.Valid() {
		return fmt.Errorf("不明なチャネル種別です: %q", kind)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	set, ok := r.channels[kind][userID]
	if !ok {
		set = channelSet{}
		r.channels[kind][userID] = set
	}
	set[ch] = struct{}{}
	r.watchers.Add(1)
	r.mu.Unlock()

	go r.watch(userID, ch, kind)

	r.logger.Debug("チャネルを登録しました", "user_id", userID, "kind", kind, "channel_id", ch.ID())
	return nil
}

// watch はチャネルのクローズを待ち、登録を解除する。
func (r *Registry) watch(userID string, ch Channel, kind ChannelKind) {
	defer r.watchers.Done()
	select {
	case <-ch.Done():
		r.Unregister(userID, ch, kind)
	case <-r.stop:
	}
}

// Unregister はチャネルの登録を解除する。解除した場合はtrueを返す。
// ユーザーのチャネル集合が空になった場合はユーザーのエントリ自体を削除する。
func (r *Registry) Unregister(userID string, ch Channel, kind ChannelKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	users, ok := r.channels[kind]
	if !ok {
		return false
	}
	set, ok := users[userID]
	if !ok {
		return false
	}
	if _, ok := set[ch]; !ok {
		return false
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(users, userID)
	}
	return true
}

// Channels はユーザーの登録済みチャネルのスナップショットを返す。
// push型が先、stream型が後に並ぶ。
func (r *Registry) Channels(userID string) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var regs []Registration
	for _, kind := range []ChannelKind{ChannelPush, ChannelStream} {
		for ch := range r.channels[kind][userID] {
			regs = append(regs, Registration{UserID: userID, Kind: kind, Channel: ch})
		}
	}
	return regs
}

// CountActive は診断用にチャネルを持つユーザー数を返す。
func (r *Registry) CountActive() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()

	union := make(map[string]struct{}, len(r.channels[ChannelPush])+len(r.channels[ChannelStream]))
	for userID := range r.channels[ChannelPush] {
		union[userID] = struct{}{}
	}
	for userID := range r.channels[ChannelStream] {
		union[userID] = struct{}{}
	}
	return Counts{
		Push:   len(r.channels[ChannelPush]),
		Stream: len(r.channels[ChannelStream]),
		Total:  len(union),
	}
}

// Len は登録済みチャネルの総数を返す。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, users := range r.channels {
		for _, set := range users {
			n += len(set)
		}
	}
	return n
}

// snapshot は全登録のスナップショットを返す。
func (r *Registry) snapshot() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var regs []Registration
	for kind, users := range r.channels {
		for userID, set := range users {
			for ch := range set {
				regs = append(regs, Registration{UserID: userID, Kind: kind, Channel: ch})
			}
		}
	}
	return regs
}

// Sweep は下位のトランスポートが開いていないチャネルの登録を解除し、解除した数を返す。
func (r *Registry) Sweep() int {
	removed := 0
	for _, reg := range r.snapshot() {
		if reg.Channel.IsOpen() {
			continue
		}
		if r.Unregister(reg.UserID, reg.Channel, reg.Kind) {
			removed++
		}
	}
	return removed
}

// Close はすべてのチャネルをクローズして登録を破棄し、監視ゴルーチンを停止する。
// Close後のRegisterはErrRegistryClosedを返す。
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.stop)
	var all []Channel
	for kind, users := range r.channels {
		for _, set := range users {
			for ch := range set {
				all = append(all, ch)
			}
		}
		r.channels[kind] = map[string]channelSet{}
	}
	r.mu.Unlock()

	for _, ch := range all {
		if err := ch.Close(); err != nil {
			r.logger.Warn("チャネルのクローズに失敗", "channel_id", ch.ID(), "error", err)
		}
	}
	r.watchers.Wait()
	r.logger.Info("Registryをクローズしました", "channels", len(all))
}

package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval は定期掃除のデフォルト間隔。
const DefaultSweepInterval = time.Hour

// Purger は期限切れ通知を削除する。Storeが実装する。
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// ChannelSweeper は開いていないチャネルの登録を解除する。realtime.Registryが実装する。
type ChannelSweeper interface {
	Sweep() int
}

// SweepReport は1回の定期掃除の結果。
type SweepReport struct {
	// Purged は削除した期限切れ通知の件数。
	Purged int64
	// RemovedChannels は登録を解除したチャネル数。
	RemovedChannels int
	// PurgeErr は期限切れ通知の削除に失敗した場合のエラー。
	PurgeErr error
	// ChannelErr はチャネルの掃除に失敗した場合のエラー。
	ChannelErr error
	// Skipped は前回の掃除が実行中だったため何もしなかった場合にtrue。
	Skipped bool
}

// Sweeper は期限切れ通知の削除と切断済みチャネルの解除を定期的に行う。
// 1つの手順が失敗しても次の手順と次回の実行は止まらない。掃除が重なって実行されることはない。
type Sweeper struct {
	// purger は期限切れ通知を削除する。
	purger Purger
	// channels は開いていないチャネルを解除する。
	channels ChannelSweeper
	// interval は実行間隔。
	interval time.Duration
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
	// logger はログ出力先。
	logger *slog.Logger

	// running は実行中の掃除を表す。TryLockで重複実行を防ぐ。
	running sync.Mutex
	// mu はcancelとdoneを保護する。
	mu sync.Mutex
	// cancel はStartで起動したループを停止する。
	cancel context.CancelFunc
	// done はループの終了時にクローズされる。
	done chan struct{}
}

// NewSweeper は新しいSweeperを生成する。intervalが0以下ならDefaultSweepIntervalを使う。
func NewSweeper(purger Purger, channels ChannelSweeper, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		purger:   purger,
		channels: channels,
		interval: interval,
		now:      time.Now,
		logger:   logger,
	}
}

// SweepOnce は掃除を1回実行する。別の掃除が実行中ならSkippedを返してすぐに戻る。
func (s *Sweeper) SweepOnce(ctx context.Context) SweepReport {
	if !s.running.TryLock() {
		s.logger.DebugContext(ctx, "前回の定期掃除が実行中のためスキップします")
		return SweepReport{Skipped: true}
	}
	defer s.running.Unlock()

	var report SweepReport

	report.PurgeErr = guardStep(func() error {
		n, err := s.purger.PurgeExpired(ctx, s.now())
		report.Purged = n
		return err
	})
	if report.PurgeErr != nil {
		s.logger.ErrorContext(ctx, "期限切れ通知の削除に失敗", "error", report.PurgeErr)
	}

	if s.channels != nil {
		report.ChannelErr = guardStep(func() error {
			report.RemovedChannels = s.channels.Sweep()
			return nil
		})
		if report.ChannelErr != nil {
			s.logger.ErrorContext(ctx, "チャネルの掃除に失敗", "error", report.ChannelErr)
		}
	}

	s.logger.InfoContext(ctx, "定期掃除が完了しました",
		"purged", report.Purged,
		"removed_channels", report.RemovedChannels,
		"purge_failed", report.PurgeErr != nil,
	)
	return report
}

// guardStep はfnを実行し、パニックをエラーに変換する。
func guardStep(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("パニックが発生: %v", r)
		}
	}()
	return fn()
}

// Run はticksを受信するたびに掃除を実行し、ctxがキャンセルされるかticksがクローズされるまでブロックする。
// テストでは任意のチャネルを渡して掃除のタイミングを制御できる。
func (s *Sweeper) Run(ctx context.Context, ticks <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ticks:
			if !ok {
				return
			}
			s.SweepOnce(ctx)
		}
	}
}

// Start はバックグラウンドで定期掃除を開始する。すでに開始済みなら何もしない。
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		s.logger.Info("定期掃除を開始します", "interval", s.interval)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		s.Run(ctx, ticker.C)
		s.logger.Info("定期掃除を停止しました")
	}(s.done)
}

// Stop はStartで開始した定期掃除を停止し、実行中の掃除が終わるまで待つ。
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

package notification

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nao1215/tabelist/internal/realtime"
)

// EngineConfig はEngineの構成。
type EngineConfig struct {
	// SweepInterval は定期掃除の間隔。
	SweepInterval time.Duration
	// AudienceWindow はお知らせの既定の宛先とする最終アクセスからの期間。
	AudienceWindow time.Duration
	// Triggers はトリガーの動作設定。
	Triggers TriggerOptions
}

// Engine はリアルタイム通知の構成要素をまとめたもの。
// プロセスの起動時に1つ生成し、終了時にCloseする。テストではテストごとに生成する。
type Engine struct {
	Registry *realtime.Registry
	Fanout   *realtime.Fanout
	Service  *Service
	Handlers *Handlers
	Triggers *Triggers
	Sweeper  *Sweeper

	logger *slog.Logger
	// mu はdetachersを保護する。
	mu sync.Mutex
	// detachers はAttachした購読者の購読解除とクローズ。
	detachers []func()
}

// ClosableObserver は終了処理を持つ作成イベントの購読者。
type ClosableObserver interface {
	Observer
	Close() error
}

// NewEngine はstoreとdirectoryを使う新しいEngineを生成する。
func NewEngine(store Store, directory Directory, cfg EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	registry := realtime.NewRegistry(logger.With("component", "registry"))
	fanout := realtime.NewFanout(registry, logger.With("component", "fanout"))
	service := NewService(store, fanout, logger.With("component", "service"))
	handlers := NewHandlers(service, store, cfg.AudienceWindow, logger.With("component", "handlers"))

	return &Engine{
		Registry: registry,
		Fanout:   fanout,
		Service:  service,
		Handlers: handlers,
		Triggers: NewTriggers(handlers, directory, cfg.Triggers, logger.With("component", "triggers")),
		Sweeper:  NewSweeper(store, registry, cfg.SweepInterval, logger.With("component", "sweeper")),
		logger:   logger,
	}
}

// Attach はoを作成イベントの購読者として登録する。oはCloseで、実行中のトリガーが
// すべて終わった後に購読解除されてからクローズされる。
func (e *Engine) Attach(o ClosableObserver) {
	unsubscribe := e.Service.Subscribe(o)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detachers = append(e.detachers, func() {
		unsubscribe()
		if err := o.Close(); err != nil {
			e.logger.Warn("作成イベントの購読者のクローズに失敗", "error", err)
		}
	})
}

// Start は定期掃除を開始する。
func (e *Engine) Start(ctx context.Context) {
	e.Sweeper.Start(ctx)
}

// Close は定期掃除を止め、実行中のトリガーを待ってからAttachした購読者を閉じ、
// 最後に全チャネルを閉じる。
func (e *Engine) Close() {
	e.Sweeper.Stop()
	e.Triggers.Close()

	e.mu.Lock()
	detachers := e.detachers
	e.detachers = nil
	e.mu.Unlock()
	for _, detach := range detachers {
		detach()
	}

	e.Registry.Close()
}

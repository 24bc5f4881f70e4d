package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrEmptyRecipient は受信者IDが空であることを表す。
var ErrEmptyRecipient = errors.New("受信者IDが空です")

// Result は1回のFan-outの結果。
type Result struct {
	// Attempted は書き込みを試みたチャネル数。
	Attempted int
	// Delivered は書き込みに成功したチャネル数。
	Delivered int
	// Failed は書き込みに失敗して登録を解除したチャネル数。
	Failed int
}

// Fanout は1つのEnvelopeを受信者のすべてのチャネルへ配信する。
type Fanout struct {
	// registry は配信先チャネルの取得と失敗チャネルの解除に使用する。
	registry *Registry
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
	// logger はログ出力先。
	logger *slog.Logger
}

// NewFanout は新しいFanoutを生成する。
func NewFanout(registry *Registry, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		registry: registry,
		now:      time.Now,
		logger:   logger,
	}
}

// Deliver はpayloadをEnvelopeに包み、受信者のpush・stream両方のチャネルへ書き込む。
//
// 各チャネルへの書き込みは独立して並行に行い、すべての試行が終わってから戻る。
// 書き込みに失敗したチャネルはログに記録して登録を解除するが、エラーとしては返さない。
// 受信者がチャネルを持たない場合は何もせずに成功する（オフラインユーザー）。
// エラーを返すのは受信者IDが空の場合とpayloadをシリアライズできない場合のみ。
func (f *Fanout) Deliver(ctx context.Context, recipientID string, kind EnvelopeKind, payload any) (Result, error) {
	if recipientID == "" {
		return Result{}, ErrEmptyRecipient
	}

	regs := f.registry.Channels(recipientID)
	if len(regs) == 0 {
		return Result{}, nil
	}

	frame, err := NewFrame(kind, payload, f.now())
	if err != nil {
		return Result{}, err
	}

	var delivered, failed atomic.Int64
	var g errgroup.Group
	for _, reg := range regs {
		g.Go(func() error {
			if err := reg.Channel.Send(frame); err != nil {
				f.logger.WarnContext(ctx, "チャネルへの書き込みに失敗したため登録を解除します",
					"user_id", reg.UserID,
					"kind", reg.Kind,
					"channel_id", reg.Channel.ID(),
					"envelope", kind,
					"error", err,
				)
				f.registry.Unregister(reg.UserID, reg.Channel, reg.Kind)
				_ = reg.Channel.Close()
				failed.Add(1)
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	return Result{
		Attempted: len(regs),
		Delivered: int(delivered.Load()),
		Failed:    int(failed.Load()),
	}, nil
}

package realtime

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrChannelClosed はクローズ済みのチャネルに書き込もうとしたことを表す。
	ErrChannelClosed = errors.New("チャネルはクローズ済みです")
	// ErrChannelBusy は送信キューが満杯で書き込めなかったことを表す。
	// 受信が追いつかないクライアントを切り離すために使用する。
	ErrChannelBusy = errors.New("チャネルの送信キューが満杯です")
)

// defaultQueueSize はチャネルごとの送信キューのデフォルト長。
const defaultQueueSize = 32

// Channel は1ユーザーが所有するリアルタイム配信経路。
// Send はブロックしてはならない。実際の書き込みは各実装が持つ
// 書き込みゴルーチンが行う。
type Channel interface {
	// ID はチャネルの一意識別子を返す。ログ出力用。
	ID() string
	// Send はFrameを送信キューに積む。キューが満杯またはクローズ済みならエラーを返す。
	Send(f Frame) error
	// IsOpen は下位のトランスポートが開いているかどうかを返す。
	IsOpen() bool
	// Done はチャネルがクローズされたときにクローズされるチャネルを返す。
	// Registry はこれを監視して自動的に登録を解除する。
	Done() <-chan struct{}
	// Close はチャネルをクローズする。複数回呼び出しても安全。
	Close() error
}

// queue はWSChannelとSSEChannelが共有する送信キューとクローズ状態。
type queue struct {
	// id はチャネルの一意識別子（UUID）。
	id string
	// frames は書き込み待ちのFrame。
	frames chan Frame
	// done はクローズ時にクローズされる。
	done chan struct{}
	// closeOnce はdoneを一度だけクローズするために使用する。
	closeOnce sync.Once
}

func newQueue(size int) queue {
	if size <= 0 {
		size = defaultQueueSize
	}
	return queue{
		id:     uuid.NewString(),
		frames: make(chan Frame, size),
		done:   make(chan struct{}),
	}
}

// ID はチャネルの一意識別子を返す。
func (q *queue) ID() string { return q.id }

// Send はFrameを送信キューに積む。
func (q *queue) Send(f Frame) error {
	select {
	case <-q.done:
		return ErrChannelClosed
	default:
	}

	select {
	case q.frames <- f:
		return nil
	case <-q.done:
		return ErrChannelClosed
	default:
		return ErrChannelBusy
	}
}

// IsOpen はチャネルがまだクローズされていないかどうかを返す。
func (q *queue) IsOpen() bool {
	select {
	case <-q.done:
		return false
	default:
		return true
	}
}

// Done はクローズ通知用のチャネルを返す。
func (q *queue) Done() <-chan struct{} { return q.done }

// shutdown はdoneをクローズする。framesは送信側との競合を避けるためクローズしない。
func (q *queue) shutdown() {
	q.closeOnce.Do(func() { close(q.done) })
}

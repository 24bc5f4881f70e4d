package realtime

import (
	"sync"
	"sync/atomic"
)

// fakeChannel はテスト用のChannel実装。書き込まれたFrameを記録する。
type fakeChannel struct {
	id      string
	sendErr error
	open    atomic.Bool

	mu     sync.Mutex
	frames []Frame

	done      chan struct{}
	closeOnce sync.Once
}

func newFakeChannel(id string) *fakeChannel {
	ch := &fakeChannel{id: id, done: make(chan struct{})}
	ch.open.Store(true)
	return ch
}

func (c *fakeChannel) ID() string { return c.id }

func (c *fakeChannel) Send(f Frame) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeChannel) IsOpen() bool { return c.open.Load() }

func (c *fakeChannel) Done() <-chan struct{} { return c.done }

func (c *fakeChannel) Close() error {
	c.open.Store(false)
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeChannel) received() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.frames...)
}

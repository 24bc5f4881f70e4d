package realtime

import (
	"time"

	"github.com/gin-gonic/gin"
)

// defaultKeepAlive はSSEのping送信間隔。
const defaultKeepAlive = 25 * time.Second

// SSEChannel はServer-Sent Eventsの接続をstream型チャネルとして扱う。
type SSEChannel struct {
	queue
	// keepAlive はpingイベントの送信間隔。
	keepAlive time.Duration
}

// NewSSEChannel は新しいstream型チャネルを生成する。
// keepAliveが0以下の場合はデフォルト値を使用する。
func NewSSEChannel(keepAlive time.Duration) *SSEChannel {
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	return &SSEChannel{
		queue:     newQueue(defaultQueueSize),
		keepAlive: keepAlive,
	}
}

// Close はチャネルをクローズする。Serveは次のループで戻る。
func (c *SSEChannel) Close() error {
	c.shutdown()
	return nil
}

// Serve は送信キューのFrameをSSEイベントとして書き込み、
// クライアントの切断またはCloseまでブロックする。
func (c *SSEChannel) Serve(gc *gin.Context) {
	defer c.shutdown()

	gc.Header("Content-Type", "text/event-stream")
	gc.Header("Cache-Control", "no-cache")
	gc.Header("Connection", "keep-alive")
	gc.Header("X-Accel-Buffering", "no")
	gc.Status(200)
	gc.Writer.Flush()

	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()

	ctx := gc.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case f := <-c.frames:
			gc.SSEvent(string(f.Kind), string(f.Data))
			if gc.IsAborted() {
				return
			}
			gc.Writer.Flush()
		case <-ticker.C:
			gc.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			if gc.IsAborted() {
				return
			}
			gc.Writer.Flush()
		}
	}
}

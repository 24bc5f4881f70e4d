package realtime

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// wsWriteWait は1回の書き込みに許容する時間。
	wsWriteWait = 10 * time.Second
	// wsPongWait はクライアントからのPongを待つ時間。
	wsPongWait = 60 * time.Second
	// wsPingPeriod はPingの送信間隔。wsPongWaitより短くする必要がある。
	wsPingPeriod = (wsPongWait * 9) / 10
	// wsMaxMessageSize はクライアントから受け付けるメッセージの最大サイズ。
	wsMaxMessageSize = 4096
)

// WSChannel はWebSocket接続をpush型チャネルとして扱う。
type WSChannel struct {
	queue
	// conn はgorilla/websocketの接続。
	conn *websocket.Conn
	// onMessage はクライアントから受信したテキストメッセージを処理する関数。nilなら破棄する。
	onMessage func(data []byte)
	// logger はログ出力先。
	logger *slog.Logger
}

// NewWSChannel はWebSocket接続から新しいpush型チャネルを生成する。
// onMessageにはクライアントからの要求（未読件数の再送要求など）を処理する関数を渡す。
func NewWSChannel(conn *websocket.Conn, onMessage func(data []byte), logger *slog.Logger) *WSChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSChannel{
		queue:     newQueue(defaultQueueSize),
		conn:      conn,
		onMessage: onMessage,
		logger:    logger,
	}
}

// Serve は読み込みループと書き込みループを実行し、接続が閉じるまでブロックする。
// 戻った時点でチャネルはクローズ済みになっている。
func (c *WSChannel) Serve() {
	go c.writePump()
	c.readPump()
}

// Close はチャネルをクローズする。書き込みループがClose frameを送信して接続を閉じる。
func (c *WSChannel) Close() error {
	c.shutdown()
	return nil
}

// readPump はクライアントからのメッセージを読み続け、切断を検出する。
func (c *WSChannel) readPump() {
	defer c.shutdown()

	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("WebSocketが予期せず切断されました", "channel_id", c.id, "error", err)
			}
			return
		}
		if msgType == websocket.TextMessage && c.onMessage != nil {
			c.onMessage(data)
		}
	}
}

// writePump は送信キューのFrameをWebSocketに書き込み、定期的にPingを送る。
func (c *WSChannel) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case f := <-c.frames:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, f.Data); err != nil {
				c.logger.Debug("WebSocketへの書き込みに失敗", "channel_id", c.id, "error", err)
				c.shutdown()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait),
			)
			return
		}
	}
}

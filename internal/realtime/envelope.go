package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChannelKind はチャネルの種類を表す。
type ChannelKind string

const (
	// ChannelPush はWebSocketによる双方向のpush型チャネルを表す。
	ChannelPush ChannelKind = "push"
	// ChannelStream はServer-Sent Eventsによるstream型チャネルを表す。
	ChannelStream ChannelKind = "stream"
)

// Valid はチャネル種別が既知の値かどうかを返す。
func (k ChannelKind) Valid() bool {
	return k == ChannelPush || k == ChannelStream
}

// EnvelopeKind はチャネルに送信するメッセージの種類を表す。
type EnvelopeKind string

const (
	// KindNotification は新しい通知の配信を表す。
	KindNotification EnvelopeKind = "notification"
	// KindUnreadCount は未読件数の配信を表す。
	KindUnreadCount EnvelopeKind = "unread_count"
	// KindNotificationsRead は通知の既読化の配信を表す。
	KindNotificationsRead EnvelopeKind = "notifications_read"
)

// Envelope はチャネルに送信されるメッセージのJSON構造。
// 送信ごとに組み立てられ、保存されることはない。
type Envelope struct {
	// Kind はメッセージの種類。
	Kind EnvelopeKind `json:"kind"`
	// Payload はメッセージ本体。JSONにシリアライズ可能な任意の値。
	Payload any `json:"payload"`
	// Timestamp はEnvelopeを組み立てた日時（UTC）。
	Timestamp time.Time `json:"timestamp"`
}

// Frame はシリアライズ済みのEnvelopeをチャネルへ渡すための単位。
// 受信者ごとに一度だけエンコードし、全チャネルで同じバイト列を共有する。
type Frame struct {
	// Kind はSSEのイベント名として使用するメッセージ種別。
	Kind EnvelopeKind
	// Data はEnvelopeのJSONバイト列。
	Data []byte
}

// NewFrame はEnvelopeを組み立ててJSONにエンコードする。
func NewFrame(kind EnvelopeKind, payload any, now time.Time) (Frame, error) {
	data, err := json.Marshal(Envelope{
		Kind:      kind,
		Payload:   payload,
		Timestamp: now.UTC(),
	})
	if err != nil {
		return Frame{}, fmt.Errorf("Envelopeのシリアライズに失敗: %w", err)
	}
	return Frame{Kind: kind, Data: data}, nil
}

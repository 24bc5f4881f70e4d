// Package event は通知サービスが外部へ発行するイベントの型を定義する。
//
// 通知の作成はEvent Store（監査用の追記専用ストア）とメッセージブローカー
// （メール・プッシュ通知などの後段処理）の両方へ同じ形式で発行される。
package event

import (
	"encoding/json"
	"time"
)

// AggregateType はイベントの対象となるエンティティの種類を表す。
type AggregateType string

const (
	// AggregateTypeNotification は通知エンティティを表す。
	AggregateTypeNotification AggregateType = "Notification"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeNotificationCreated は通知が作成・保存されたことを表す。
	TypeNotificationCreated Type = "NotificationCreated"
)

// Event は発行されるイベントレコードを表す。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// AggregateID は対象エンティティの識別子。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType AggregateType `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// Version はAggregate内でのイベントの順序番号。通知は作成後に内容が変わらないため常に1。
	Version int64 `json:"version"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// NotificationCreatedData はNotificationCreatedイベントのデータ。
type NotificationCreatedData struct {
	// NotificationID は作成された通知のID。
	NotificationID string `json:"notification_id"`
	// RecipientID は通知先のユーザーID。
	RecipientID string `json:"recipient_id"`
	// SenderID は通知のきっかけを作ったユーザーのID。システム通知では空。
	SenderID string `json:"sender_id,omitempty"`
	// NotificationType は通知の種類。
	NotificationType string `json:"notification_type"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// ActionURL は通知から遷移する画面のパス。
	ActionURL string `json:"action_url,omitempty"`
}

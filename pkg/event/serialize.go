package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidEvent はイベントの必須項目が欠けていることを表す。
var ErrInvalidEvent = errors.New("イベントが不正です")

// New は新しいイベントを生成する。dataはJSON形式にシリアライズされる。
// 作成日時はミリ秒に丸めたUTC。
func New(aggregateID string, aggregateType AggregateType, eventType Type, version int64, data any) (*Event, error) {
	switch {
	case aggregateID == "":
		return nil, fmt.Errorf("%w: aggregate_idが空です", ErrInvalidEvent)
	case eventType == "":
		return nil, fmt.Errorf("%w: event_typeが空です", ErrInvalidEvent)
	case version < 1:
		return nil, fmt.Errorf("%w: versionは1以上が必要です: %d", ErrInvalidEvent, version)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}
	return &Event{
		ID:            uuid.NewString(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Data:          raw,
		Version:       version,
		CreatedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}, nil
}

// NotificationCreated は作成された通知からNotificationCreatedイベントを生成する。
func NotificationCreated(data NotificationCreatedData) (*Event, error) {
	if data.NotificationID == "" {
		return nil, fmt.Errorf("%w: 通知IDが空です", ErrInvalidEvent)
	}
	if data.RecipientID == "" {
		return nil, fmt.Errorf("%w: 通知先のユーザーIDが空です", ErrInvalidEvent)
	}
	return New("notification-"+data.NotificationID, AggregateTypeNotification, TypeNotificationCreated, 1, data)
}

// DecodeData はイベントのDataを指定された型にデシリアライズする。
func DecodeData[T any](e *Event) (*T, error) {
	if e == nil || len(e.Data) == 0 {
		return nil, fmt.Errorf("%w: データがありません", ErrInvalidEvent)
	}
	var data T
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}

package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nao1215/tabelist/pkg/event"
	"github.com/nao1215/tabelist/pkg/httpclient"
)

// appendEventRequest はEvent Storeへのイベント追記リクエストのJSON構造。
type appendEventRequest struct {
	// AggregateID は対象エンティティの識別子。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType string `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType string `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
}

// EventStoreSender はEvent StoreサービスのHTTP APIへイベントを追記する。
type EventStoreSender struct {
	client *httpclient.Client
}

// NewEventStoreSender はEvent StoreのベースURLに追記するEventStoreSenderを返す。
func NewEventStoreSender(client *httpclient.Client) *EventStoreSender {
	return &EventStoreSender{client: client}
}

// Send はイベントを /api/v1/events に追記する。routingKeyは使用しない。
func (s *EventStoreSender) Send(ctx context.Context, _ string, e *event.Event) error {
	req := appendEventRequest{
		AggregateID:   e.AggregateID,
		AggregateType: string(e.AggregateType),
		EventType:     string(e.EventType),
		Data:          e.Data,
	}
	var resp map[string]any
	if err := s.client.PostJSON(ctx, "/api/v1/events", req, &resp); err != nil {
		return fmt.Errorf("Event Storeへのイベント追記に失敗: %w", err)
	}
	return nil
}

// Close は何もしない。
func (s *EventStoreSender) Close() error { return nil }

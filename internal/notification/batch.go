package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// BatchResult は一斉送信の結果。1件の失敗で残りの処理は止まらない。
type BatchResult struct {
	// Created は作成に成功した通知。
	Created []Notification `json:"created"`
	// Skipped は自己通知などの理由で作成しなかった件数。
	Skipped int `json:"skipped"`
	// Failed は作成に失敗した要素。入力の順に並び、同じ宛先の失敗も1件ずつ記録する。
	Failed []BatchFailure `json:"-"`
}

// BatchFailure は一斉送信で失敗した1要素。
type BatchFailure struct {
	// Index は入力での位置。
	Index int
	// Key は宛先を表す識別子（受信者ID、おすすめでは「受信者ID/対象ID」）。
	Key string
	// Err は失敗の理由。
	Err error
}

// Err は失敗をまとめたエラーを返す。失敗がなければnil。
func (r BatchResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, fmt.Errorf("#%d %s: %w", f.Index, f.Key, f.Err))
	}
	return errors.Join(errs...)
}

// buildFunc は要素から作成要求を組み立てる。falseを返した要素はスキップする。
type buildFunc[T any] func(item T) (CreateParams, bool, error)

// runBatch はitemsを先頭から1件ずつ処理する。各要素は独立した失敗境界の中で作成され、
// エラーやパニックはFailedに記録して次の要素へ進む。
func runBatch[T any](ctx context.Context, h *Handlers, op string, items []T, key func(T) string, build buildFunc[T]) BatchResult {
	var res BatchResult
	for i, item := range items {
		k := key(item)
		n, skipped, err := createOne(ctx, h, item, build)
		switch {
		case err != nil:
			h.logger.WarnContext(ctx, "一斉送信の1件に失敗", "operation", op, "recipient_id", k, "error", err)
			res.Failed = append(res.Failed, BatchFailure{Index: i, Key: k, Err: err})
		case skipped:
			res.Skipped++
		default:
			res.Created = append(res.Created, n)
		}
	}
	h.logger.InfoContext(ctx, "一斉送信が完了しました",
		"operation", op,
		"created", len(res.Created),
		"skipped", res.Skipped,
		"failed", len(res.Failed),
	)
	return res
}

// createOne は1件分の作成をパニックから保護して実行する。
func createOne[T any](ctx context.Context, h *Handlers, item T, build buildFunc[T]) (n Notification, skipped bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("パニックが発生: %v", r)
		}
	}()
	p, ok, err := build(item)
	if err != nil {
		return Notification{}, false, err
	}
	if !ok {
		return Notification{}, true, nil
	}
	n, err = h.creator.CreateAndDeliver(ctx, p)
	return n, false, err
}

// Announcement は運営からのお知らせ。
type Announcement struct {
	Title     string
	Message   string
	ActionURL string
	// RecipientIDs が空なら直近にアクセスしたユーザー全員に送る。
	RecipientIDs []string
	// ExpiresAt は任意の有効期限。
	ExpiresAt *time.Time
}

// SendSystemAnnouncement はお知らせを宛先ごとに1件ずつ作成する。
// 宛先が指定されていなければ、AudienceSourceから既定の対象ユーザーを解決する。
func (h *Handlers) SendSystemAnnouncement(ctx context.Context, a Announcement) (BatchResult, error) {
	if strings.TrimSpace(a.Title) == "" || strings.TrimSpace(a.Message) == "" {
		return BatchResult{}, fmt.Errorf("%w: お知らせにはタイトルと本文が必要です", ErrInvalidSpec)
	}

	recipients := uniqueNonEmpty(a.RecipientIDs)
	if len(recipients) == 0 {
		if h.audience == nil {
			return BatchResult{}, errors.New("既定の宛先を解決できません")
		}
		ids, err := h.audience.ListActiveUserIDs(ctx, h.audienceWindow)
		if err != nil {
			return BatchResult{}, fmt.Errorf("%w: 宛先ユーザーの取得に失敗: %w", ErrPersistence, err)
		}
		recipients = uniqueNonEmpty(ids)
	}

	return runBatch(ctx, h, "system_announcement", recipients,
		func(recipientID string) string { return recipientID },
		func(recipientID string) (CreateParams, bool, error) {
			return CreateParams{
				RecipientID:       recipientID,
				Type:              TypeSystemAnnouncement,
				RelatedEntityType: EntitySystem,
				Title:             a.Title,
				Message:           a.Message,
				ActionURL:         a.ActionURL,
				GroupKey:          "system_announcement",
				ExpiresAt:         a.ExpiresAt,
			}, true, nil
		}), nil
}

// SendBulkRecommendations はおすすめを1件ずつ作成する。不正な要素や自己宛ての要素は他に影響しない。
func (h *Handlers) SendBulkRecommendations(ctx context.Context, recs []Recommendation) BatchResult {
	return runBatch(ctx, h, "bulk_recommendations", recs,
		func(r Recommendation) string { return r.RecipientID + "/" + r.EntityID },
		func(r Recommendation) (CreateParams, bool, error) {
			p, err := recommendationParams(r)
			if err != nil {
				return CreateParams{}, false, err
			}
			if h.isSelfAction(ctx, p.Type, r.RecipientID, r.SenderID) {
				return CreateParams{}, false, nil
			}
			return p, true, nil
		})
}

// Digest は週次ダイジェスト。
type Digest struct {
	RecipientID string
	// WeekOf は集計対象の週の開始日。
	WeekOf     time.Time
	Highlights []string
}

// SendWeeklyDigests は週次ダイジェストを宛先ごとに1件ずつ作成する。ハイライトが空の宛先はスキップする。
func (h *Handlers) SendWeeklyDigests(ctx context.Context, digests []Digest) BatchResult {
	return runBatch(ctx, h, "weekly_digests", digests,
		func(d Digest) string { return d.RecipientID },
		func(d Digest) (CreateParams, bool, error) {
			if len(d.Highlights) == 0 {
				return CreateParams{}, false, nil
			}
			week := d.WeekOf.UTC().Format("2006-01-02")
			return CreateParams{
				RecipientID:       d.RecipientID,
				Type:              TypeWeeklyDigest,
				RelatedEntityType: EntitySystem,
				Title:             fmt.Sprintf("%s週のダイジェスト", week),
				Message:           strings.Join(d.Highlights, "\n"),
				ActionURL:         "/digests/" + week,
				GroupKey:          "weekly_digest:" + week,
				Metadata: map[string]any{
					"week_of":    week,
					"highlights": len(d.Highlights),
				},
			}, true, nil
		})
}

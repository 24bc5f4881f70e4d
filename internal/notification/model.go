package notification

import (
	"fmt"
	"time"
)

// Type は通知のきっかけとなった出来事の種類を表す。
type Type string

const (
	// TypeLikeList はリストへのいいねを表す。
	TypeLikeList Type = "LIKE_LIST"
	// TypeLikeDish は料理へのいいねを表す。
	TypeLikeDish Type = "LIKE_DISH"
	// TypeLikeRestaurant はレストランへのいいねを表す。
	TypeLikeRestaurant Type = "LIKE_RESTAURANT"
	// TypeFollowUser はユーザーのフォローを表す。
	TypeFollowUser Type = "FOLLOW_USER"
	// TypeUnfollowUser はユーザーのフォロー解除を表す。
	TypeUnfollowUser Type = "UNFOLLOW_USER"
	// TypeListItemAdded はリストへの料理の追加を表す。
	TypeListItemAdded Type = "LIST_ITEM_ADDED"
	// TypeListShared はリストの共有を表す。
	TypeListShared Type = "LIST_SHARED"
	// TypeSubmissionApproved は投稿の承認を表す。
	TypeSubmissionApproved Type = "SUBMISSION_APPROVED"
	// TypeSubmissionRejected は投稿の却下を表す。
	TypeSubmissionRejected Type = "SUBMISSION_REJECTED"
	// TypeNewDishAtFavoriteRestaurant はお気に入りレストランへの新しい料理の追加を表す。
	TypeNewDishAtFavoriteRestaurant Type = "NEW_DISH_AT_FAVORITE_RESTAURANT"
	// TypeRestaurantRecommendation はレストランのおすすめを表す。
	TypeRestaurantRecommendation Type = "RESTAURANT_RECOMMENDATION"
	// TypeDishRecommendation は料理のおすすめを表す。
	TypeDishRecommendation Type = "DISH_RECOMMENDATION"
	// TypeSystemAnnouncement は運営からのお知らせを表す。
	TypeSystemAnnouncement Type = "SYSTEM_ANNOUNCEMENT"
	// TypePromotional は期間限定のプロモーションを表す。
	TypePromotional Type = "PROMOTIONAL"
	// TypeWeeklyDigest は週次ダイジェストを表す。
	TypeWeeklyDigest Type = "WEEKLY_DIGEST"
)

var knownTypes = map[Type]struct{}{
	TypeLikeList:                    {},
	TypeLikeDish:                    {},
	TypeLikeRestaurant:              {},
	TypeFollowUser:                  {},
	TypeUnfollowUser:                {},
	TypeListItemAdded:               {},
	TypeListShared:                  {},
	TypeSubmissionApproved:          {},
	TypeSubmissionRejected:          {},
	TypeNewDishAtFavoriteRestaurant: {},
	TypeRestaurantRecommendation:    {},
	TypeDishRecommendation:          {},
	TypeSystemAnnouncement:          {},
	TypePromotional:                 {},
	TypeWeeklyDigest:                {},
}

// Valid は通知種別が既知の値かどうかを返す。
func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// EntityType は通知の対象となるエンティティの種類を表す。
type EntityType string

const (
	EntityList       EntityType = "LIST"
	EntityDish       EntityType = "DISH"
	EntityRestaurant EntityType = "RESTAURANT"
	EntityUser       EntityType = "USER"
	EntitySubmission EntityType = "SUBMISSION"
	EntitySystem     EntityType = "SYSTEM"
)

// Valid はエンティティ種別が既知の値かどうかを返す。
func (e EntityType) Valid() bool {
	switch e {
	case EntityList, EntityDish, EntityRestaurant, EntityUser, EntitySubmission, EntitySystem:
		return true
	}
	return false
}

// Notification は保存済みの通知。
type Notification struct {
	// ID は通知の一意識別子。保存時に採番される。
	ID string `json:"id"`
	// RecipientID は通知を受け取るユーザーのID。
	RecipientID string `json:"recipient_id"`
	// SenderID は通知のきっかけを作ったユーザーのID。システム通知では空。
	SenderID string `json:"sender_id,omitempty"`
	// Type は通知の種類。
	Type Type `json:"notification_type"`
	// RelatedEntityType は通知の対象エンティティの種類。
	RelatedEntityType EntityType `json:"related_entity_type"`
	// RelatedEntityID は通知の対象エンティティのID。
	RelatedEntityID string `json:"related_entity_id,omitempty"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知の本文。
	Message string `json:"message"`
	// ActionURL は通知から遷移する画面のパス。
	ActionURL string `json:"action_url,omitempty"`
	// GroupKey は関連する通知をまとめて表示するためのキー。
	// 本サービスでは重複排除に使用せず、そのまま保存・配信する。
	GroupKey string `json:"group_key,omitempty"`
	// Metadata はクライアント向けの任意の付加情報。
	Metadata map[string]any `json:"metadata,omitempty"`
	// CreatedAt は通知の作成日時。
	CreatedAt time.Time `json:"created_at"`
	// ReadAt は既読にした日時。未読ならnil。
	ReadAt *time.Time `json:"read_at,omitempty"`
	// ExpiresAt は通知の有効期限。過ぎると定期掃除で削除される。
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// IsRead は通知が既読かどうかを返す。
func (n Notification) IsRead() bool {
	return n.ReadAt != nil
}

// CreateParams は通知の作成に必要な値。
type CreateParams struct {
	RecipientID       string
	SenderID          string
	Type              Type
	RelatedEntityType EntityType
	RelatedEntityID   string
	Title             string
	Message           string
	ActionURL         string
	GroupKey          string
	Metadata          map[string]any
	ExpiresAt         *time.Time
}

// Validate は必須項目と列挙値を検証する。
// 不正な場合はErrInvalidSpecをラップしたエラーを返す。
func (p CreateParams) Validate() error {
	if p.RecipientID == "" {
		return fmt.Errorf("%w: recipient_idが必要です", ErrInvalidSpec)
	}
	if p.Type == "" {
		return fmt.Errorf("%w: notification_typeが必要です", ErrInvalidSpec)
	}
	if !p.Type.Valid() {
		return fmt.Errorf("%w: 不明なnotification_typeです: %q", ErrInvalidSpec, p.Type)
	}
	if p.RelatedEntityType != "" && !p.RelatedEntityType.Valid() {
		return fmt.Errorf("%w: 不明なrelated_entity_typeです: %q", ErrInvalidSpec, p.RelatedEntityType)
	}
	return nil
}

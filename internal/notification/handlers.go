package notification

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Creator は通知を作成して配信する。Service.CreateAndDeliverが実装する。
type Creator interface {
	CreateAndDeliver(ctx context.Context, p CreateParams) (Notification, error)
}

// AudienceSource はお知らせの宛先を省略したときの既定の対象ユーザーを返す。
type AudienceSource interface {
	ListActiveUserIDs(ctx context.Context, within time.Duration) ([]string, error)
}

// Handlers は機能ごとの通知ルールを表す。
//
// どのハンドラも受信者と送信者が同じ場合は通知を作らず(nil, nil)を返す。
// 通知は必ずCreator経由で作成し、エラーは呼び出し元に返す。
type Handlers struct {
	// creator は通知の作成と配信を行う。
	creator Creator
	// audience はお知らせの既定の宛先を解決する。
	audience AudienceSource
	// audienceWindow は既定の宛先とする最終アクセスからの期間。
	audienceWindow time.Duration
	// logger はログ出力先。
	logger *slog.Logger
}

// NewHandlers は新しいHandlersを生成する。audienceWindowが0以下ならDefaultAudienceWindowを使う。
func NewHandlers(creator Creator, audience AudienceSource, audienceWindow time.Duration, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if audienceWindow <= 0 {
		audienceWindow = DefaultAudienceWindow
	}
	return &Handlers{
		creator:        creator,
		audience:       audience,
		audienceWindow: audienceWindow,
		logger:         logger,
	}
}

// ListLike はリストへのいいね。
type ListLike struct {
	ListID    string
	ListName  string
	OwnerID   string
	LikerID   string
	LikerName string
}

// Follow はユーザーのフォロー・フォロー解除。
type Follow struct {
	FollowerID   string
	FollowerName string
	FolloweeID   string
}

// ListItemAdded はリストへの料理の追加。
type ListItemAdded struct {
	ListID    string
	ListName  string
	OwnerID   string
	AdderID   string
	AdderName string
	DishID    string
	DishName  string
}

// ListShare はリストの共有。
type ListShare struct {
	ListID      string
	ListName    string
	SharerID    string
	SharerName  string
	RecipientID string
}

// SubmissionOutcome は投稿（レストラン・料理の追加申請）の審査結果。
type SubmissionOutcome struct {
	SubmissionID string
	SubmitterID  string
	// ReviewerID は審査した管理者のID。空ならシステム扱い。
	ReviewerID  string
	SubjectName string
	// Reason は却下理由。承認時は使用しない。
	Reason string
}

// NewDish はお気に入りレストランへの料理の追加。
type NewDish struct {
	DishID         string
	DishName       string
	RestaurantID   string
	RestaurantName string
	// CreatorID は料理を追加したユーザー。本人には通知しない。
	CreatorID    string
	FavoriterIDs []string
}

// Recommendation はレストランまたは料理のおすすめ。
type Recommendation struct {
	SenderID    string
	SenderName  string
	RecipientID string
	// EntityType はEntityRestaurantまたはEntityDish。
	EntityType EntityType
	EntityID   string
	EntityName string
	Note       string
}

// Promotion は期間限定のプロモーション。
type Promotion struct {
	RecipientID string
	Title       string
	Message     string
	ActionURL   string
	ExpiresAt   time.Time
}

// isSelfAction は受信者と送信者が同じかどうかを判定し、同じならログに残す。
func (h *Handlers) isSelfAction(ctx context.Context, kind Type, recipientID, senderID string) bool {
	if recipientID == "" || recipientID != senderID {
		return false
	}
	h.logger.DebugContext(ctx, "自分自身への通知は作成しません", "type", kind, "user_id", recipientID)
	return true
}

// create はCreatorを呼び出し、結果をポインタで返す。
func (h *Handlers) create(ctx context.Context, p CreateParams) (*Notification, error) {
	n, err := h.creator.CreateAndDeliver(ctx, p)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// ListLiked はリストの所有者にいいねを通知する。
func (h *Handlers) ListLiked(ctx context.Context, in ListLike) (*Notification, error) {
	if h.isSelfAction(ctx, TypeLikeList, in.OwnerID, in.LikerID) {
		return nil, nil
	}
	return h.create(ctx, CreateParams{
		RecipientID:       in.OwnerID,
		SenderID:          in.LikerID,
		Type:              TypeLikeList,
		RelatedEntityType: EntityList,
		RelatedEntityID:   in.ListID,
		Title:             "リストにいいねされました",
		Message:           fmt.Sprintf("%sさんがあなたのリスト「%s」にいいねしました", displayName(in.LikerName), in.ListName),
		ActionURL:         "/lists/" + in.ListID,
		GroupKey:          "like_list:" + in.ListID,
		Metadata: map[string]any{
			"list_id":    in.ListID,
			"list_name":  in.ListName,
			"liker_id":   in.LikerID,
			"liker_name": in.LikerName,
		},
	})
}

// UserFollowed はフォローされたユーザーに通知する。
func (h *Handlers) UserFollowed(ctx context.Context, in Follow) (*Notification, error) {
	if h.isSelfAction(ctx, TypeFollowUser, in.FolloweeID, in.FollowerID) {
		return nil, nil
	}
	return h.create(ctx, CreateParams{
		RecipientID:       in.FolloweeID,
		SenderID:          in.FollowerID,
		Type:              TypeFollowUser,
		RelatedEntityType: EntityUser,
		RelatedEntityID:   in.FollowerID,
		Title:             "新しいフォロワー",
		Message:           fmt.Sprintf("%sさんがあなたをフォローしました", displayName(in.FollowerName)),
		ActionURL:         "/users/" + in.FollowerID,
		GroupKey:          "follow:" + in.FolloweeID,
		Metadata: map[string]any{
			"follower_id":   in.FollowerID,
			"follower_name": in.FollowerName,
		},
	})
}

// UserUnfollowed はフォローを解除されたユーザーに通知する。
func (h *Handlers) UserUnfollowed(ctx context.Context, in Follow) (*Notification, error) {
	if h.isSelfAction(ctx, TypeUnfollowUser, in.FolloweeID, in.FollowerID) {
		return nil, nil
	}
	return h.create(ctx, CreateParams{
		RecipientID:       in.FolloweeID,
		SenderID:          in.FollowerID,
		Type:              TypeUnfollowUser,
		RelatedEntityType: EntityUser,
		RelatedEntityID:   in.FollowerID,
		Title:             "フォローが解除されました",
		Message:           fmt.Sprintf("%sさんがフォローを解除しました", displayName(in.FollowerName)),
		GroupKey:          "unfollow:" + in.FolloweeID,
		Metadata: map[string]any{
			"follower_id":   in.FollowerID,
			"follower_name": in.FollowerName,
		},
	})
}

// ListItemAdded は他のユーザーがリストに料理を追加したことを所有者に通知する。
func (h *Handlers) ListItemAdded(ctx context.Context, in ListItemAdded) (*Notification, error) {
	if h.isSelfAction(ctx, TypeListItemAdded, in.OwnerID, in.AdderID) {
		return nil, nil
	}
	return h.create(ctx, CreateParams{
		RecipientID:       in.OwnerID,
		SenderID:          in.AdderID,
		Type:              TypeListItemAdded,
		RelatedEntityType: EntityList,
		RelatedEntityID:   in.ListID,
		Title:             "リストに料理が追加されました",
		Message:           fmt.Sprintf("%sさんがリスト「%s」に「%s」を追加しました", displayName(in.AdderName), in.ListName, in.DishName),
		ActionURL:         "/lists/" + in.ListID,
		GroupKey:          "list_item_added:" + in.ListID,
		Metadata: map[string]any{
			"list_id":    in.ListID,
			"dish_id":    in.DishID,
			"dish_name":  in.DishName,
			"adder_id":   in.AdderID,
			"adder_name": in.AdderName,
		},
	})
}

// ListShared はリストを共有されたユーザーに通知する。
func (h *Handlers) ListShared(ctx context.Context, in ListShare) (*Notification, error) {
	if h.isSelfAction(ctx, TypeListShared, in.RecipientID, in.SharerID) {
		return nil, nil
	}
	return h.create(ctx, CreateParams{
		RecipientID:       in.RecipientID,
		SenderID:          in.SharerID,
		Type:              TypeListShared,
		RelatedEntityType: EntityList,
		RelatedEntityID:   in.ListID,
		Title:             "リストが共有されました",
		Message:           fmt.Sprintf("%sさんがリスト「%s」を共有しました", displayName(in.SharerName), in.ListName),
		ActionURL:         "/lists/" + in.ListID,
		Metadata: map[string]any{
			"list_id":     in.ListID,
			"sharer_id":   in.SharerID,
			"sharer_name": in.SharerName,
		},
	})
}

// SubmissionApproved は投稿者に承認を通知する。
func (h *Handlers) SubmissionApproved(ctx context.Context, in SubmissionOutcome) (*Notification, error) {
	if h.isSelfAction(ctx, TypeSubmissionApproved, in.SubmitterID, in.ReviewerID) {
		return nil, nil
	}
	return h.create(ctx, CreateParams{
		RecipientID:       in.SubmitterID,
		SenderID:          in.ReviewerID,
		Type:              TypeSubmissionApproved,
		RelatedEntityType: EntitySubmission,
		RelatedEntityID:   in.SubmissionID,
		Title:             "投稿が承認されました",
		Message:           fmt.Sprintf("「%s」の投稿が承認され、公開されました", in.SubjectName),
		ActionURL:         "/submissions/" + in.SubmissionID,
		Metadata: map[string]any{
			"submission_id": in.SubmissionID,
			"subject_name":  in.SubjectName,
		},
	})
}

// SubmissionRejected は投稿者に却下を通知する。理由があれば本文に含める。
func (h *Handlers) SubmissionRejected(ctx context.Context, in SubmissionOutcome) (*Notification, error) {
	if h.isSelfAction(ctx, TypeSubmissionRejected, in.SubmitterID, in.ReviewerID) {
		return nil, nil
	}
	msg := fmt.Sprintf("「%s」の投稿は承認されませんでした", in.SubjectName)
	if in.Reason != "" {
		msg += "。理由: " + in.Reason
	}
	return h.create(ctx, CreateParams{
		RecipientID:       in.SubmitterID,
		SenderID:          in.ReviewerID,
		Type:              TypeSubmissionRejected,
		RelatedEntityType: EntitySubmission,
		RelatedEntityID:   in.SubmissionID,
		Title:             "投稿が却下されました",
		Message:           msg,
		ActionURL:         "/submissions/" + in.SubmissionID,
		Metadata: map[string]any{
			"submission_id": in.SubmissionID,
			"subject_name":  in.SubjectName,
			"reason":        in.Reason,
		},
	})
}

// NewDishAtFavoriteRestaurant はレストランをお気に入りにしている全ユーザーへ新しい料理を通知する。
// 料理を追加した本人は除外し、1人分の失敗が他の受信者に影響しないよう1件ずつ処理する。
func (h *Handlers) NewDishAtFavoriteRestaurant(ctx context.Context, in NewDish) BatchResult {
	return runBatch(ctx, h, "new_dish", uniqueNonEmpty(in.FavoriterIDs),
		func(recipientID string) string { return recipientID },
		func(recipientID string) (CreateParams, bool, error) {
			if h.isSelfAction(ctx, TypeNewDishAtFavoriteRestaurant, recipientID, in.CreatorID) {
				return CreateParams{}, false, nil
			}
			return CreateParams{
				RecipientID:       recipientID,
				SenderID:          in.CreatorID,
				Type:              TypeNewDishAtFavoriteRestaurant,
				RelatedEntityType: EntityDish,
				RelatedEntityID:   in.DishID,
				Title:             "お気に入りのレストランに新メニュー",
				Message:           fmt.Sprintf("「%s」に「%s」が追加されました", in.RestaurantName, in.DishName),
				ActionURL:         "/dishes/" + in.DishID,
				GroupKey:          "new_dish:" + in.RestaurantID,
				Metadata: map[string]any{
					"dish_id":         in.DishID,
					"dish_name":       in.DishName,
					"restaurant_id":   in.RestaurantID,
					"restaurant_name": in.RestaurantName,
				},
			}, true, nil
		})
}

// Recommended はレストランまたは料理のおすすめを通知する。
func (h *Handlers) Recommended(ctx context.Context, in Recommendation) (*Notification, error) {
	p, err := recommendationParams(in)
	if err != nil {
		return nil, err
	}
	if h.isSelfAction(ctx, p.Type, in.RecipientID, in.SenderID) {
		return nil, nil
	}
	return h.create(ctx, p)
}

// recommendationParams はおすすめの種類に応じた作成要求を組み立てる。
func recommendationParams(in Recommendation) (CreateParams, error) {
	var (
		kind  Type
		noun  string
		route string
	)
	switch in.EntityType {
	case EntityRestaurant:
		kind, noun, route = TypeRestaurantRecommendation, "レストラン", "/restaurants/"
	case EntityDish:
		kind, noun, route = TypeDishRecommendation, "料理", "/dishes/"
	default:
		return CreateParams{}, fmt.Errorf("%w: おすすめの対象はRESTAURANTかDISHです: %q", ErrInvalidSpec, in.EntityType)
	}

	sender := "おすすめ"
	if in.SenderID != "" {
		sender = displayName(in.SenderName) + "さんのおすすめ"
	}
	msg := fmt.Sprintf("%s: %s「%s」", sender, noun, in.EntityName)
	if in.Note != "" {
		msg += " - " + in.Note
	}
	return CreateParams{
		RecipientID:       in.RecipientID,
		SenderID:          in.SenderID,
		Type:              kind,
		RelatedEntityType: in.EntityType,
		RelatedEntityID:   in.EntityID,
		Title:             noun + "のおすすめ",
		Message:           msg,
		ActionURL:         route + in.EntityID,
		Metadata: map[string]any{
			"entity_id":   in.EntityID,
			"entity_name": in.EntityName,
			"sender_name": in.SenderName,
		},
	}, nil
}

// Promotional は期限付きのプロモーション通知を1人に送る。期限を過ぎた通知は定期掃除で削除される。
func (h *Handlers) Promotional(ctx context.Context, in Promotion) (*Notification, error) {
	if in.ExpiresAt.IsZero() {
		return nil, fmt.Errorf("%w: プロモーションには有効期限が必要です", ErrInvalidSpec)
	}
	expiresAt := in.ExpiresAt.UTC()
	return h.create(ctx, CreateParams{
		RecipientID:       in.RecipientID,
		Type:              TypePromotional,
		RelatedEntityType: EntitySystem,
		Title:             in.Title,
		Message:           in.Message,
		ActionURL:         in.ActionURL,
		ExpiresAt:         &expiresAt,
	})
}

// displayName は表示名が空の場合の代替表記を返す。
func displayName(name string) string {
	if name == "" {
		return "だれか"
	}
	return name
}

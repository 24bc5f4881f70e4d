package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// defaultTriggerTimeout は1回のトリガー処理に許容する時間。
const defaultTriggerTimeout = 10 * time.Second

// TriggerOptions はTriggersの動作設定。
type TriggerOptions struct {
	// Async がtrueなら各トリガーをゴルーチンで実行し、呼び出し元をブロックしない。
	Async bool
	// Timeout は1回のトリガー処理に許容する時間。0以下ならデフォルト値。
	Timeout time.Duration
}

// Triggers はリスト・フォロー・投稿審査などの機能から呼び出される通知の入口。
//
// 各関数はベストエフォートでログのみを残す契約を持つ。情報の解決・通知の作成・保存の
// いずれで失敗してもエラーはログに記録して破棄し、パニックも回復する。呼び出し元の
// 業務処理（いいね、フォローなど）が通知の失敗によって失敗することはない。
// 呼び出し元のリクエストが終了しても処理を続けられるよう、コンテキストのキャンセルは引き継がない。
type Triggers struct {
	// handlers は機能ごとの通知ルール。
	handlers *Handlers
	// directory はリストの所有者や表示名を解決する。
	directory Directory
	// opts は動作設定。
	opts TriggerOptions
	// mu はclosedとinflight.Addを保護する。
	mu sync.Mutex
	// closed はCloseが呼ばれたかどうか。
	closed bool
	// inflight は非同期実行中のトリガー。
	inflight sync.WaitGroup
	// logger はログ出力先。
	logger *slog.Logger
}

// NewTriggers は新しいTriggersを生成する。
func NewTriggers(handlers *Handlers, directory Directory, opts TriggerOptions, logger *slog.Logger) *Triggers {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTriggerTimeout
	}
	return &Triggers{
		handlers:  handlers,
		directory: directory,
		opts:      opts,
		logger:    logger,
	}
}

// Wait は非同期実行中のトリガーがすべて終わるまで待つ。
func (t *Triggers) Wait() {
	t.inflight.Wait()
}

// Close は以降のトリガーを受け付けないようにし、実行中のトリガーが終わるまで待つ。
// シャットダウン時に使用する。
func (t *Triggers) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.inflight.Wait()
}

// run はfnを失敗境界の中で実行する。
func (t *Triggers) run(ctx context.Context, event string, fn func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	exec := func() {
		ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				t.logger.ErrorContext(ctx, "通知トリガーでパニックが発生", "event", event, "panic", r)
			}
		}()
		if err := fn(ctx); err != nil {
			t.logger.WarnContext(ctx, "通知トリガーの処理に失敗", "event", event, "error", err)
		}
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.logger.WarnContext(ctx, "シャットダウン中のため通知トリガーを破棄しました", "event", event)
		return
	}
	if !t.opts.Async {
		t.mu.Unlock()
		exec()
		return
	}
	t.inflight.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.inflight.Done()
		exec()
	}()
}

// resolveName は表示名が渡されていなければDirectoryから取得する。
func (t *Triggers) resolveName(ctx context.Context, userID, name string) (string, error) {
	if name != "" || userID == "" {
		return name, nil
	}
	return t.directory.GetUserName(ctx, userID)
}

// OnListLiked はリストがいいねされたときに呼び出す。
func (t *Triggers) OnListLiked(ctx context.Context, listID, likerID, likerName string) {
	t.run(ctx, "list_liked", func(ctx context.Context) error {
		list, err := t.directory.GetList(ctx, listID)
		if err != nil {
			return err
		}
		// 所有者自身のいいねなら表示名の解決も不要
		if list.OwnerID == likerID {
			return nil
		}
		name, err := t.resolveName(ctx, likerID, likerName)
		if err != nil {
			return err
		}
		_, err = t.handlers.ListLiked(ctx, ListLike{
			ListID:    listID,
			ListName:  list.Name,
			OwnerID:   list.OwnerID,
			LikerID:   likerID,
			LikerName: name,
		})
		return err
	})
}

// OnUserFollowed はユーザーがフォローされたときに呼び出す。
func (t *Triggers) OnUserFollowed(ctx context.Context, followerID, followeeID, followerName string) {
	t.run(ctx, "user_followed", func(ctx context.Context) error {
		name, err := t.resolveName(ctx, followerID, followerName)
		if err != nil {
			return err
		}
		_, err = t.handlers.UserFollowed(ctx, Follow{FollowerID: followerID, FollowerName: name, FolloweeID: followeeID})
		return err
	})
}

// OnUserUnfollowed はフォローが解除されたときに呼び出す。
func (t *Triggers) OnUserUnfollowed(ctx context.Context, followerID, followeeID, followerName string) {
	t.run(ctx, "user_unfollowed", func(ctx context.Context) error {
		name, err := t.resolveName(ctx, followerID, followerName)
		if err != nil {
			return err
		}
		_, err = t.handlers.UserUnfollowed(ctx, Follow{FollowerID: followerID, FollowerName: name, FolloweeID: followeeID})
		return err
	})
}

// OnListItemAdded はリストに料理が追加されたときに呼び出す。
func (t *Triggers) OnListItemAdded(ctx context.Context, listID, adderID, adderName, dishID, dishName string) {
	t.run(ctx, "list_item_added", func(ctx context.Context) error {
		list, err := t.directory.GetList(ctx, listID)
		if err != nil {
			return err
		}
		if list.OwnerID == adderID {
			return nil
		}
		name, err := t.resolveName(ctx, adderID, adderName)
		if err != nil {
			return err
		}
		_, err = t.handlers.ListItemAdded(ctx, ListItemAdded{
			ListID:    listID,
			ListName:  list.Name,
			OwnerID:   list.OwnerID,
			AdderID:   adderID,
			AdderName: name,
			DishID:    dishID,
			DishName:  dishName,
		})
		return err
	})
}

// OnListShared はリストが他のユーザーに共有されたときに呼び出す。
func (t *Triggers) OnListShared(ctx context.Context, listID, sharerID, recipientID string) {
	t.run(ctx, "list_shared", func(ctx context.Context) error {
		list, err := t.directory.GetList(ctx, listID)
		if err != nil {
			return err
		}
		name, err := t.resolveName(ctx, sharerID, "")
		if err != nil {
			return err
		}
		_, err = t.handlers.ListShared(ctx, ListShare{
			ListID:      listID,
			ListName:    list.Name,
			SharerID:    sharerID,
			SharerName:  name,
			RecipientID: recipientID,
		})
		return err
	})
}

// OnSubmissionApproved は投稿が承認されたときに呼び出す。
func (t *Triggers) OnSubmissionApproved(ctx context.Context, submissionID, submitterID, reviewerID, subjectName string) {
	t.run(ctx, "submission_approved", func(ctx context.Context) error {
		_, err := t.handlers.SubmissionApproved(ctx, SubmissionOutcome{
			SubmissionID: submissionID,
			SubmitterID:  submitterID,
			ReviewerID:   reviewerID,
			SubjectName:  subjectName,
		})
		return err
	})
}

// OnSubmissionRejected は投稿が却下されたときに呼び出す。
func (t *Triggers) OnSubmissionRejected(ctx context.Context, submissionID, submitterID, reviewerID, subjectName, reason string) {
	t.run(ctx, "submission_rejected", func(ctx context.Context) error {
		_, err := t.handlers.SubmissionRejected(ctx, SubmissionOutcome{
			SubmissionID: submissionID,
			SubmitterID:  submitterID,
			ReviewerID:   reviewerID,
			SubjectName:  subjectName,
			Reason:       reason,
		})
		return err
	})
}

// OnDishAddedToRestaurant はレストランに料理が追加されたときに呼び出す。
// レストランをお気に入りにしている全ユーザーに通知する。
func (t *Triggers) OnDishAddedToRestaurant(ctx context.Context, dishID, dishName, restaurantID, creatorID string) {
	t.run(ctx, "dish_added", func(ctx context.Context) error {
		r, err := t.directory.GetRestaurant(ctx, restaurantID)
		if err != nil {
			return err
		}
		res := t.handlers.NewDishAtFavoriteRestaurant(ctx, NewDish{
			DishID:         dishID,
			DishName:       dishName,
			RestaurantID:   restaurantID,
			RestaurantName: r.Name,
			CreatorID:      creatorID,
			FavoriterIDs:   r.FavoriterIDs,
		})
		if err := res.Err(); err != nil {
			return fmt.Errorf("%d件の通知に失敗: %w", len(res.Failed), err)
		}
		return nil
	})
}

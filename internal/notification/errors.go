package notification

import "errors"

var (
	// ErrInvalidSpec は通知の作成要求に必須項目が欠けているか不正な値が含まれることを表す。
	ErrInvalidSpec = errors.New("通知の作成要求が不正です")
	// ErrPersistence は通知ストアの操作に失敗したことを表す。
	// 元のエラーもerrors.Isで判定できるようにラップされる。
	ErrPersistence = errors.New("通知ストアの操作に失敗しました")
	// ErrMissingUser はユーザーIDが指定されていないことを表す。
	ErrMissingUser = errors.New("ユーザーIDが必要です")
)

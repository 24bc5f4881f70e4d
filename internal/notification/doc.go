// Package notification は通知サービスの内部実装を提供する。
//
// レストラン・料理・リストに関するユーザーの行動（いいね、フォロー、
// リストへの追加、投稿の承認など）から通知を生成し、保存したうえで
// 受信者が接続中のすべてのチャネルへリアルタイムに配信する。
//
// 処理の流れ:
//
//	Triggers（失敗を握りつぶす境界）
//	  → Handlers（自己通知の抑止・文面の組み立て）
//	    → Service.CreateAndDeliver（保存 → Fan-out → 作成イベント）
//
// 既読管理（Service.MarkAsRead / GetUnreadCount）、期限切れ通知と
// 切断済みチャネルの定期掃除（Sweeper）、一斉送信（Handlers.SendSystemAnnouncement 等）
// も本パッケージが担う。通知の永続化はStoreインターフェースを介して行う。
package notification

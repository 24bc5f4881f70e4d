// Package broker は通知の作成イベントを外部へ発行する。
//
// Observerは通知サービスの作成イベントを購読し、NotificationCreatedイベントに
// 変換してSenderへ非同期に渡す。SenderにはRabbitMQのトピック交換機へ
// 発行するAMQPSender、Event Storeサービスへ追記するEventStoreSender、
// 接続できない場合に破棄するだけのFallbackSenderがある。
package broker

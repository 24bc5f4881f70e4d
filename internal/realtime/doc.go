// Package realtime はユーザーごとのリアルタイム配信チャネルを管理する。
//
// WebSocket（push）とServer-Sent Events（stream）の2種類のチャネルを
// ユーザーIDごとに登録し、1つのEnvelopeを受信者のすべてのチャネルへ
// 同時に配信する（Fan-out）。チャネルはプロセス内のメモリ上にのみ存在し、
// 永続化されない。
//
// 主な構成要素:
//   - Registry: ユーザーID → チャネル集合の登録・削除・参照
//   - Fanout: 受信者の全チャネルへのEnvelope配信と失敗チャネルの切り離し
//   - WSChannel / SSEChannel: 送信キューを持つチャネル実装
package realtime

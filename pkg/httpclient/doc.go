// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// 通知サービスがカタログサービス（リスト・ユーザー・レストラン情報）や
// Event Storeを呼び出す際に使用する。JSONの送受信、ユーザーIDの伝播、
// サービス間認証トークンの付与、エラーステータスの判定を統一する。
package httpclient

// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// JWT認証トークンの検証、構造化リクエストログ、パニックリカバリ、
// CORS設定を含む。ブラウザのEventSourceはヘッダーを付けられないため、
// JWTAuthはクエリパラメータのaccess_tokenも受け付ける。
package middleware

// Package middleware は通知サービスのHTTP APIで使用する共通Ginミドルウェアを提供する。
//
// JWTによる通知先（主体）の認証、内部API用トークンの検証、パニックリカバリ、
// CORS設定、Prometheusメトリクスの記録を含む。
package middleware

// Package httpclient は通知サーバーの内部APIを呼び出すクライアントを提供する。
//
// 業務サービスやnotifyctlが通知の発行や接続状況の確認に使う。
// 内部APIは共有トークンで保護されているため、WithInternalTokenで設定する。
package httpclient

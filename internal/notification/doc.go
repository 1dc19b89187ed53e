// Package notification は通知サービスの内部実装を提供する。
//
// 通知先ごとのリスナー登録（Registry）、プロセス内のPub/Sub（Broadcaster）、
// 接続ごとのストリーミングセッション（Session）、ライブ配信とプッシュ配信を束ねる
// Service、そしてGinベースのHTTPサーバーを含む。
//
// Broadcasterは単一プロセス内でのみ配信する。複数レプリカで動かす場合はRelayを
// 設定し、他のレプリカで発行された通知も受け取れるようにする。Relayが無い場合、
// 別レプリカに接続したクライアントには通知が届かない。
package notification

// Package relay は複数レプリカ間で通知を中継するnotification.Relayの実装を提供する。
//
// 既定ではBroadcasterは同じプロセスに接続しているリスナーにしか配信しない。
// Relayを設定すると、発行された通知はメッセージバス経由で他のレプリカにも届き、
// それぞれのレプリカが自分に接続しているリスナーへ配信する。
package relay

// Package event は通知サービスとクライアント側配信エージェントが共有するワイヤー型を提供する。
//
// 通知先（Recipient）、ストリームに流れるイベント（Event）、
// Web Pushで送るペイロード（PushPayload）を定義する。
package event

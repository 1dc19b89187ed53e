// Package push はWeb Pushによる通知配信を提供する。
//
// 通知先ごとの有効なプッシュ購読を永続化ストアから読み出し、各エンドポイントへ
// ペイロードを送信する。エンドポイント単位の失敗は記録して読み飛ばし、
// 他のエンドポイントへの配信には影響させない。
package push

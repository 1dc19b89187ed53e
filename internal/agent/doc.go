// Package agent はプッシュ通知を受け取るバックグラウンドワーカーの振る舞いを提供する。
//
// ワーカーはサーバーとメモリを共有せず、プッシュサービス経由で届いたペイロードだけを受け取る。
// 受け取ったペイロードからシステム通知を表示し、同時に開いているウィンドウへ
// NEW_NOTIFICATION メッセージを送って画面の再読み込みなしに一覧を更新させる。
// ブラウザ上の実装は web/sw.js で、このパッケージはその契約をGoで表現したもの。
package agent

// Package web はブラウザに配布する静的ファイルを埋め込む。
package web

import _ "embed"

// ServiceWorker はプッシュ通知を受け取るバックグラウンドワーカーのスクリプト。
//
//go:embed sw.js
var ServiceWorker []byte

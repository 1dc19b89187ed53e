package event

import "time"

// fixedNow はテスト用の固定時刻。
var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

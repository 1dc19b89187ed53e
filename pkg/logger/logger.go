// Package logger はslogベースの構造化ロガーを提供する。
// OpenTelemetryのスパンがコンテキストにあればtrace_idとspan_idを付与する。
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"
)

// Init はJSON形式のロガーを生成し、slogのデフォルトに設定する。
func Init(level slog.Level) *slog.Logger {
	return InitWithWriter(os.Stdout, level)
}

// InitWithWriter は出力先を指定してロガーを初期化する。
func InitWithWriter(w io.Writer, level slog.Level) *slog.Logger {
	l := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(l)
	return l
}

// From はコンテキストに紐づくロガーを返す。
func From(ctx context.Context) *slog.Logger {
	l := slog.Default()

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		l = l.With(
			slog.String("trace_id", span.SpanContext().TraceID().String()),
			slog.String("span_id", span.SpanContext().SpanID().String()),
		)
	}
	return l
}

// ParseLevel は "debug" などの文字列をslog.Levelに変換する。未知の値はInfoとする。
func ParseLevel(s string) slog.Level {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lv
}

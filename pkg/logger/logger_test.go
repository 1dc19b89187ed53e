package logger

import (
	"context"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

// TestParseLevel はログレベル文字列の変換を検証する。
func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "WARN", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

// TestFrom はスパン情報の付与を検証する。
func TestFrom(t *testing.T) {
	t.Parallel()

	t.Run("スパンがない場合はデフォルトロガーを返すこと", func(t *testing.T) {
		t.Parallel()

		if From(context.Background()) != slog.Default() {
			t.Error("スパンがないのにデフォルト以外のロガーが返された")
		}
	})

	t.Run("有効なスパンがある場合は別のロガーを返すこと", func(t *testing.T) {
		t.Parallel()

		sc := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    trace.TraceID{1, 2, 3},
			SpanID:     trace.SpanID{4, 5, 6},
			TraceFlags: trace.FlagsSampled,
		})
		ctx := trace.ContextWithSpanContext(context.Background(), sc)
		if From(ctx) == slog.Default() {
			t.Error("スパン情報が付与されていない")
		}
	})
}

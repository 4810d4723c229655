package logger_test

import (
	"context"
	"testing"

	"github.com/jonesrussell/north-cloud/staffdir/internal/logger"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"WARNING", zapcore.WarnLevel},
		{" error ", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"bogus", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		if got := logger.ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFromContext_RoundTrip(t *testing.T) {
	t.Parallel()

	l := newTestLogger(t)
	ctx := logger.WithContext(context.Background(), l)

	if got := logger.FromContext(ctx); got != l {
		t.Error("FromContext did not return the stored logger")
	}
}

func TestFromContext_EmptyIsUsable(t *testing.T) {
	t.Parallel()

	l := logger.FromContext(context.Background())
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
	l.Info("discarded", logger.Target("https://example.edu/staff"))
}

func TestWith_ReturnsNewInstance(t *testing.T) {
	t.Parallel()

	base := newTestLogger(t)
	child := base.With(logger.String("run_mode", "full"))

	if child == base {
		t.Error("With should return a distinct logger")
	}
	child.Warn("child logger works")
}

func newTestLogger(t *testing.T) logger.Logger {
	t.Helper()

	l, err := logger.New(logger.Config{Level: "warn", OutputPaths: []string{"stderr"}})
	if err != nil {
		t.Fatalf("create logger: %v", err)
	}
	return l
}

package pkg

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestSetLogLevel(t *testing.T) {
	original := GetLogLevel()
	defer SetLogLevel(original)

	tests := []struct {
		name  string
		level slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLogLevel(tt.level)
			if got := GetLogLevel(); got != tt.level {
				t.Errorf("GetLogLevel() = %v, want %v", got, tt.level)
			}
		})
	}
}

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, nil)
	if logger == nil {
		t.Fatal("NewJSONLogger returned nil")
	}

	logger.Warn("test message")
	output := buf.String()
	if !strings.Contains(output, `"msg":"test message"`) {
		t.Errorf("JSON log output missing message: %s", output)
	}
}

func TestLogFunctions(t *testing.T) {
	var buf bytes.Buffer
	original := DefaultLogger
	defer SetLogger(original)

	SetLogger(NewLogger(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	tests := []struct {
		name      string
		log       func(Component, string, ...any)
		component Component
	}{
		{"debug", LogDebug, ComponentAsync},
		{"info", LogInfo, ComponentHost},
		{"warn", LogWarn, ComponentPeriodic},
		{"error", LogError, ComponentController},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.log(tt.component, tt.name+" message", "key", "value")
			output := buf.String()
			if !strings.Contains(output, tt.name+" message") {
				t.Errorf("log missing message: %s", output)
			}
			if !strings.Contains(output, "component="+string(tt.component)) {
				t.Errorf("log missing component: %s", output)
			}
			if !strings.Contains(output, "key=value") {
				t.Errorf("log missing attribute: %s", output)
			}
		})
	}
}

func TestLog_With(t *testing.T) {
	var buf bytes.Buffer
	original := DefaultLogger
	defer SetLogger(original)

	SetLogger(NewLogger(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l := NewLog(ComponentController, "id", "hc0")
	l.Info("started")
	if out := buf.String(); !strings.Contains(out, "component=controller") || !strings.Contains(out, "id=hc0") {
		t.Errorf("controller log = %q", out)
	}

	buf.Reset()
	l.With(ComponentPool).Debug("allocated", "index", 3)
	out := buf.String()
	if !strings.Contains(out, "component=pool") {
		t.Errorf("derived log missing component: %q", out)
	}
	if !strings.Contains(out, "id=hc0") || !strings.Contains(out, "index=3") {
		t.Errorf("derived log missing attributes: %q", out)
	}
}

func TestLog_FollowsSetLogger(t *testing.T) {
	original := DefaultLogger
	defer SetLogger(original)

	l := NewLog(ComponentSim)

	var buf bytes.Buffer
	SetLogger(NewLogger(&buf, nil))
	l.Warn("late binding")
	if !strings.Contains(buf.String(), "late binding") {
		t.Error("Log did not use logger installed after creation")
	}
}

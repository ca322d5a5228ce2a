package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		cfg     Config
		name    string
		wantErr bool
	}{
		{
			name: "text format stdout",
			cfg:  Config{Level: "info", Format: "text", Output: "stdout"},
		},
		{
			name: "json format stderr",
			cfg:  Config{Level: "debug", Format: "json", Output: "stderr"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && logger == nil {
				t.Error("New() returned nil logger")
			}
		})
	}
}

func TestNewDefault(t *testing.T) {
	logger := NewDefault()
	if logger == nil {
		t.Fatal("NewDefault() returned nil")
	}
	if logger.cfg.Level != "info" {
		t.Errorf("expected default level info, got %s", logger.cfg.Level)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := parseLevel(tt.level); got != tt.want {
				t.Errorf("parseLevel(%s) = %v, want %v", tt.level, got, tt.want)
			}
		})
	}
}

func TestWithField(t *testing.T) {
	logger := NewDefault()
	newLogger := logger.WithField("test_key", "test_value")
	if newLogger == nil {
		t.Fatal("WithField() returned nil")
	}
	if newLogger == logger {
		t.Error("WithField() should return a new logger instance")
	}
}

func TestWithFields(t *testing.T) {
	logger := NewDefault()
	newLogger := logger.WithFields(map[string]any{"key1": "value1", "key2": 42})
	if newLogger == nil {
		t.Fatal("WithFields() returned nil")
	}
	if newLogger == logger {
		t.Error("WithFields() should return a new logger instance")
	}
}

func TestGlobalLogger(t *testing.T) {
	if Global() == nil {
		t.Fatal("Global() returned nil")
	}
	newLogger := NewDefault()
	SetGlobal(newLogger)
	if Global() != newLogger {
		t.Error("SetGlobal() did not update global logger")
	}
}

func TestLoggingOutput(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := &Logger{Logger: slog.New(handler)}

	logger.Info("test message", "key", "value")

	output := buf.String()
	if !strings.Contains(output, "test message") {
		t.Errorf("log output doesn't contain message, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("log output doesn't contain key-value pair, got: %s", output)
	}
}

func TestContextLogging(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := &Logger{Logger: slog.New(handler)}

	logger.InfoContext(context.Background(), "context message")

	if !strings.Contains(buf.String(), "context message") {
		t.Errorf("context log output doesn't contain message, got: %s", buf.String())
	}
}

func TestFileOutput(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test-log-*.log")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Remove(tmpfile.Name()) }()
	_ = tmpfile.Close()

	logger, err := New(Config{Level: "info", Format: "text", Output: "file", FilePath: tmpfile.Name()})
	if err != nil {
		t.Fatalf("failed to create logger with file output: %v", err)
	}

	logger.Info("test file message")

	content, err := os.ReadFile(tmpfile.Name())
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "test file message") {
		t.Errorf("log file doesn't contain message, got: %s", string(content))
	}
}

func TestAllLogLevels(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := &Logger{Logger: slog.New(handler)}

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	output := buf.String()
	for _, want := range []string{"debug message", "info message", "warn message", "error message"} {
		if !strings.Contains(output, want) {
			t.Errorf("%q not found in output", want)
		}
	}
}

func TestAllContextLogLevels(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := &Logger{Logger: slog.New(handler)}
	ctx := context.Background()

	logger.DebugContext(ctx, "debug context message")
	logger.InfoContext(ctx, "info context message")
	logger.WarnContext(ctx, "warn context message")
	logger.ErrorContext(ctx, "error context message")

	output := buf.String()
	for _, want := range []string{"debug context message", "info context message", "warn context message", "error context message"} {
		if !strings.Contains(output, want) {
			t.Errorf("%q not found in output", want)
		}
	}
}

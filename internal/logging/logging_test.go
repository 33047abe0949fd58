package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLBeforeInitIsNop(t *testing.T) {
	mu.Lock()
	saved := globalLogger
	globalLogger = nil
	mu.Unlock()
	defer func() {
		mu.Lock()
		globalLogger = saved
		mu.Unlock()
	}()

	if L() == nil {
		t.Fatal("expected non-nil logger")
	}
	L().Info("dropped")
}

func TestInitWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	if err := Init(Config{Level: "debug", Format: "json", OutputPath: path}); err != nil {
		t.Fatalf("init: %v", err)
	}
	Named("test").Info("hello", zap.String("k", "v"))
	Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Errorf("expected message in log file, got %s", data)
	}
	if !strings.Contains(string(data), `"logger":"test"`) {
		t.Errorf("expected logger name in log file, got %s", data)
	}
}

func TestDebugOverridesLevel(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	base.Debug("hidden")
	Debug(base).Debug("shown")

	if logs.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", logs.Len())
	}
	if logs.All()[0].Message != "shown" {
		t.Errorf("expected 'shown', got %q", logs.All()[0].Message)
	}
}

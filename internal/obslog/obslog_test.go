package obslog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestLDefaultsToNop(t *testing.T) {
	Set(nil)
	if L() == nil {
		t.Fatal("L() returned nil")
	}
	L().Info("ignored")
}

func TestInitWritesFile(t *testing.T) {
	t.Cleanup(func() { Set(nil) })
	path := filepath.Join(t.TempDir(), "logs", "bridge.log")

	logger, err := Init(Options{Level: "debug", Format: "json", File: path})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if L() != logger {
		t.Fatal("Init did not install the process logger")
	}

	L().Info("binding_link")
	if err := logger.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(raw), `"msg":"binding_link"`) {
		t.Fatalf("log file missing entry:\n%s", raw)
	}
}

func TestParseLevel(t *testing.T) {
	if got := parseLevel("WARN"); got != zapcore.WarnLevel {
		t.Fatalf("parseLevel(WARN) = %v", got)
	}
	if got := parseLevel("bogus"); got != zapcore.InfoLevel {
		t.Fatalf("parseLevel(bogus) = %v", got)
	}
}

package telemetry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func setupFileLogger(t *testing.T, level string) (*Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strato.log")
	logger, err := NewLogger(LoggingConfig{Level: level, Format: "json", Output: path})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger, path
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	return string(raw)
}

func TestLoggerLevelFiltering(t *testing.T) {
	logger, path := setupFileLogger(t, "info")

	logger.Debug("suppressed")
	logger.Info("emitted")

	out := readLog(t, path)
	if strings.Contains(out, "suppressed") {
		t.Errorf("debug message emitted at info level: %s", out)
	}
	if !strings.Contains(out, "emitted") {
		t.Errorf("info message missing: %s", out)
	}
}

func TestSetLevelReachesComponentLoggers(t *testing.T) {
	logger, path := setupFileLogger(t, "info")

	// Component loggers are created once at startup; a later level change
	// on the root must still apply to them.
	component := logger.NewComponentLogger("placement")
	contextual := component.WithField("role", "network")

	component.Debug("before reload")
	if out := readLog(t, path); strings.Contains(out, "before reload") {
		t.Fatalf("debug emitted before reload: %s", out)
	}

	logger.SetLevel("debug")

	component.Debug("component after reload")
	contextual.Debug("contextual after reload")

	out := readLog(t, path)
	if !strings.Contains(out, "component after reload") {
		t.Errorf("component logger ignored level reload: %s", out)
	}
	if !strings.Contains(out, "contextual after reload") {
		t.Errorf("field-derived logger ignored level reload: %s", out)
	}
}

func TestSetLevelTightens(t *testing.T) {
	logger, path := setupFileLogger(t, "debug")
	component := logger.NewComponentLogger("dispatch")

	logger.SetLevel("error")
	component.Info("quiet now")
	component.Error("still loud")

	out := readLog(t, path)
	if strings.Contains(out, "quiet now") {
		t.Errorf("info emitted after tightening to error: %s", out)
	}
	if !strings.Contains(out, "still loud") {
		t.Errorf("error message missing: %s", out)
	}
}

func TestParseLogLevelDefaultsToInfo(t *testing.T) {
	logger, path := setupFileLogger(t, "bogus")

	logger.Debug("suppressed")
	logger.Info("emitted")

	out := readLog(t, path)
	if strings.Contains(out, "suppressed") {
		t.Errorf("unknown level should default to info: %s", out)
	}
	if !strings.Contains(out, "emitted") {
		t.Errorf("info message missing: %s", out)
	}
}

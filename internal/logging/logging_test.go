package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "warn"}, "metricwatch", &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Str("component", "test").Msg("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["service"] != "metricwatch" || entry["component"] != "test" || entry["level"] != "warn" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestNewLoggerUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "loud"}, "", &buf)

	logger.Debug().Msg("hidden")
	logger.Info().Msg("shown")

	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

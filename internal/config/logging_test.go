package config

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger, err := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf)
	fatalIfErr(t, err, "NewLogger")

	logger.Info("dropped")
	logger.Warn("session_killed", "slot", 3)

	line := strings.TrimSpace(buf.String())
	if strings.Count(line, "\n") != 0 {
		t.Fatalf("expected one record, got %q", line)
	}
	var rec map[string]any
	fatalIfErr(t, json.Unmarshal([]byte(line), &rec), "decoding %q", line)
	if rec["msg"] != "session_killed" || rec["slot"] != float64(3) {
		t.Errorf("record = %v", rec)
	}

	for _, bad := range []LogConfig{{Level: "loud"}, {Format: "xml"}} {
		if _, err := NewLogger(bad, &buf); err == nil {
			t.Errorf("NewLogger(%+v) succeeded", bad)
		}
	}
}

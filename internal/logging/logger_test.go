package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONLoggerTagsService(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "info", "json", "listener")
	log.Debug("hidden")
	log.Info("claimed", "job_id", "pj-0000000001")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line at info, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["service"] != "listener" || rec["job_id"] != "pj-0000000001" || rec["msg"] != "claimed" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestTextFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "DEBUG", "text", "api")
	log.Debug("visible")
	if !strings.Contains(buf.String(), "msg=visible") || !strings.Contains(buf.String(), "service=api") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelWarn, Format: FormatText, Output: &buf})

	l.Debug("nope")
	l.Info("nope")
	l.Warn("kept")
	l.Error("also kept")

	out := buf.String()
	if strings.Contains(out, "nope") {
		t.Errorf("suppressed levels leaked: %s", out)
	}
	if !strings.Contains(out, "kept") || !strings.Contains(out, "also kept") {
		t.Errorf("warn/error missing: %s", out)
	}
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Format: FormatJSON, Output: &buf})

	l.Infof("disk probed", map[string]any{"path": "/data/disk1", "ok": true})

	var e Entry
	if err := json.Unmarshal(buf.Bytes(), &e); err != nil {
		t.Fatalf("output is not JSON: %v: %s", err, buf.String())
	}
	if e.Level != "info" || e.Message != "disk probed" {
		t.Errorf("entry = %+v", e)
	}
	if e.Fields["path"] != "/data/disk1" {
		t.Errorf("fields = %v", e.Fields)
	}
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Format: FormatText, Output: &buf})

	child := l.With(map[string]any{"store": "/data/disk1"})
	child.Infof("sweep done", map[string]any{"removed": 3})

	out := buf.String()
	if !strings.Contains(out, "store=/data/disk1") || !strings.Contains(out, "removed=3") {
		t.Errorf("inherited fields missing: %s", out)
	}
	// The parent stays clean.
	buf.Reset()
	l.Info("plain")
	if strings.Contains(buf.String(), "store=") {
		t.Errorf("parent logger picked up child fields: %s", buf.String())
	}
}

func TestParseLevelAndFormat(t *testing.T) {
	if ParseLevel("debug") != LevelDebug || ParseLevel("error") != LevelError {
		t.Error("ParseLevel known values")
	}
	if ParseLevel("bogus") != LevelInfo {
		t.Error("unknown level should default to info")
	}
	if ParseFormat("text") != FormatText || ParseFormat("bogus") != FormatJSON {
		t.Error("ParseFormat defaults")
	}
}

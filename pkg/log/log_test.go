package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewStandard(&buf, LevelWarn)

	l.Debug("scan detail")
	l.Info("store ready")
	l.Warn("sector %d corrupt", 3)

	out := buf.String()
	if strings.Contains(out, "scan detail") || strings.Contains(out, "store ready") {
		t.Errorf("messages below level leaked: %q", out)
	}
	if !strings.Contains(out, "sector 3 corrupt") || !strings.Contains(out, "[WARN]") {
		t.Errorf("warn message missing or unformatted: %q", out)
	}
}

func TestWithFieldAppearsOnEveryLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewStandard(&buf, LevelDebug).WithField("component", "kvs")

	l.Info("first")
	l.Error("second")

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if !strings.Contains(line, "component=kvs") {
			t.Errorf("line missing field: %q", line)
		}
	}
}

func TestNopDiscards(t *testing.T) {
	// Must not panic and must stay a Logger through WithField.
	var l Logger = NewNop()
	l.WithField("k", 1).Error("ignored %d", 42)
}

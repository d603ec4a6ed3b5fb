package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestWriterLoggerEmitsFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "pump"))
	log.Info("pump.claimed", Int("count", 3), Err(errors.New("boom")))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode line %q: %v", buf.String(), err)
	}
	if line["message"] != "pump.claimed" {
		t.Fatalf("message = %v", line["message"])
	}
	if line["comp"] != "pump" {
		t.Fatalf("comp = %v", line["comp"])
	}
	if line["count"] != float64(3) {
		t.Fatalf("count = %v", line["count"])
	}
	if line["err"] != "boom" {
		t.Fatalf("err = %v", line["err"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	if log.Enabled(LevelInfo) {
		t.Fatal("Enabled(info) = true at warn level")
	}
	if !log.Enabled(LevelError) {
		t.Fatal("Enabled(error) = false at warn level")
	}
}

func TestZeroAndNop(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	zero.Info("no panic")
	if Nop().IsZero() {
		t.Fatal("Nop logger should not report IsZero")
	}
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for _, lvl := range []string{"", "info", "DEBUG", "warning"} {
		if !ValidLevel(lvl) {
			t.Fatalf("ValidLevel(%q) = false", lvl)
		}
	}
	if ValidLevel("loud") {
		t.Fatal("ValidLevel(loud) = true")
	}
}

package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := FromZerolog(zerolog.New(&buf)).Component("queue")

	log.Info("sent", Int("attempt", 2), Recipient("249912345678"))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	want := map[string]any{"comp": "queue", "attempt": float64(2), "recipient": "********5678", "message": "sent"}
	for k, v := range want {
		if m[k] != v {
			t.Fatalf("%s=%v want %v", k, m[k], v)
		}
	}
	if caller, _ := m["caller"].(string); !strings.Contains(caller, "logx_test.go") {
		t.Fatalf("caller=%q", caller)
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero Logger reports non-zero")
	}
	l.Error("nothing happens")
	if Nop().IsZero() {
		t.Fatalf("Nop() reports zero")
	}
}

func TestMaskID(t *testing.T) {
	for in, want := range map[string]string{"": "", "abc": "***", "123456": "**3456"} {
		if got := MaskID(in); got != want {
			t.Fatalf("MaskID(%q)=%q want %q", in, got, want)
		}
	}
}

func TestServiceApplyFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })

	log.Debug("hello", String("k", "v"))
	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	log.Info("filtered")
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(raw), `"k":"v"`) {
		t.Fatalf("debug line missing: %s", raw)
	}
	if strings.Contains(string(raw), "filtered") {
		t.Fatalf("info line written after level raised: %s", raw)
	}
	if log.Enabled(LevelInfo) {
		t.Fatalf("info still enabled at error level")
	}
}

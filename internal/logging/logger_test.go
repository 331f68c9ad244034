package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"warn", zapcore.WarnLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTeeWritesJSONAndConsole(t *testing.T) {
	var file, console bytes.Buffer
	logger, err := newTee(&file, &console, "main", "info")
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("hidden")
	logger.Info("connected", zap.String("room_id", "user:u1"))
	_ = logger.Sync()

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(file.Bytes()), &line); err != nil {
		t.Fatalf("file output is not one JSON line: %v\n%s", err, file.String())
	}
	if line["msg"] != "connected" || line["session"] != "main" || line["room_id"] != "user:u1" {
		t.Errorf("file line = %v", line)
	}
	if _, ok := line["pid"]; !ok {
		t.Error("pid field missing")
	}
	if !strings.Contains(console.String(), "connected") || strings.Contains(console.String(), "hidden") {
		t.Errorf("console = %q", console.String())
	}
}

func TestNewCreatesLogDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "matchsyncd.log")
	logger, err := New(path, "main", "debug")
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hello")
	_ = logger.Sync()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("log permission = %o, want 0600", info.Mode().Perm())
	}
}

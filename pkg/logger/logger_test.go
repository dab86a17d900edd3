package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"debug", zapcore.DebugLevel, false},
		{"", zapcore.InfoLevel, false},
		{"INFO", zapcore.InfoLevel, false},
		{"warning", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"verbose", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(Config{Level: "info", Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	log, err := New(Config{Level: "info", Format: "json", File: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log.Named("test").Info("hello", String("feed", "alpha"), Int("count", 3))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	for _, want := range []string{`"msg":"hello"`, `"feed":"alpha"`, `"logger":"test"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("log output missing %s: %s", want, data)
		}
	}
}

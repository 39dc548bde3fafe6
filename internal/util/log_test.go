package util

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"trace":  LevelTrace,
		"TRACE":  LevelTrace,
		"debug":  LevelDebug,
		"info":   LevelInfo,
		" warn ": LevelWarn,
		"error":  LevelError,
	}

	for input, want := range tests {
		if got := ParseLogLevel(input); got != want {
			t.Fatalf("ParseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}

	if got := ParseLogLevel("unknown"); got != LevelInfo {
		t.Fatalf("ParseLogLevel default = %v, want %v", got, LevelInfo)
	}
}

func TestLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LevelInfo, &buf)
	logger.Debugf("hidden %d", 1)
	logger.Tracef("hidden %d", 2)
	logger.Infof("shown %d", 3)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("expected debug and trace lines to be filtered, got %q", out)
	}
	if !strings.Contains(out, "[INFO] shown 3") {
		t.Fatalf("expected info line, got %q", out)
	}
}

func TestNamedLoggerSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	root := NewLoggerWithWriter(LevelWarn, &buf)
	child := root.Named("ipc").Named("conn")

	child.Infof("before")
	root.SetLevel(LevelDebug)
	child.Debugf("after")

	out := buf.String()
	if strings.Contains(out, "before") {
		t.Fatalf("expected info to be filtered at warn level, got %q", out)
	}
	if !strings.Contains(out, "[DEBUG] ipc.conn: after") {
		t.Fatalf("expected component-tagged debug line, got %q", out)
	}
	if child.Level() != LevelDebug {
		t.Fatalf("child level = %v, want %v", child.Level(), LevelDebug)
	}
}

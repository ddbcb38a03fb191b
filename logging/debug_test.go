package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readDebug(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read debug log: %v", err)
	}
	return string(content)
}

func TestDebugLogger_Filter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	logger, err := NewDebugLogger(path)
	if err != nil {
		t.Fatalf("NewDebugLogger failed: %v", err)
	}

	logger.SetFilter("rule")
	logger.Log("rule", "evaluated 12")
	logger.Log("rulebuffer", "flushed 12")
	logger.Log("kafka", "should be filtered")
	logger.Close()

	out := readDebug(t, path)
	if !strings.Contains(out, "[rule] evaluated 12") {
		t.Error("missing rule entry")
	}
	if !strings.Contains(out, "[rulebuffer] flushed 12") {
		t.Error("related component rulebuffer should be enabled by rule filter")
	}
	if strings.Contains(out, "should be filtered") {
		t.Error("kafka entry was not filtered")
	}
	if !strings.Contains(out, "Debug logging ended") {
		t.Error("missing footer")
	}
}

func TestDebugLogger_AllFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	logger, err := NewDebugLogger(path)
	if err != nil {
		t.Fatalf("NewDebugLogger failed: %v", err)
	}
	logger.SetFilter("all")
	logger.Log("valkey", "anything goes")
	logger.Close()

	if !strings.Contains(readDebug(t, path), "anything goes") {
		t.Error("all filter should log every component")
	}
}

func TestDebugLog_Global(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	logger, err := NewDebugLogger(path)
	if err != nil {
		t.Fatalf("NewDebugLogger failed: %v", err)
	}
	SetGlobalDebugLogger(logger)
	defer SetGlobalDebugLogger(nil)

	DebugLog("supervision", "process %d down", 4)
	logger.Close()

	if !strings.Contains(readDebug(t, path), "[supervision] process 4 down") {
		t.Error("global DebugLog did not reach the logger")
	}
}

func TestDebugLogger_NilSafe(t *testing.T) {
	var logger *DebugLogger
	logger.Log("rule", "no panic")
	logger.SetFilter("rule")
	if err := logger.Close(); err != nil {
		t.Errorf("nil Close returned %v", err)
	}
	DebugLog("rule", "no logger installed")
}

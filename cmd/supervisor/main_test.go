// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogHandlerFormats(t *testing.T) {
	var buffer bytes.Buffer
	handler, err := logHandler(&buffer, "json", &slog.HandlerOptions{Level: slog.LevelInfo})
	if err != nil {
		t.Fatalf("logHandler: %v", err)
	}
	slog.New(handler).Info("robot appeared", "robot", "drone1")
	var record map[string]any
	if err := json.Unmarshal(buffer.Bytes(), &record); err != nil {
		t.Fatalf("json output %q: %v", buffer.String(), err)
	}
	if record["msg"] != "robot appeared" || record["robot"] != "drone1" {
		t.Errorf("record = %v", record)
	}

	buffer.Reset()
	handler, _ = logHandler(&buffer, "text", &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.New(handler).Info("robot appeared", "robot", "drone1")
	if !strings.Contains(buffer.String(), "robot=drone1") {
		t.Errorf("text output %q", buffer.String())
	}

	if _, err := logHandler(&buffer, "xml", nil); err == nil {
		t.Error("unknown format accepted")
	}
}

func TestNewLoggerLevels(t *testing.T) {
	output, err := os.Create(filepath.Join(t.TempDir(), "log"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer output.Close()

	logger, err := newLogger(output, "auto", "warn")
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	data, err := os.ReadFile(output.Name())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	// A regular file is not a terminal, so auto selects JSON.
	if strings.Contains(string(data), "hidden") || !strings.Contains(string(data), `"msg":"shown"`) {
		t.Errorf("log output %q", data)
	}

	if _, err := newLogger(output, "text", "loud"); err == nil {
		t.Error("unknown level accepted")
	}
}

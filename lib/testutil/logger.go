// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// Logger returns a debug-level logger that writes through t.Log.
// Records emitted after the test finishes are discarded, since actors
// may still be winding down when cleanup runs.
func Logger(t testing.TB) *slog.Logger {
	writer := &testWriter{t: t}
	t.Cleanup(func() {
		writer.mu.Lock()
		writer.done = true
		writer.mu.Unlock()
	})
	return slog.New(slog.NewTextHandler(writer, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testWriter struct {
	mu   sync.Mutex
	t    testing.TB
	done bool
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.done {
		w.t.Log(strings.TrimRight(string(p), "\n"))
	}
	return len(p), nil
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package robot

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOutputLogReadFrom(t *testing.T) {
	t.Parallel()
	log := NewOutputLog(8)
	log.Write([]byte("abc"))
	log.Write([]byte("def"))

	data, next := log.ReadFrom(0)
	if string(data) != "abcdef" || next != 6 {
		t.Fatalf("ReadFrom(0) = %q, %d", data, next)
	}
	data, next = log.ReadFrom(4)
	if string(data) != "ef" || next != 6 {
		t.Fatalf("ReadFrom(4) = %q, %d", data, next)
	}
	if data, _ := log.ReadFrom(6); data != nil {
		t.Fatalf("ReadFrom(end) = %q, want nil", data)
	}
}

func TestOutputLogWrapsAndSkipsLostData(t *testing.T) {
	t.Parallel()
	log := NewOutputLog(8)
	log.Write([]byte("0123456"))
	log.Write([]byte("789ab"))

	if log.Offset() != 12 {
		t.Fatalf("Offset = %d", log.Offset())
	}
	// Offsets 0-3 were overwritten; the reader gets what remains.
	data, next := log.ReadFrom(1)
	if string(data) != "456789ab" || next != 12 {
		t.Fatalf("ReadFrom(1) = %q, %d", data, next)
	}
}

func TestOutputLogOversizedWrite(t *testing.T) {
	t.Parallel()
	log := NewOutputLog(4)
	log.Write([]byte("abcdefghij"))
	data, next := log.ReadFrom(0)
	if string(data) != "ghij" || next != 10 {
		t.Fatalf("ReadFrom(0) = %q, %d", data, next)
	}
}

func TestOutputLogWait(t *testing.T) {
	t.Parallel()
	log := NewOutputLog(16)
	stop := make(chan struct{})

	received := make(chan string, 1)
	go func() {
		data, _, err := log.Wait(context.Background(), 0, stop)
		if err != nil {
			received <- "error: " + err.Error()
			return
		}
		received <- string(data)
	}()
	time.Sleep(10 * time.Millisecond)
	log.Write([]byte("late"))
	select {
	case got := <-received:
		if got != "late" {
			t.Errorf("Wait = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not wake on write")
	}

	close(stop)
	if _, _, err := log.Wait(context.Background(), log.Offset(), stop); !errors.Is(err, ErrTerminated) {
		t.Errorf("Wait after stop = %v, want ErrTerminated", err)
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package robot

import (
	"context"
	"sync"
)

// DefaultOutputCapacity bounds a robot's retained output.
const DefaultOutputCapacity = 256 * 1024

// OutputLog is a circular byte buffer of captured process output
// addressed by absolute byte offset. Readers resume from the offset
// they last saw; if that data has been overwritten they receive
// everything still retained. The actor is the only writer.
type OutputLog struct {
	mu       sync.Mutex
	data     []byte
	position int
	written  uint64
	// grown is closed and replaced on every write.
	grown chan struct{}
}

// NewOutputLog returns an empty log retaining capacity bytes.
func NewOutputLog(capacity int) *OutputLog {
	return &OutputLog{data: make([]byte, capacity), grown: make(chan struct{})}
}

// Write appends chunk, overwriting the oldest bytes when full.
func (o *OutputLog) Write(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	capacity := len(o.data)
	if len(chunk) > capacity {
		o.written += uint64(len(chunk) - capacity)
		chunk = chunk[len(chunk)-capacity:]
	}
	for len(chunk) > 0 {
		n := copy(o.data[o.position:], chunk)
		o.position = (o.position + n) % capacity
		o.written += uint64(n)
		chunk = chunk[n:]
	}
	close(o.grown)
	o.grown = make(chan struct{})
}

// Offset is the total number of bytes ever written.
func (o *OutputLog) Offset() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.written
}

// ReadFrom returns the retained bytes at or after offset and the
// offset that follows them.
func (o *OutputLog) ReadFrom(offset uint64) ([]byte, uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, _ := o.readLocked(offset)
	return data, o.written
}

func (o *OutputLog) readLocked(offset uint64) ([]byte, <-chan struct{}) {
	if offset >= o.written {
		return nil, o.grown
	}
	capacity := uint64(len(o.data))
	oldest := uint64(0)
	if o.written > capacity {
		oldest = o.written - capacity
	}
	offset = max(offset, oldest)
	length := int(o.written - offset)
	start := (o.position - length + len(o.data)) % len(o.data)
	result := make([]byte, 0, length)
	if start+length <= len(o.data) {
		result = append(result, o.data[start:start+length]...)
	} else {
		result = append(result, o.data[start:]...)
		result = append(result, o.data[:length-len(result)]...)
	}
	return result, nil
}

// Wait returns data after offset, blocking until some is written, ctx
// ends, or stop is closed.
func (o *OutputLog) Wait(ctx context.Context, offset uint64, stop <-chan struct{}) ([]byte, uint64, error) {
	for {
		o.mu.Lock()
		data, grown := o.readLocked(offset)
		written := o.written
		o.mu.Unlock()
		if data != nil {
			return data, written, nil
		}
		select {
		case <-grown:
		case <-stop:
			return nil, offset, ErrTerminated
		case <-ctx.Done():
			return nil, offset, ctx.Err()
		}
	}
}

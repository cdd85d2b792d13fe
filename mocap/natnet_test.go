// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mocap

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"
)

// frameBuilder assembles a NatNet 3.x frame of data.
type frameBuilder struct {
	body []byte
}

func (b *frameBuilder) int32(v int32) *frameBuilder {
	b.body = binary.LittleEndian.AppendUint32(b.body, uint32(v))
	return b
}

func (b *frameBuilder) uint16(v uint16) *frameBuilder {
	b.body = binary.LittleEndian.AppendUint16(b.body, v)
	return b
}

func (b *frameBuilder) float32(v float32) *frameBuilder {
	b.body = binary.LittleEndian.AppendUint32(b.body, math.Float32bits(v))
	return b
}

func (b *frameBuilder) float64(v float64) *frameBuilder {
	b.body = binary.LittleEndian.AppendUint64(b.body, math.Float64bits(v))
	return b
}

func (b *frameBuilder) rigidBody(id int32, x, y, z float32, valid bool) *frameBuilder {
	b.int32(id).float32(x).float32(y).float32(z)
	b.float32(0).float32(0).float32(0).float32(1) // qx qy qz qw
	b.float32(0.001)
	var flags uint16
	if valid {
		flags = 1
	}
	return b.uint16(flags)
}

func (b *frameBuilder) packet() []byte {
	header := binary.LittleEndian.AppendUint16(nil, natNetFrameOfData)
	header = binary.LittleEndian.AppendUint16(header, uint16(len(b.body)))
	return append(header, b.body...)
}

// testFrame has one marker set, two rigid bodies, one skeleton, one
// labeled marker and a force plate before the timestamp.
func testFrame(timestamp float64) []byte {
	b := &frameBuilder{}
	b.int32(1042) // frame number
	b.int32(1)
	b.body = append(b.body, "drone1\x00"...)
	b.int32(1).float32(1).float32(2).float32(3)
	b.int32(0) // unlabeled markers
	b.int32(2)
	b.rigidBody(5, 1.5, -0.25, 0.75, true)
	b.rigidBody(9, 0, 0, 0, false)
	b.int32(1).int32(77).int32(1)
	b.rigidBody(100, 0, 0, 0, true)
	b.int32(1).int32(3).float32(0).float32(0).float32(0).float32(0.01).uint16(0).float32(0)
	b.int32(1).int32(1).int32(1).int32(2).float32(0.5).float32(0.5)
	b.int32(0) // devices
	b.int32(0).int32(0)
	b.float64(timestamp)
	b.body = append(b.body, make([]byte, 30)...) // camera stamps, params, end marker
	return b.packet()
}

func TestNatNetDecodesRigidBodies(t *testing.T) {
	t.Parallel()
	decoder, err := NewNatNet("3.1")
	if err != nil {
		t.Fatalf("NewNatNet: %v", err)
	}
	samples, err := decoder.Decode(testFrame(12.5))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("decoded %d samples, want 2 (skeleton bodies excluded)", len(samples))
	}
	first := samples[0]
	if first.RigidBody != 5 || first.Position != [3]float64{1.5, -0.25, 0.75} || !first.Valid {
		t.Errorf("first sample = %+v", first)
	}
	if first.Orientation != [4]float64{1, 0, 0, 0} {
		t.Errorf("orientation = %v, want identity quaternion in w,x,y,z order", first.Orientation)
	}
	if first.Timestamp != 12500*time.Millisecond {
		t.Errorf("timestamp = %v", first.Timestamp)
	}
	if samples[1].RigidBody != 9 || samples[1].Valid {
		t.Errorf("second sample = %+v", samples[1])
	}
}

func TestNatNetIgnoresOtherMessages(t *testing.T) {
	t.Parallel()
	decoder, _ := NewNatNet("3.0")
	ping := []byte{1, 0, 0, 0}
	if samples, err := decoder.Decode(ping); err != nil || samples != nil {
		t.Errorf("Decode(ping) = %v, %v", samples, err)
	}
}

func TestNatNetRejectsTruncatedFrames(t *testing.T) {
	t.Parallel()
	decoder, _ := NewNatNet("3.0")
	frame := testFrame(1)
	for _, length := range []int{1, 3, 10, len(frame) / 2, len(frame) - 32} {
		if _, err := decoder.Decode(frame[:length]); !errors.Is(err, ErrTruncated) {
			t.Errorf("Decode(%d of %d bytes) error = %v, want ErrTruncated", length, len(frame), err)
		}
	}

	// A section count far larger than the packet.
	b := (&frameBuilder{}).int32(1).int32(0).int32(0).int32(1 << 28)
	if _, err := decoder.Decode(b.packet()); !errors.Is(err, ErrTruncated) {
		t.Errorf("oversized count error = %v", err)
	}
}

func TestNewNatNetVersions(t *testing.T) {
	t.Parallel()
	for _, version := range []string{"3", "3.0", "3.1.0"} {
		if _, err := NewNatNet(version); err != nil {
			t.Errorf("NewNatNet(%q): %v", version, err)
		}
	}
	for _, version := range []string{"", "2.10", "4.0", "three"} {
		if _, err := NewNatNet(version); err == nil {
			t.Errorf("NewNatNet(%q) accepted", version)
		}
	}
}

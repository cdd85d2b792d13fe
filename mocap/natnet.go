// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mocap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bureau-foundation/supervisor/fleet"
)

// natNetFrameOfData is the message id of a frame packet. Other message
// ids (model definitions, pings) are ignored by the decoder.
const natNetFrameOfData = 7

// ErrTruncated is returned for a datagram shorter than its contents
// claim.
var ErrTruncated = errors.New("mocap: truncated frame")

// NatNet decodes NatNet 3.x frame-of-data packets into pose samples.
// Only rigid bodies are extracted; the remaining sections are skipped
// to reach the frame timestamp.
type NatNet struct {
	major, minor int
}

// NewNatNet returns a decoder for the given stream version, such as
// "3.0" or "3.1".
func NewNatNet(version string) (*NatNet, error) {
	majorText, minorText, _ := strings.Cut(version, ".")
	major, err := strconv.Atoi(majorText)
	if err != nil {
		return nil, fmt.Errorf("mocap: invalid NatNet version %q", version)
	}
	minor := 0
	if minorText != "" {
		// Accept "3.1" and "3.1.0".
		minorText, _, _ = strings.Cut(minorText, ".")
		if minor, err = strconv.Atoi(minorText); err != nil {
			return nil, fmt.Errorf("mocap: invalid NatNet version %q", version)
		}
	}
	if major != 3 {
		return nil, fmt.Errorf("mocap: NatNet version %q not supported (want 3.x)", version)
	}
	return &NatNet{major: major, minor: minor}, nil
}

// natNetReader is a little-endian cursor that records the first
// short read.
type natNetReader struct {
	data []byte
	err  error
}

func (r *natNetReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.data) {
		r.err = ErrTruncated
		return nil
	}
	taken := r.data[:n]
	r.data = r.data[n:]
	return taken
}

func (r *natNetReader) skip(n int) { r.take(n) }

func (r *natNetReader) uint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *natNetReader) int32() int32 {
	if b := r.take(4); b != nil {
		return int32(binary.LittleEndian.Uint32(b))
	}
	return 0
}

// count reads a section length, rejecting values that cannot fit in
// the remaining bytes at minimum item size.
func (r *natNetReader) count(minimumItemSize int) int {
	n := int(r.int32())
	if r.err == nil && (n < 0 || n*minimumItemSize > len(r.data)) {
		r.err = ErrTruncated
		return 0
	}
	return n
}

func (r *natNetReader) float32() float64 {
	if b := r.take(4); b != nil {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	}
	return 0
}

func (r *natNetReader) float64() float64 {
	if b := r.take(8); b != nil {
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	return 0
}

func (r *natNetReader) cstring() {
	if r.err != nil {
		return
	}
	end := bytes.IndexByte(r.data, 0)
	if end < 0 {
		r.err = ErrTruncated
		return
	}
	r.data = r.data[end+1:]
}

// rigidBody reads one rigid body record: id, position, quaternion
// (x, y, z, w), mean marker error, tracking flags.
func (r *natNetReader) rigidBody() fleet.PoseSample {
	sample := fleet.PoseSample{RigidBody: r.int32()}
	for axis := range sample.Position {
		sample.Position[axis] = r.float32()
	}
	x, y, z, w := r.float32(), r.float32(), r.float32(), r.float32()
	sample.Orientation = [4]float64{w, x, y, z}
	r.skip(4)
	sample.Valid = r.uint16()&0x01 != 0
	return sample
}

// rigidBodySize is the encoded size of one rigid body record.
const rigidBodySize = 4 + 3*4 + 4*4 + 4 + 2

// Decode implements Decoder. Packets other than frames of data yield no
// samples and no error.
func (n *NatNet) Decode(datagram []byte) ([]fleet.PoseSample, error) {
	r := &natNetReader{data: datagram}
	messageID := r.uint16()
	size := int(r.uint16())
	if r.err != nil {
		return nil, r.err
	}
	if messageID != natNetFrameOfData {
		return nil, nil
	}
	if size > len(r.data) {
		return nil, ErrTruncated
	}
	r.data = r.data[:size]

	r.skip(4) // frame number

	for range r.count(5) {
		r.cstring()
		r.skip(r.count(12) * 12)
	}
	r.skip(r.count(12) * 12) // unlabeled markers

	samples := make([]fleet.PoseSample, 0, 8)
	for range r.count(rigidBodySize) {
		samples = append(samples, r.rigidBody())
	}

	for range r.count(8) { // skeletons
		r.skip(4)
		for range r.count(rigidBodySize) {
			r.rigidBody()
		}
	}

	// Labeled markers: id, position, size, flags, residual.
	r.skip(r.count(26) * 26)

	for range r.count(8) { // force plates
		r.skip(4)
		for range r.count(4) {
			r.skip(r.count(4) * 4)
		}
	}
	for range r.count(8) { // devices
		r.skip(4)
		for range r.count(4) {
			r.skip(r.count(4) * 4)
		}
	}

	r.skip(8) // timecode, subframe
	timestamp := time.Duration(r.float64() * float64(time.Second))
	if r.err != nil {
		return nil, fmt.Errorf("decoding NatNet %d.%d frame: %w", n.major, n.minor, r.err)
	}
	for i := range samples {
		samples[i].Timestamp = timestamp
	}
	return samples, nil
}

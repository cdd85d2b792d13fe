// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"fmt"
	"time"

	"github.com/bureau-foundation/supervisor/fleet"
	"github.com/bureau-foundation/supervisor/lib/codec"
)

// Kind names what produced an entry.
type Kind string

const (
	KindRobotAppeared Kind = "robot_appeared"
	KindState         Kind = "state"
	KindOperator      Kind = "operator"
	KindOutput        Kind = "output"
	KindPose          Kind = "pose"
	KindBroadcast     Kind = "broadcast"
	KindPeer          Kind = "peer"
	KindExperiment    Kind = "experiment"
)

// Compression is the encoding of a stored payload.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("Compression(%d)", uint8(c))
	}
}

// Entry is one persisted record. Payload is always the uncompressed
// CBOR encoding; Compression reports how it was stored.
type Entry struct {
	Sequence    uint64
	Timestamp   time.Time
	Kind        Kind
	Compression Compression
	Payload     []byte
}

// Decode unmarshals the payload into v.
func (e Entry) Decode(v any) error {
	if err := codec.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("journal: decoding %s entry %d: %w", e.Kind, e.Sequence, err)
	}
	return nil
}

// RobotAppeared records a link attaching to a robot.
type RobotAppeared struct {
	Robot           string                `cbor:"robot" json:"robot"`
	Kind            fleet.Kind            `cbor:"kind" json:"kind"`
	Family          string                `cbor:"family" json:"family"`
	Remote          string                `cbor:"remote" json:"remote"`
	HardwareAddress fleet.HardwareAddress `cbor:"hardware_address" json:"hardware_address"`
}

// StateChange records a robot connection state transition.
type StateChange struct {
	Robot  string                `cbor:"robot" json:"robot"`
	State  fleet.ConnectionState `cbor:"state" json:"state"`
	Reason string                `cbor:"reason,omitempty" json:"reason,omitempty"`
}

// Operator records a command issued from the operator interface and
// its outcome.
type Operator struct {
	Target string `cbor:"target" json:"target"`
	Action string `cbor:"action" json:"action"`
	Error  string `cbor:"error,omitempty" json:"error,omitempty"`
}

// Output is a chunk of captured process output.
type Output struct {
	Robot   string `cbor:"robot" json:"robot"`
	Process string `cbor:"process" json:"process"`
	Stream  string `cbor:"stream" json:"stream"`
	Text    string `cbor:"text" json:"text"`
}

// Pose is one motion-capture frame after resolution and
// de-duplication.
type Pose struct {
	Samples []PoseRecord `cbor:"samples" json:"samples"`
}

// PoseRecord is a sample attributed to a robot.
type PoseRecord struct {
	Robot  string           `cbor:"robot" json:"robot"`
	Sample fleet.PoseSample `cbor:"sample" json:"sample"`
}

// Broadcast is one relayed router message.
type Broadcast struct {
	Peer string `cbor:"peer" json:"peer"`
	Data []byte `cbor:"data" json:"data"`
}

// Peer records a router peer connecting or being dropped.
type Peer struct {
	Peer   string `cbor:"peer" json:"peer"`
	Event  string `cbor:"event" json:"event"`
	Reason string `cbor:"reason,omitempty" json:"reason,omitempty"`
}

// Experiment marks an experiment starting or stopping.
type Experiment struct {
	Event  string           `cbor:"event" json:"event"`
	Config string           `cbor:"config,omitempty" json:"config,omitempty"`
	Robots []fleet.Identity `cbor:"robots,omitempty" json:"robots,omitempty"`
	Error  string           `cbor:"error,omitempty" json:"error,omitempty"`
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"fmt"
	"time"
)

// PoseSample is one rigid body's tracked pose in one motion-capture
// frame. Samples are immutable once emitted.
type PoseSample struct {
	RigidBody int32 `cbor:"rigid_body" json:"rigid_body"`

	// Position in metres, x/y/z in the tracking system frame.
	Position [3]float64 `cbor:"position" json:"position"`

	// Orientation is a unit quaternion ordered w, x, y, z.
	Orientation [4]float64 `cbor:"orientation" json:"orientation"`

	// Timestamp is the tracking system's frame time since it started.
	Timestamp time.Duration `cbor:"timestamp" json:"timestamp"`

	// Valid is false when the tracking system lost the body in this
	// frame and Position/Orientation are stale.
	Valid bool `cbor:"valid" json:"valid"`
}

// Summary renders the pose for an operator card.
func (p PoseSample) Summary() string {
	if !p.Valid {
		return "not tracked"
	}
	return fmt.Sprintf("x=%.3f y=%.3f z=%.3f", p.Position[0], p.Position[1], p.Position[2])
}

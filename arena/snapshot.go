// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package arena

import (
	"maps"
	"net/netip"
	"slices"
	"strings"

	"github.com/bureau-foundation/supervisor/driver"
	"github.com/bureau-foundation/supervisor/fleet"
)

// Snapshot is an immutable copy of the fleet state.
type Snapshot struct {
	// Version increases with every applied change.
	Version    uint64
	Robots     []Robot
	Experiment Experiment
}

// Robot returns the record for id.
func (s Snapshot) Robot(id string) (Robot, bool) {
	index, found := slices.BinarySearchFunc(s.Robots, id, func(robot Robot, id string) int {
		return strings.Compare(robot.Identity.ID, id)
	})
	if !found {
		return Robot{}, false
	}
	return s.Robots[index], true
}

// Robot is one robot's record.
type Robot struct {
	Identity  fleet.Identity
	State     fleet.ConnectionState
	Links     []Link
	Telemetry map[string]string
	// Output is the most recent captured process output.
	Output string
	Pose   *fleet.PoseSample
}

// Link describes one attached link.
type Link struct {
	Family string
	Role   driver.Role
	Remote netip.Addr
}

// Experiment is the experiment state shown to operators.
type Experiment struct {
	Running bool
	// Config is the experiment configuration file name.
	Config  string
	Bundles []Bundle
}

// Bundle summarizes the software loaded for one robot kind.
type Bundle struct {
	Kind  fleet.Kind
	Files []File
	// Problem is set when the bundle would not pass validation.
	Problem string
}

// File is one file of a software bundle.
type File struct {
	Name     string
	Size     int
	Checksum string
}

func (r *record) snapshot() Robot {
	robot := Robot{
		Identity:  r.identity,
		State:     r.state,
		Telemetry: maps.Clone(r.telemetry),
		Output:    r.output,
	}
	for _, role := range []driver.Role{driver.RoleRadio, driver.RoleExec} {
		if link, ok := r.links[role]; ok {
			robot.Links = append(robot.Links, link)
		}
	}
	if r.pose != nil {
		pose := *r.pose
		robot.Pose = &pose
	}
	return robot
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package uisync

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/bureau-foundation/supervisor/arena"
	"github.com/bureau-foundation/supervisor/driver"
	"github.com/bureau-foundation/supervisor/fleet"
	"github.com/bureau-foundation/supervisor/robot"
)

// Experiment card actions.
const (
	ActionStartExperiment = "Start experiment"
	ActionStopExperiment  = "Stop experiment"
	ActionUploadSoftware  = "Upload software"
	ActionClearSoftware   = "Clear software"
)

// TargetExperiment is the request type addressing experiment cards.
// Robot cards are addressed by their kind's name.
const TargetExperiment = "experiment"

// robotAction is an operator action on a robot card. role is the link
// the action needs, or zero when none.
type robotAction struct {
	name    string
	role    driver.Role
	command robot.Command
}

var kindActions = map[fleet.Kind][]robotAction{
	fleet.KindDrone: {
		{"Power on Up Core", driver.RoleRadio, robot.SetPower{Subsystem: driver.SubsystemUpCore, On: true}},
		{"Power off Up Core", driver.RoleRadio, robot.SetPower{Subsystem: driver.SubsystemUpCore}},
		{"Power on Pixhawk", driver.RoleRadio, robot.SetPower{Subsystem: driver.SubsystemPixhawk, On: true}},
		{"Power off Pixhawk", driver.RoleRadio, robot.SetPower{Subsystem: driver.SubsystemPixhawk}},
		{"Halt Up Core", driver.RoleExec, robot.Halt{}},
		{"Reboot Up Core", driver.RoleExec, robot.Reboot{}},
		{"Identify", driver.RoleExec, robot.Identify{}},
		{"Release", 0, robot.Release{}},
	},
	fleet.KindPiPuck: {
		{"Halt Raspberry Pi", driver.RoleExec, robot.Halt{}},
		{"Reboot Raspberry Pi", driver.RoleExec, robot.Reboot{}},
		{"Identify", driver.RoleExec, robot.Identify{}},
		{"Release", 0, robot.Release{}},
	},
	fleet.KindBuilderBot: {
		{"Halt DuoVero", driver.RoleExec, robot.Halt{}},
		{"Reboot DuoVero", driver.RoleExec, robot.Reboot{}},
		{"Identify", driver.RoleExec, robot.Identify{}},
		{"Release", 0, robot.Release{}},
	},
}

// ErrUnknownTarget is reported to an operator addressing a card that
// no longer exists or does not match the request type.
var ErrUnknownTarget = errors.New("unknown target")

// ErrUnknownAction is reported for an action the target does not offer.
var ErrUnknownAction = errors.New("unknown action")

// operation is a resolved operator command, run by the session worker.
type operation struct {
	target string
	action string
	run    func(ctx context.Context) error
}

// target is what a card UUID addresses.
type target struct {
	kind  fleet.Kind
	robot string

	// software marks a software bundle card; experiment marks the
	// experiment control card.
	software   bool
	experiment bool
}

// targets indexes every addressable card in snapshot.
func targets(snapshot arena.Snapshot) map[uuid.UUID]target {
	index := make(map[uuid.UUID]target, len(snapshot.Robots)+len(fleet.Kinds)+1)
	for _, record := range snapshot.Robots {
		index[robotUUID(record.Identity.ID)] = target{kind: record.Identity.Kind, robot: record.Identity.ID}
	}
	index[experimentUUID()] = target{experiment: true}
	for _, kind := range fleet.Kinds {
		index[softwareUUID(kind)] = target{kind: kind, software: true}
	}
	return index
}

// resolve turns an inbound command into an operation.
func (s *Server) resolve(index map[uuid.UUID]target, message inbound) (operation, error) {
	id, err := uuid.Parse(message.UUID)
	if err != nil {
		return operation{}, fmt.Errorf("%w: %q", ErrUnknownTarget, message.UUID)
	}
	found, ok := index[id]
	if !ok {
		return operation{}, fmt.Errorf("%w: %s", ErrUnknownTarget, id)
	}

	if found.experiment || found.software {
		if message.Type != TargetExperiment {
			return operation{}, fmt.Errorf("%w: %s is not a %s card", ErrUnknownTarget, id, message.Type)
		}
		return s.resolveExperiment(found, message)
	}

	if message.Type != found.kind.String() {
		return operation{}, fmt.Errorf("%w: %s is not a %s card", ErrUnknownTarget, found.robot, message.Type)
	}
	for _, action := range kindActions[found.kind] {
		if action.name != message.Action {
			continue
		}
		robotID, command := found.robot, action.command
		return operation{
			target: robotID,
			action: action.name,
			run: func(ctx context.Context) error {
				handle, err := s.config.Arena.Resolve(ctx, robotID)
				if err != nil {
					return err
				}
				return handle.Do(ctx, command).Err
			},
		}, nil
	}
	return operation{}, fmt.Errorf("%w: %q on %s", ErrUnknownAction, message.Action, found.kind.DisplayName())
}

func (s *Server) resolveExperiment(found target, message inbound) (operation, error) {
	experiment := s.config.Experiment
	op := operation{target: TargetExperiment, action: message.Action}
	switch {
	case found.experiment && message.Action == ActionStartExperiment:
		op.run = experiment.Start
	case found.experiment && message.Action == ActionStopExperiment:
		op.run = experiment.Stop
	case found.software && message.Action == ActionUploadSoftware:
		name, contents, err := decodeFile(message.File)
		if err != nil {
			return operation{}, err
		}
		op.target = "software/" + found.kind.String()
		op.run = func(ctx context.Context) error {
			return experiment.AddFile(ctx, found.kind, name, contents)
		}
	case found.software && message.Action == ActionClearSoftware:
		op.target = "software/" + found.kind.String()
		op.run = func(ctx context.Context) error {
			return experiment.ClearFiles(ctx, found.kind)
		}
	default:
		return operation{}, fmt.Errorf("%w: %q on experiment", ErrUnknownAction, message.Action)
	}
	return op, nil
}

// decodeFile decodes the [name, base64 contents] pair of an upload.
func decodeFile(file []string) (string, []byte, error) {
	if len(file) != 2 {
		return "", nil, errors.New("upload requires a file as [name, base64 data]")
	}
	contents, err := base64.StdEncoding.DecodeString(file[1])
	if err != nil {
		return "", nil, fmt.Errorf("decoding %s: %w", file[0], err)
	}
	return file[0], contents, nil
}

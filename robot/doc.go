// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package robot implements the per-robot actor that owns a robot's
// control links.
//
// Each actor is one goroutine holding the robot's links, connection
// state, command queue and launched processes. Nothing else touches
// them; callers interact through a [Handle], whose methods enqueue
// messages on the actor's bounded mailbox.
//
// Commands run one at a time in issue order and each produces exactly
// one [Result]. A transport fault moves the robot to Degraded and
// schedules reconnection with exponential backoff. Queued commands
// wait for the connection to return, except [SetPower] and [Upload],
// which fail with [ErrDegraded] when they reach the head of the queue
// while the robot is Degraded. The command in flight when a fault
// arrives fails with driver.ErrDisconnected.
//
// Release, a fatal protocol error, an exhausted reconnection budget or
// the end of the actor's context terminate the actor. Pending commands
// fail with [ErrTerminated], links are closed, and a final [Stopped]
// update is delivered.
package robot

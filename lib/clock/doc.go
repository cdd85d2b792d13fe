// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time so that reconnection backoff, discovery
// intervals, heartbeats, and journal timestamps can be driven
// deterministically in tests.
//
// Components hold a Clock field. The supervisor binary passes Real();
// tests pass Fake() and move time forward explicitly:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	actor := robot.Spawn(robot.Config{Clock: fake, ...})
//	fake.WaitForTimers(1)       // the actor is now sleeping in backoff
//	fake.Advance(time.Second)   // wake it
//
// WaitForTimers removes the race between a goroutine registering a
// timer and the test advancing past it.
package clock

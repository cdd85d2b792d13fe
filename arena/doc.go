// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package arena owns the fleet state.
//
// One goroutine ([Arena.Run]) holds every robot record. Other
// components change it only by [Arena.Apply] and read it only through
// queries that travel the same mailbox, so each event is applied
// atomically with respect to readers. Subscribers receive full
// snapshots on capacity-1 channels; an unread snapshot is replaced by
// the newer one, so a slow subscriber never delays the arena or other
// subscribers.
//
// The arena spawns a robot actor when a link to an unknown robot
// appears and attaches further links to the existing actor. It never
// waits on an actor's mailbox: command submission is done by callers
// on the handle returned by [Arena.Resolve].
package arena

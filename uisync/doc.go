// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package uisync keeps each operator's browser view in step with the
// fleet state and carries operator commands back to the robots.
//
// The view is a list of cards per tab. Cards are pure functions of an
// arena snapshot and carry stable UUIDs derived from what they show,
// so two snapshots can be compared card by card. Every message sent to
// an operator is a full statement of the live cards on their tab: a
// card that disappears from the list has been removed.
//
// Each operator connection is a session with four goroutines. The
// reader decodes inbound messages, the view loop owns the session's
// tab and last-sent cards and decides when to push, the worker runs
// operator commands one at a time, and the writer owns the socket's
// write side. Errors from a command go only to the operator who
// issued it.
package uisync

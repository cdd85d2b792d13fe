// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fleet defines the robot data model shared by every
// supervisor component: robot kinds, hardware addresses, identities,
// connection states, and motion-capture pose samples.
//
// Robot identities come from the configuration and are immutable for
// the session. A [Table] indexes them by hardware address and by
// rigid-body id and enforces that no hardware address belongs to two
// robots, so that a discovery handshake resolves to at most one
// identity.
//
// [Kind] is a closed set. Behavior that differs per kind (which links
// a robot needs, which operator actions exist) is selected with a
// switch on the kind, not through per-kind types.
package fleet

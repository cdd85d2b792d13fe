// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds small networking helpers shared by the router,
// the connection drivers, and discovery.
package netutil

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive], [RequireSend], and [RequireClosed] wrap the
// select-with-timeout safety valve so that a broken actor fails a test
// instead of hanging it. They are the only place tests use real
// wall-clock timeouts; everything else runs on lib/clock.Fake.
//
// [Logger] returns a slog.Logger writing through t.Log so component
// logs are attached to the failing test.
package testutil

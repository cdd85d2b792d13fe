// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens SQLite databases with the supervisor's
// standard pragmas on top of zombiezen.com/go/sqlite.
//
// Every connection runs with journal_mode=WAL, busy_timeout=5000 and
// temp_store=MEMORY. The synchronous level is configurable: the
// experiment journal promises that an acknowledged append survives
// power loss, so it opens with [SynchronousFull]; scratch databases
// can use [SynchronousNormal], which only survives process crashes.
//
// Callers [Pool.Take] a connection, use it from one goroutine, and
// [Pool.Put] it back. Schema setup belongs in Config.OnConnect.
package sqlitepool

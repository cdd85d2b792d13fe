// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package journal is the supervisor's durable, append-only event log.
//
// Producers (robot actors, the router, motion-capture ingest, the
// arena, experiment control) call [Journal.Append] concurrently. A
// single writer goroutine assigns sequence numbers and persists each
// group of pending appends in one SQLite transaction with
// synchronous=FULL, so an Append that returns nil is on disk.
// Sequence numbers start at 1 and are contiguous within a file.
//
// Payloads are CBOR (lib/codec). Process output is zstd-compressed
// and relayed radio traffic is lz4-compressed once the encoded
// payload reaches the configured threshold; the compression column
// records which, and readers see the decompressed CBOR either way.
//
// A failed write is fatal. The error is retained, every later Append
// fails with [ErrJournalFailed], and [Journal.Err] reports it so the
// session can stop taking new experiment state.
package journal

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the supervisor's CBOR configuration.
//
// Journal payloads are CBOR. External surfaces (the operator socket,
// the fernbedienung RPC protocol, journal dumps) are JSON. Keeping one
// encoder mode here means every journal payload of the same logical
// value has the same bytes: Core Deterministic Encoding (RFC 8949
// §4.2) sorts map keys and uses the shortest integer forms.
//
// Types implementing encoding.TextMarshaler (fleet.Kind,
// fleet.HardwareAddress, fleet.ConnectionState) are encoded as CBOR
// text strings so a dump of the journal stays readable.
package codec

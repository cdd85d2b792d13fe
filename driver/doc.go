// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package driver defines the contract between a Robot Actor and the
// transport that reaches its robot.
//
// A [Link] is one control connection to one network endpoint on a
// robot. Drones have two: a radio-module link that switches power rails
// and a remote-execution link to the companion computer. Pi-Pucks and
// BuilderBots have a remote-execution link only. Every link family
// exposes the same four operations:
//
//   - Connect performs the handshake and reports the hardware address
//     the endpoint identifies itself with. It is called once by
//     discovery and again by the Robot Actor after each recoverable
//     fault.
//   - Send issues one typed [Request] and waits for its [Reply].
//   - Events streams asynchronous [Event] values (process output,
//     process exits, faults) for the lifetime of the link.
//   - Close releases the link. No events are delivered afterwards.
//
// # Errors
//
// Send and Connect classify failures so the actor can decide locally
// between reconnecting and giving up:
//
//   - [ErrDisconnected]: the transport was lost. Recoverable.
//   - [*ProtocolError]: the endpoint violated its protocol. Fatal for
//     the link.
//   - [ErrUnsupported]: the request is not handled by this link family.
//   - [*RemoteError]: the endpoint refused the request. The link stays
//     healthy.
//
// A [Fault] event carries the same classification for failures noticed
// outside of a Send, for example by a heartbeat.
package driver

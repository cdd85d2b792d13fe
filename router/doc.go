// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package router relays the robots' in-experiment radio traffic.
//
// Each robot's radio peripheral holds one TCP connection to the
// router. A message received from peer P is forwarded verbatim to every
// other peer connected at the moment the hub accepts it, and never back
// to P. Peers are anonymous: the router knows connections, not robots.
//
// Each peer has a reader goroutine and a writer goroutine. A single hub
// goroutine owns the peer set, so registration, removal and fan-out are
// serialized without locks. The writer drains a bounded queue; a peer
// that falls so far behind that its queue overflows is disconnected
// rather than allowed to stall delivery to everyone else. A peer whose
// connection fails while a broadcast is in flight is skipped and
// dropped; other peers receive the message unaffected.
//
// Message framing is an injected [Codec]. [LengthPrefixed] is the
// default. Every relayed message and every peer arrival and departure
// is recorded in the journal when one is configured.
package router

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"fmt"
	"iter"
	"net/netip"
)

// Hosts yields the usable host addresses of an IPv4 prefix in
// ascending order. The network and broadcast addresses are skipped for
// prefixes shorter than /31.
func Hosts(prefix netip.Prefix) iter.Seq[netip.Addr] {
	prefix = prefix.Masked()
	return func(yield func(netip.Addr) bool) {
		first := prefix.Addr()
		skipEnds := prefix.Bits() < 31
		if skipEnds {
			first = first.Next()
		}
		for address := first; address.IsValid() && prefix.Contains(address); address = address.Next() {
			if skipEnds && !prefix.Contains(address.Next()) {
				// Broadcast address.
				return
			}
			if !yield(address) {
				return
			}
		}
	}
}

// ParseRange parses a CIDR prefix restricted to IPv4, the only family
// the robot network uses.
func ParseRange(text string) (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(text)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("parsing network range %q: %w", text, err)
	}
	if !prefix.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("network range %q is not IPv4", text)
	}
	return prefix.Masked(), nil
}

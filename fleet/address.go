// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"fmt"
	"net"
	"strings"
)

// HardwareAddress is a normalized link-layer identifier: lower-case
// hex octets separated by colons. Radio modules report 64-bit serial
// numbers; Linux robots report 48-bit MAC addresses. Both forms are
// accepted.
type HardwareAddress string

// ParseHardwareAddress accepts any notation net.ParseMAC understands
// (colon, hyphen, or dotted) and normalizes it.
func ParseHardwareAddress(text string) (HardwareAddress, error) {
	mac, err := net.ParseMAC(strings.TrimSpace(text))
	if err != nil {
		return "", fmt.Errorf("parsing hardware address %q: %w", text, err)
	}
	return HardwareAddressFromBytes(mac), nil
}

// HardwareAddressFromBytes formats raw octets, most significant first.
func HardwareAddressFromBytes(octets []byte) HardwareAddress {
	return HardwareAddress(net.HardwareAddr(octets).String())
}

func (a HardwareAddress) String() string { return string(a) }

func (a HardwareAddress) MarshalText() ([]byte, error) { return []byte(a), nil }

// UnmarshalText accepts empty text as the zero address, matching
// MarshalText.
func (a *HardwareAddress) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*a = ""
		return nil
	}
	parsed, err := ParseHardwareAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

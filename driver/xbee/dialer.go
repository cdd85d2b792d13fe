// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package xbee

import (
	"context"
	"net/netip"

	"github.com/bureau-foundation/supervisor/driver"
	"github.com/bureau-foundation/supervisor/fleet"
)

// Dialer creates connected xbee links for discovery.
type Dialer struct {
	config Config
}

// NewDialer returns a Dialer whose links share config.
func NewDialer(config Config) *Dialer {
	return &Dialer{config: config}
}

func (d *Dialer) Family() string { return Family }

func (d *Dialer) Dial(ctx context.Context, address netip.Addr) (driver.Link, fleet.HardwareAddress, error) {
	link := NewLink(address, d.config)
	hardwareAddress, err := link.Connect(ctx)
	if err != nil {
		link.Close()
		return nil, "", err
	}
	return link, hardwareAddress, nil
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/supervisor/arena"
	"github.com/bureau-foundation/supervisor/driver"
	"github.com/bureau-foundation/supervisor/driver/drivertest"
	"github.com/bureau-foundation/supervisor/fleet"
	"github.com/bureau-foundation/supervisor/lib/clock"
	"github.com/bureau-foundation/supervisor/lib/testutil"
)

type fakeArena struct {
	mu       sync.Mutex
	attached map[netip.Addr]bool
	events   chan arena.Event
}

func newFakeArena(attached ...string) *fakeArena {
	fake := &fakeArena{attached: make(map[netip.Addr]bool), events: make(chan arena.Event, 64)}
	for _, address := range attached {
		fake.attached[netip.MustParseAddr(address)] = true
	}
	return fake
}

func (f *fakeArena) Apply(ctx context.Context, event arena.Event) error {
	if appeared, ok := event.(arena.RobotAppeared); ok {
		f.mu.Lock()
		f.attached[appeared.Link.Remote()] = true
		f.mu.Unlock()
	}
	f.events <- event
	return nil
}

func (f *fakeArena) Attached(ctx context.Context) (map[netip.Addr]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := make(map[netip.Addr]bool, len(f.attached))
	for address := range f.attached {
		copied[address] = true
	}
	return copied, nil
}

func newDiscovery(t *testing.T, prefix string, fake *fakeArena, configure func(*Config), dialers ...driver.Dialer) *Discovery {
	t.Helper()
	config := Config{
		Prefix:       netip.MustParsePrefix(prefix),
		Dialers:      dialers,
		ProbeTimeout: time.Second,
		Logger:       testutil.Logger(t),
	}
	if configure != nil {
		configure(&config)
	}
	discovery, err := New(config, fake)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return discovery
}

func TestSweepSkipsAttachedAddresses(t *testing.T) {
	t.Parallel()
	dialer := drivertest.NewDialer("fernbedienung")
	dialer.Add(drivertest.NewLink(driver.RoleExec, "10.0.0.5", "b8:27:eb:00:00:05"))
	dialer.Add(drivertest.NewLink(driver.RoleExec, "10.0.0.3", "b8:27:eb:00:00:03"))
	fake := newFakeArena("10.0.0.3")
	discovery := newDiscovery(t, "10.0.0.0/29", fake, nil, dialer)

	found, err := discovery.Sweep(context.Background())
	if err != nil || found != 1 {
		t.Fatalf("Sweep = %d, %v; want 1 link", found, err)
	}
	appeared := testutil.RequireReceive(t, fake.events, time.Second).(arena.RobotAppeared)
	if appeared.HardwareAddress != "b8:27:eb:00:00:05" || appeared.Link.Remote() != netip.MustParseAddr("10.0.0.5") {
		t.Errorf("appeared = %+v", appeared)
	}
	if dialer.Dials("10.0.0.3") != 0 {
		t.Error("attached address was probed")
	}
	for _, address := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.4", "10.0.0.6"} {
		if dialer.Dials(address) != 1 {
			t.Errorf("%s dialed %d times", address, dialer.Dials(address))
		}
	}
	if dialer.Dials("10.0.0.0") != 0 || dialer.Dials("10.0.0.7") != 0 {
		t.Error("network or broadcast address was probed")
	}

	// The second sweep sees the new link as attached.
	if found, _ := discovery.Sweep(context.Background()); found != 0 {
		t.Errorf("second sweep found %d", found)
	}
}

func TestFamiliesTriedInOrder(t *testing.T) {
	t.Parallel()
	exec := drivertest.NewDialer("fernbedienung")
	radio := drivertest.NewDialer("xbee")
	radio.Add(drivertest.NewLink(driver.RoleRadio, "10.0.0.2", "00:13:a2:00:41:5b:2c:01"))
	fake := newFakeArena()
	discovery := newDiscovery(t, "10.0.0.2/32", fake, nil, exec, radio)

	if found, _ := discovery.Sweep(context.Background()); found != 1 {
		t.Fatalf("found %d", found)
	}
	appeared := testutil.RequireReceive(t, fake.events, time.Second).(arena.RobotAppeared)
	if appeared.Link.Role() != driver.RoleRadio {
		t.Errorf("appeared via %s", appeared.Link.Family())
	}
	if exec.Dials("10.0.0.2") != 1 || radio.Dials("10.0.0.2") != 1 {
		t.Errorf("dials: exec %d, radio %d", exec.Dials("10.0.0.2"), radio.Dials("10.0.0.2"))
	}
}

func TestSlowAddressesBoundedByProbeTimeout(t *testing.T) {
	t.Parallel()
	dialer := drivertest.NewDialer("fernbedienung")
	dialer.Block()
	discovery := newDiscovery(t, "10.0.0.0/29", newFakeArena(), func(config *Config) {
		config.ProbeTimeout = 20 * time.Millisecond
		config.Concurrency = 2
	}, dialer)

	started := time.Now()
	if found, err := discovery.Sweep(context.Background()); found != 0 || err != nil {
		t.Fatalf("Sweep = %d, %v", found, err)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Errorf("sweep of blocked addresses took %v", elapsed)
	}
}

// countingDialer records the peak number of simultaneous dials.
type countingDialer struct {
	active atomic.Int64
	peak   atomic.Int64
}

func (d *countingDialer) Family() string { return "counting" }

func (d *countingDialer) Dial(ctx context.Context, address netip.Addr) (driver.Link, fleet.HardwareAddress, error) {
	now := d.active.Add(1)
	defer d.active.Add(-1)
	for {
		peak := d.peak.Load()
		if now <= peak || d.peak.CompareAndSwap(peak, now) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return nil, "", driver.ErrDisconnected
}

func TestConcurrencyCeiling(t *testing.T) {
	t.Parallel()
	dialer := &countingDialer{}
	discovery := newDiscovery(t, "10.0.0.0/27", newFakeArena(), func(config *Config) {
		config.Concurrency = 3
	}, dialer)
	discovery.Sweep(context.Background())
	if peak := dialer.peak.Load(); peak > 3 || peak == 0 {
		t.Errorf("peak concurrent dials = %d, want 1..3", peak)
	}
}

func TestRunSweepsEveryInterval(t *testing.T) {
	t.Parallel()
	fakeClock := clock.Fake(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	dialer := drivertest.NewDialer("fernbedienung")
	fake := newFakeArena()
	discovery := newDiscovery(t, "10.0.0.8/30", fake, func(config *Config) {
		config.Interval = 2 * time.Second
		config.Clock = fakeClock
	}, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- discovery.Run(ctx) }()

	fakeClock.WaitForTimers(1)
	// Both hosts have been looked up once the first sweep dialed them.
	for dialer.Dials("10.0.0.9") == 0 || dialer.Dials("10.0.0.10") == 0 {
		time.Sleep(time.Millisecond)
	}
	testutil.RequireNoReceive(t, fake.events, 20*time.Millisecond, "empty network produced a link")
	dialer.Add(drivertest.NewLink(driver.RoleExec, "10.0.0.10", "b8:27:eb:00:00:10"))
	fakeClock.Advance(2 * time.Second)

	appeared := testutil.RequireReceive(t, fake.events, 5*time.Second, "second sweep found nothing").(arena.RobotAppeared)
	if appeared.Link.Remote() != netip.MustParseAddr("10.0.0.10") {
		t.Errorf("appeared at %s", appeared.Link.Remote())
	}
	cancel()
	testutil.RequireReceive(t, done, 5*time.Second, "Run did not return")
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Dialers: []driver.Dialer{drivertest.NewDialer("x")}}, newFakeArena()); err == nil {
		t.Error("accepted a missing prefix")
	}
	if _, err := New(Config{Prefix: netip.MustParsePrefix("10.0.0.0/24")}, newFakeArena()); err == nil {
		t.Error("accepted no dialers")
	}
}

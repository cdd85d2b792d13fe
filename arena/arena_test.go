// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package arena

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bureau-foundation/supervisor/driver"
	"github.com/bureau-foundation/supervisor/driver/drivertest"
	"github.com/bureau-foundation/supervisor/fleet"
	"github.com/bureau-foundation/supervisor/journal"
	"github.com/bureau-foundation/supervisor/lib/testutil"
	"github.com/bureau-foundation/supervisor/robot"
)

const timeout = 5 * time.Second

const (
	droneRadio  fleet.HardwareAddress = "00:13:a2:00:41:5b:2c:01"
	droneExec   fleet.HardwareAddress = "b8:27:eb:00:00:01"
	pipuckExec  fleet.HardwareAddress = "b8:27:eb:00:00:02"
	strangerMAC fleet.HardwareAddress = "de:ad:be:ef:00:01"
)

func testTable(t *testing.T) *fleet.Table {
	t.Helper()
	rigidBody := int32(3)
	table, err := fleet.NewTable([]fleet.Identity{
		{ID: "drone1", Kind: fleet.KindDrone, Addresses: []fleet.HardwareAddress{droneRadio, droneExec}, RigidBody: &rigidBody},
		{ID: "pipuck1", Kind: fleet.KindPiPuck, Addresses: []fleet.HardwareAddress{pipuckExec}},
	})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return table
}

func startArena(t *testing.T, log journal.Appender) *Arena {
	t.Helper()
	arena := New(Config{Table: testTable(t), Journal: log, Logger: testutil.Logger(t)})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		arena.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return arena
}

// awaitSnapshot reads snapshots until one satisfies predicate.
func awaitSnapshot(t *testing.T, snapshots <-chan Snapshot, description string, predicate func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case snapshot := <-snapshots:
			if predicate(snapshot) {
				return snapshot
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", description)
		}
	}
}

func subscribe(t *testing.T, arena *Arena) <-chan Snapshot {
	t.Helper()
	snapshots, cancel, err := arena.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(cancel)
	return snapshots
}

func robotState(id string, state fleet.ConnectionState) func(Snapshot) bool {
	return func(snapshot Snapshot) bool {
		found, ok := snapshot.Robot(id)
		return ok && found.State == state
	}
}

func TestRobotAppearedSpawnsActor(t *testing.T) {
	t.Parallel()
	arena := startArena(t, nil)
	snapshots := subscribe(t, arena)

	radio := drivertest.NewLink(driver.RoleRadio, "10.0.0.5", droneRadio)
	if err := arena.Apply(context.Background(), RobotAppeared{Link: radio, HardwareAddress: droneRadio}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	snapshot := awaitSnapshot(t, snapshots, "drone1 connected", robotState("drone1", fleet.Connected))
	drone, _ := snapshot.Robot("drone1")
	if len(drone.Links) != 1 || drone.Links[0].Remote != netip.MustParseAddr("10.0.0.5") || drone.Links[0].Role != driver.RoleRadio {
		t.Errorf("links = %+v", drone.Links)
	}

	handle, err := arena.Resolve(context.Background(), "drone1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if handle.ID() != "drone1" {
		t.Errorf("handle for %q", handle.ID())
	}
	if _, err := arena.Resolve(context.Background(), "drone9"); !errors.Is(err, ErrUnknownRobot) {
		t.Errorf("Resolve(drone9) = %v, want ErrUnknownRobot", err)
	}
}

func TestSecondLinkAttachesToExistingRobot(t *testing.T) {
	t.Parallel()
	arena := startArena(t, nil)
	snapshots := subscribe(t, arena)
	ctx := context.Background()

	radio := drivertest.NewLink(driver.RoleRadio, "10.0.0.5", droneRadio)
	exec := drivertest.NewLink(driver.RoleExec, "10.0.0.15", droneExec)
	arena.Apply(ctx, RobotAppeared{Link: radio, HardwareAddress: droneRadio})
	arena.Apply(ctx, RobotAppeared{Link: exec, HardwareAddress: droneExec})

	snapshot := awaitSnapshot(t, snapshots, "drone1 with two links", func(snapshot Snapshot) bool {
		drone, ok := snapshot.Robot("drone1")
		return ok && len(drone.Links) == 2
	})
	if len(snapshot.Robots) != 1 {
		t.Fatalf("robots = %d, want 1", len(snapshot.Robots))
	}

	handle, _ := arena.Resolve(ctx, "drone1")
	if result := handle.Do(ctx, robot.Reboot{}); result.Err != nil {
		t.Fatalf("Reboot through attached exec link: %v", result.Err)
	}
	testutil.RequireReceive(t, exec.Sent, timeout, "exec link not used")

	attached, err := arena.Attached(ctx)
	if err != nil {
		t.Fatalf("Attached: %v", err)
	}
	if !attached[netip.MustParseAddr("10.0.0.5")] || !attached[netip.MustParseAddr("10.0.0.15")] {
		t.Errorf("Attached = %v", attached)
	}
}

func TestDuplicateAndUnknownLinksAreClosed(t *testing.T) {
	t.Parallel()
	arena := startArena(t, nil)
	snapshots := subscribe(t, arena)
	ctx := context.Background()

	first := drivertest.NewLink(driver.RoleExec, "10.0.0.6", pipuckExec)
	duplicate := drivertest.NewLink(driver.RoleExec, "10.0.0.60", pipuckExec)
	stranger := drivertest.NewLink(driver.RoleExec, "10.0.0.99", strangerMAC)
	arena.Apply(ctx, RobotAppeared{Link: first, HardwareAddress: pipuckExec})
	arena.Apply(ctx, RobotAppeared{Link: duplicate, HardwareAddress: pipuckExec})
	arena.Apply(ctx, RobotAppeared{Link: stranger, HardwareAddress: strangerMAC})
	awaitSnapshot(t, snapshots, "pipuck1 connected", robotState("pipuck1", fleet.Connected))

	snapshot, err := arena.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snapshot.Robots) != 1 {
		t.Fatalf("robots = %+v", snapshot.Robots)
	}
	if !duplicate.Closed() || !stranger.Closed() {
		t.Errorf("duplicate closed = %v, stranger closed = %v", duplicate.Closed(), stranger.Closed())
	}
	if first.Closed() {
		t.Error("first link closed")
	}
}

// For any sequence of appearances, no two records share a hardware
// address.
func TestAppearancesNeverDuplicateAddresses(t *testing.T) {
	t.Parallel()
	arena := startArena(t, nil)
	ctx := context.Background()
	random := rand.New(rand.NewPCG(7, 11))

	type endpoint struct {
		role    driver.Role
		address fleet.HardwareAddress
	}
	endpoints := []endpoint{
		{driver.RoleRadio, droneRadio},
		{driver.RoleExec, droneExec},
		{driver.RoleExec, pipuckExec},
		{driver.RoleExec, strangerMAC},
	}
	for i := range 60 {
		chosen := endpoints[random.IntN(len(endpoints))]
		link := drivertest.NewLink(chosen.role, fmt.Sprintf("10.0.1.%d", i+1), chosen.address)
		if err := arena.Apply(ctx, RobotAppeared{Link: link, HardwareAddress: chosen.address}); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}

	snapshot, err := arena.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	owners := make(map[fleet.HardwareAddress]string)
	for _, member := range snapshot.Robots {
		for _, address := range member.Identity.Addresses {
			if owner, taken := owners[address]; taken {
				t.Fatalf("address %s held by %s and %s", address, owner, member.Identity.ID)
			}
			owners[address] = member.Identity.ID
		}
	}
	if len(snapshot.Robots) > 2 {
		t.Errorf("robots = %d, want at most 2", len(snapshot.Robots))
	}
}

func TestPoseReplayIsIdempotent(t *testing.T) {
	t.Parallel()
	arena := startArena(t, nil)
	snapshots := subscribe(t, arena)
	ctx := context.Background()

	arena.Apply(ctx, RobotAppeared{Link: drivertest.NewLink(driver.RoleRadio, "10.0.0.5", droneRadio), HardwareAddress: droneRadio})
	awaitSnapshot(t, snapshots, "drone1 connected", robotState("drone1", fleet.Connected))

	sample := fleet.PoseSample{RigidBody: 3, Position: [3]float64{1, 2, 0.5}, Orientation: [4]float64{1, 0, 0, 0}, Timestamp: 40 * time.Millisecond, Valid: true}
	arena.Apply(ctx, PoseReceived{Robot: "drone1", Sample: sample})
	first, _ := arena.Snapshot(ctx)
	arena.Apply(ctx, PoseReceived{Robot: "drone1", Sample: sample})
	second, _ := arena.Snapshot(ctx)

	if second.Version != first.Version {
		t.Errorf("duplicate pose changed version %d -> %d", first.Version, second.Version)
	}
	drone, _ := second.Robot("drone1")
	if drone.Pose == nil || *drone.Pose != sample {
		t.Errorf("pose = %+v", drone.Pose)
	}
}

func TestSubscriberReceivesOnlyLatestSnapshot(t *testing.T) {
	t.Parallel()
	arena := startArena(t, nil)
	snapshots := subscribe(t, arena)
	ctx := context.Background()

	for i := range 20 {
		arena.Apply(ctx, ExperimentChanged{Experiment: Experiment{Config: fmt.Sprintf("run%d.argos", i)}})
	}
	latest, err := arena.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	received := testutil.RequireReceive(t, snapshots, timeout)
	if received.Version != latest.Version || received.Experiment.Config != "run19.argos" {
		t.Errorf("received version %d (%s), want %d", received.Version, received.Experiment.Config, latest.Version)
	}
	testutil.RequireNoReceive(t, snapshots, 20*time.Millisecond, "stale snapshot was queued")
}

func TestReleasedRobotIsRemoved(t *testing.T) {
	t.Parallel()
	arena := startArena(t, nil)
	snapshots := subscribe(t, arena)
	ctx := context.Background()

	link := drivertest.NewLink(driver.RoleExec, "10.0.0.6", pipuckExec)
	arena.Apply(ctx, RobotAppeared{Link: link, HardwareAddress: pipuckExec})
	awaitSnapshot(t, snapshots, "pipuck1 connected", robotState("pipuck1", fleet.Connected))

	if err := arena.ReleaseAll(ctx); err != nil {
		t.Fatalf("ReleaseAll: %v", err)
	}
	awaitSnapshot(t, snapshots, "pipuck1 removed", func(snapshot Snapshot) bool {
		_, ok := snapshot.Robot("pipuck1")
		return !ok
	})
	if !link.Closed() {
		t.Error("link not closed")
	}
	attached, _ := arena.Attached(ctx)
	if len(attached) != 0 {
		t.Errorf("Attached = %v after release", attached)
	}
}

func TestStaleActorUpdatesIgnored(t *testing.T) {
	t.Parallel()
	arena := startArena(t, nil)
	snapshots := subscribe(t, arena)
	ctx := context.Background()

	arena.Apply(ctx, RobotAppeared{Link: drivertest.NewLink(driver.RoleExec, "10.0.0.6", pipuckExec), HardwareAddress: pipuckExec})
	awaitSnapshot(t, snapshots, "pipuck1 connected", robotState("pipuck1", fleet.Connected))

	arena.Apply(ctx, Released{Robot: "pipuck1", Reason: "old actor", generation: 999})
	arena.Apply(ctx, TelemetryReceived{Robot: "pipuck1", Key: "Link strength", Value: "-40 dBm"})
	snapshot, _ := arena.Snapshot(ctx)
	pipuck, ok := snapshot.Robot("pipuck1")
	if !ok {
		t.Fatal("record removed by a stale update")
	}
	if pipuck.Telemetry["Link strength"] != "-40 dBm" {
		t.Errorf("telemetry = %v", pipuck.Telemetry)
	}
}

func TestJournalRecordsArenaEvents(t *testing.T) {
	t.Parallel()
	log, err := journal.Open(journal.Config{Path: filepath.Join(t.TempDir(), "journal.db")})
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer log.Close()
	arena := startArena(t, log)
	snapshots := subscribe(t, arena)
	ctx := context.Background()

	arena.Apply(ctx, RobotAppeared{Link: drivertest.NewLink(driver.RoleExec, "10.0.0.6", pipuckExec), HardwareAddress: pipuckExec})
	awaitSnapshot(t, snapshots, "pipuck1 connected", robotState("pipuck1", fleet.Connected))
	arena.Apply(ctx, OperatorCommand{Target: "pipuck1", Action: "Reboot Raspberry Pi", Err: errors.New("busy")})
	arena.Snapshot(ctx)

	entries, err := log.Entries(ctx, 1)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	var kinds []journal.Kind
	for _, entry := range entries {
		kinds = append(kinds, entry.Kind)
	}
	want := []journal.Kind{journal.KindRobotAppeared, journal.KindState, journal.KindState, journal.KindOperator}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Fatalf("journal kinds = %v, want %v", kinds, want)
	}
	var operator journal.Operator
	if err := entries[3].Decode(&operator); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if operator.Error != "busy" || operator.Action != "Reboot Raspberry Pi" {
		t.Errorf("operator entry = %+v", operator)
	}
}

func TestApplyAfterStop(t *testing.T) {
	t.Parallel()
	arena := New(Config{Table: testTable(t)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	arena.Run(ctx)
	if err := arena.Apply(context.Background(), ExperimentChanged{}); !errors.Is(err, ErrStopped) {
		t.Errorf("Apply after stop = %v, want ErrStopped", err)
	}
	if _, err := arena.Snapshot(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Snapshot after stop = %v, want ErrStopped", err)
	}
}

func TestCapturedOutputReachesRecord(t *testing.T) {
	t.Parallel()
	arena := startArena(t, nil)
	snapshots := subscribe(t, arena)

	exec := drivertest.NewLink(driver.RoleExec, "10.0.0.7", pipuckExec)
	if err := arena.Apply(context.Background(), RobotAppeared{Link: exec, HardwareAddress: pipuckExec}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	awaitSnapshot(t, snapshots, "pipuck1 connected", robotState("pipuck1", fleet.Connected))

	exec.Emit(driver.Output{Process: "p1", Stream: driver.Stdout, Data: []byte("step 1\n")})
	exec.Emit(driver.Output{Process: "p1", Stream: driver.Stderr, Data: []byte("step 2\n")})
	awaitSnapshot(t, snapshots, "both chunks in the tail", func(snapshot Snapshot) bool {
		pipuck, ok := snapshot.Robot("pipuck1")
		return ok && pipuck.Output == "step 1\nstep 2\n"
	})
}

func TestTrimTailKeepsRuneBoundary(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("€", 1000)
	trimmed := trimTail(text, outputTail)
	if !utf8.ValidString(trimmed) {
		t.Fatalf("trimmed tail is not valid UTF-8")
	}
	if len(trimmed) > outputTail || !strings.HasSuffix(text, trimmed) {
		t.Errorf("trimmed to %d bytes, want a suffix of at most %d", len(trimmed), outputTail)
	}

	lines := strings.Repeat("x", outputTail) + "\nlast\n"
	if got := trimTail(lines, outputTail); got != "last\n" {
		t.Errorf("trimTail with a line break = %q", got)
	}
}

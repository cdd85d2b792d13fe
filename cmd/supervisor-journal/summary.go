// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"maps"
	"regexp"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/bureau-foundation/supervisor/journal"
)

// routerConnected is the line ARGoS prints once its radio client has
// connected. The address is the robot's end of the connection, which
// is the peer name the router journals.
var routerConnected = regexp.MustCompile(`Connected to message router \S+ from (\S+)`)

// scanWindow is how much unmatched output is kept while looking for
// routerConnected; it exceeds the longest possible match.
const scanWindow = 512

// robotSummary accumulates what the journal holds about one robot.
type robotSummary struct {
	kind       string
	poses      int
	firstPose  time.Time
	lastPose   time.Time
	stdout     int
	stderr     int
	routerPeer string
	text       []byte
}

// summary folds journal entries into per-robot totals.
type summary struct {
	robots     map[string]*robotSummary
	broadcasts map[string]int
	bytes      map[string]int
	entries    int
	decodeErrs int
}

func newSummary() *summary {
	return &summary{
		robots:     make(map[string]*robotSummary),
		broadcasts: make(map[string]int),
		bytes:      make(map[string]int),
	}
}

func (s *summary) robot(id string) *robotSummary {
	found := s.robots[id]
	if found == nil {
		found = &robotSummary{}
		s.robots[id] = found
	}
	return found
}

// add is a journal.ReadFile visitor. Undecodable entries are counted,
// not fatal: a summary of a damaged journal is still useful.
func (s *summary) add(entry journal.Entry) error {
	s.entries++
	payload, err := decodePayload(entry)
	if err != nil {
		s.decodeErrs++
		return nil
	}
	switch payload := payload.(type) {
	case *journal.RobotAppeared:
		s.robot(payload.Robot).kind = payload.Kind.String()
	case *journal.Pose:
		for _, sample := range payload.Samples {
			robot := s.robot(sample.Robot)
			if robot.poses == 0 {
				robot.firstPose = entry.Timestamp
			}
			robot.poses++
			robot.lastPose = entry.Timestamp
		}
	case *journal.Output:
		robot := s.robot(payload.Robot)
		if payload.Stream == "stderr" {
			robot.stderr += len(payload.Text)
			break
		}
		robot.stdout += len(payload.Text)
		if robot.routerPeer == "" {
			robot.text = append(robot.text, payload.Text...)
			if match := routerConnected.FindSubmatch(robot.text); match != nil {
				robot.routerPeer = string(match[1])
				robot.text = nil
			} else if len(robot.text) > scanWindow {
				robot.text = robot.text[len(robot.text)-scanWindow:]
			}
		}
	case *journal.Broadcast:
		s.broadcasts[payload.Peer]++
		s.bytes[payload.Peer] += len(payload.Data)
	}
	return nil
}

func (s *summary) write(output io.Writer) error {
	writer := tabwriter.NewWriter(output, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ROBOT\tKIND\tPOSES\tTRACKED\tSTDOUT\tSTDERR\tROUTER PEER\tMESSAGES\tBYTES")
	for _, id := range slices.Sorted(maps.Keys(s.robots)) {
		robot := s.robots[id]
		tracked := "-"
		if robot.poses > 0 {
			tracked = robot.lastPose.Sub(robot.firstPose).Round(time.Millisecond).String()
		}
		peer, messages, bytes := "-", "-", "-"
		if robot.routerPeer != "" {
			peer = robot.routerPeer
			messages = fmt.Sprint(s.broadcasts[robot.routerPeer])
			bytes = fmt.Sprint(s.bytes[robot.routerPeer])
		}
		kind := robot.kind
		if kind == "" {
			kind = "-"
		}
		fmt.Fprintf(writer, "%s\t%s\t%d\t%s\t%d\t%d\t%s\t%s\t%s\n",
			id, kind, robot.poses, tracked, robot.stdout, robot.stderr, peer, messages, bytes)
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(output, "\n%d entries", s.entries)
	if err == nil && s.decodeErrs > 0 {
		_, err = fmt.Fprintf(output, ", %d undecodable", s.decodeErrs)
	}
	if err == nil {
		_, err = fmt.Fprintln(output)
	}
	return err
}

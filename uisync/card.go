// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package uisync

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/bureau-foundation/supervisor/arena"
	"github.com/bureau-foundation/supervisor/driver"
	"github.com/bureau-foundation/supervisor/fleet"
)

// cardNamespace roots the name-based card UUIDs.
var cardNamespace = uuid.MustParse("3f6c1b5e-2a47-4d0e-9b8f-7c1d2e3a4b5c")

// outputLines is how much of a robot's output tail a card shows.
const outputLines = 12

// Card is one UI fragment.
type Card struct {
	UUID    uuid.UUID `json:"uuid"`
	Title   string    `json:"title"`
	Span    int       `json:"span"`
	Content []Section `json:"content"`
	Actions []string  `json:"actions"`
}

// Section is a block of card content: text or a table.
type Section struct {
	Type   string     `json:"type"`
	Text   string     `json:"text,omitempty"`
	Header []string   `json:"header,omitempty"`
	Rows   [][]string `json:"rows,omitempty"`
}

func textSection(text string) Section { return Section{Type: "text", Text: text} }

func tableSection(header []string, rows [][]string) Section {
	return Section{Type: "table", Header: header, Rows: rows}
}

func (c Card) equal(other Card) bool {
	return c.UUID == other.UUID &&
		c.Title == other.Title &&
		c.Span == other.Span &&
		slices.Equal(c.Actions, other.Actions) &&
		slices.EqualFunc(c.Content, other.Content, Section.equal)
}

func (s Section) equal(other Section) bool {
	return s.Type == other.Type &&
		s.Text == other.Text &&
		slices.Equal(s.Header, other.Header) &&
		slices.EqualFunc(s.Rows, other.Rows, slices.Equal[[]string])
}

// Tab names.
const (
	TabDrones      = "drones"
	TabPiPucks     = "pipucks"
	TabBuilderBots = "builderbots"
	TabExperiment  = "experiment"
)

var tabTitles = map[string]string{
	TabDrones:      "Drones",
	TabPiPucks:     "Pi-Pucks",
	TabBuilderBots: "BuilderBots",
	TabExperiment:  "Experiment",
}

var tabKinds = map[string]fleet.Kind{
	TabDrones:      fleet.KindDrone,
	TabPiPucks:     fleet.KindPiPuck,
	TabBuilderBots: fleet.KindBuilderBot,
}

// robotUUID, experimentUUID and softwareUUID name the cards.
func robotUUID(id string) uuid.UUID {
	return uuid.NewSHA1(cardNamespace, []byte("robot/"+id))
}

func experimentUUID() uuid.UUID {
	return uuid.NewSHA1(cardNamespace, []byte("experiment"))
}

func softwareUUID(kind fleet.Kind) uuid.UUID {
	return uuid.NewSHA1(cardNamespace, []byte("software/"+kind.String()))
}

// View renders the cards of tab.
func View(snapshot arena.Snapshot, tab string) (string, []Card, error) {
	title, ok := tabTitles[tab]
	if !ok {
		return "", nil, fmt.Errorf("unknown tab %q", tab)
	}
	if tab == TabExperiment {
		return title, experimentCards(snapshot.Experiment), nil
	}
	kind := tabKinds[tab]
	cards := []Card{}
	for _, record := range snapshot.Robots {
		if record.Identity.Kind == kind {
			cards = append(cards, robotCard(record))
		}
	}
	return title, cards, nil
}

func robotCard(record arena.Robot) Card {
	rows := [][]string{{"State", record.State.String()}}
	for _, link := range record.Links {
		rows = append(rows, []string{"Link (" + link.Family + ")", link.Remote.String()})
	}
	for _, key := range slices.Sorted(maps.Keys(record.Telemetry)) {
		rows = append(rows, []string{key, record.Telemetry[key]})
	}
	if record.Pose != nil {
		rows = append(rows, []string{"Pose", record.Pose.Summary()})
	}
	content := []Section{tableSection([]string{"Property", "Value"}, rows)}
	if record.Output != "" {
		content = append(content, textSection(lastLines(record.Output, outputLines)))
	}
	return Card{
		UUID:    robotUUID(record.Identity.ID),
		Title:   record.Identity.Kind.DisplayName() + " " + record.Identity.ID,
		Span:    4,
		Content: content,
		Actions: robotActions(record),
	}
}

// robotActions lists the actions the robot's links can serve.
func robotActions(record arena.Robot) []string {
	var radio, exec bool
	for _, link := range record.Links {
		radio = radio || link.Role == driver.RoleRadio
		exec = exec || link.Role == driver.RoleExec
	}
	var actions []string
	for _, action := range kindActions[record.Identity.Kind] {
		switch action.role {
		case driver.RoleRadio:
			if !radio {
				continue
			}
		case driver.RoleExec:
			if !exec {
				continue
			}
		}
		actions = append(actions, action.name)
	}
	return actions
}

func experimentCards(experiment arena.Experiment) []Card {
	status := "Stopped"
	actions := []string{ActionStartExperiment}
	if experiment.Running {
		status = "Running " + experiment.Config
		actions = []string{ActionStopExperiment}
	}
	cards := []Card{{
		UUID:    experimentUUID(),
		Title:   "Experiment",
		Span:    4,
		Content: []Section{textSection(status)},
		Actions: actions,
	}}
	for _, bundle := range experiment.Bundles {
		var rows [][]string
		for _, file := range bundle.Files {
			rows = append(rows, []string{file.Name, fmt.Sprintf("%d", file.Size), file.Checksum})
		}
		content := []Section{tableSection([]string{"File", "Bytes", "Checksum"}, rows)}
		if bundle.Problem != "" {
			content = append(content, textSection("Problem: "+bundle.Problem))
		}
		softwareActions := []string{ActionUploadSoftware, ActionClearSoftware}
		if experiment.Running {
			softwareActions = []string{}
		}
		cards = append(cards, Card{
			UUID:    softwareUUID(bundle.Kind),
			Title:   bundle.Kind.DisplayName() + " software",
			Span:    4,
			Content: content,
			Actions: softwareActions,
		})
	}
	return cards
}

func lastLines(text string, n int) string {
	text = strings.TrimRight(text, "\n")
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

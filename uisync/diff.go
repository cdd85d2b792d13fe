// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package uisync

import "github.com/google/uuid"

// Changes is the structural difference between two card lists.
type Changes struct {
	Added   []Card
	Changed []Card
	Removed []uuid.UUID
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Changed) == 0 && len(c.Removed) == 0
}

// Diff compares previous with next by card UUID.
func Diff(previous, next []Card) Changes {
	before := make(map[uuid.UUID]Card, len(previous))
	for _, card := range previous {
		before[card.UUID] = card
	}
	var changes Changes
	seen := make(map[uuid.UUID]bool, len(next))
	for _, card := range next {
		seen[card.UUID] = true
		old, existed := before[card.UUID]
		switch {
		case !existed:
			changes.Added = append(changes.Added, card)
		case !old.equal(card):
			changes.Changed = append(changes.Changed, card)
		}
	}
	for _, card := range previous {
		if !seen[card.UUID] {
			changes.Removed = append(changes.Removed, card.UUID)
		}
	}
	return changes
}

// Apply returns cards with changes applied: removed cards dropped,
// changed cards replaced in place and added cards appended.
func Apply(cards []Card, changes Changes) []Card {
	removed := make(map[uuid.UUID]bool, len(changes.Removed))
	for _, id := range changes.Removed {
		removed[id] = true
	}
	replaced := make(map[uuid.UUID]Card, len(changes.Changed))
	for _, card := range changes.Changed {
		replaced[card.UUID] = card
	}
	result := make([]Card, 0, len(cards)+len(changes.Added))
	for _, card := range cards {
		if removed[card.UUID] {
			continue
		}
		if replacement, ok := replaced[card.UUID]; ok {
			card = replacement
		}
		result = append(result, card)
	}
	return append(result, changes.Added...)
}

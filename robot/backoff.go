// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package robot

import "time"

// Backoff is the reconnection policy.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	// MaxAttempts is the number of failed reconnections after which
	// the actor terminates.
	MaxAttempts int
}

// DefaultBackoff matches the configuration defaults.
var DefaultBackoff = Backoff{Initial: 250 * time.Millisecond, Max: 8 * time.Second, MaxAttempts: 8}

// Delay is the wait before reconnection attempt number attempt,
// counting from zero: Initial doubled per attempt, capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	delay := b.Initial
	for range attempt {
		delay *= 2
		if delay >= b.Max {
			return b.Max
		}
	}
	return min(delay, b.Max)
}

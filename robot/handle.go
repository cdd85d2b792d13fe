// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package robot

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/supervisor/driver"
	"github.com/bureau-foundation/supervisor/fleet"
)

var (
	// ErrTerminated is returned for commands the actor could not run
	// because it stopped. It wraps context.Canceled in results.
	ErrTerminated = errors.New("robot: terminated")

	// ErrDegraded fails SetPower and Upload while the robot is
	// reconnecting.
	ErrDegraded = errors.New("robot: degraded")

	// ErrNoLink means the robot has no link of the role a command
	// needs, for example SetPower on a robot without a radio module.
	ErrNoLink = errors.New("robot: no link for command")

	// ErrTooLarge rejects uploads above the configured limit.
	ErrTooLarge = errors.New("robot: upload too large")

	// ErrMailboxFull is returned when the caller's context ends while
	// waiting for mailbox space.
	ErrMailboxFull = errors.New("robot: mailbox full")
)

type message interface{ message() }

type submitMessage struct {
	pending *pending
}

type attachMessage struct {
	link  driver.Link
	reply chan error
}

type stateMessage struct {
	reply chan fleet.ConnectionState
}

func (submitMessage) message() {}
func (attachMessage) message() {}
func (stateMessage) message()  {}

type pending struct {
	command Command
	reply   chan Result
	// failure is set when the command is doomed on receipt.
	failure error
}

// Handle addresses a running actor. It is safe for concurrent use and
// remains valid after the actor stops.
type Handle struct {
	identity fleet.Identity
	mailbox  chan message
	done     chan struct{}
	output   *OutputLog
}

func (h *Handle) ID() string               { return h.identity.ID }
func (h *Handle) Identity() fleet.Identity { return h.identity }
func (h *Handle) Done() <-chan struct{}    { return h.done }

// send enqueues m, waiting for space until ctx ends.
func (h *Handle) send(ctx context.Context, m message) error {
	select {
	case <-h.done:
		return ErrTerminated
	default:
	}
	select {
	case h.mailbox <- m:
		return nil
	case <-h.done:
		return ErrTerminated
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrMailboxFull, ctx.Err())
	}
}

// Submit queues command and returns a channel that receives exactly
// one Result.
func (h *Handle) Submit(ctx context.Context, command Command) (<-chan Result, error) {
	request := &pending{command: command, reply: make(chan Result, 1)}
	if err := h.send(ctx, submitMessage{pending: request}); err != nil {
		return nil, err
	}
	results := make(chan Result, 1)
	go func() { results <- h.await(request) }()
	return results, nil
}

// Do submits command and waits for its result. Submission failures
// are reported in the Result.
func (h *Handle) Do(ctx context.Context, command Command) Result {
	request := &pending{command: command, reply: make(chan Result, 1)}
	if err := h.send(ctx, submitMessage{pending: request}); err != nil {
		return Result{Command: command, Err: err}
	}
	return h.await(request)
}

// await waits for the actor's answer. The actor answers everything it
// dequeued before closing done; anything enqueued later is reported
// as terminated.
func (h *Handle) await(request *pending) Result {
	select {
	case result := <-request.reply:
		return result
	case <-h.done:
		select {
		case result := <-request.reply:
			return result
		default:
			return Result{Command: request.command, Err: fmt.Errorf("%w: %w", ErrTerminated, context.Canceled)}
		}
	}
}

// Attach adds a second link to the robot, replacing any link of the
// same role.
func (h *Handle) Attach(ctx context.Context, link driver.Link) error {
	reply := make(chan error, 1)
	if err := h.send(ctx, attachMessage{link: link, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-h.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrTerminated
		}
	}
}

// State returns the connection state once every message sent before
// it has been handled.
func (h *Handle) State(ctx context.Context) (fleet.ConnectionState, error) {
	reply := make(chan fleet.ConnectionState, 1)
	if err := h.send(ctx, stateMessage{reply: reply}); err != nil {
		return fleet.Terminated, err
	}
	select {
	case state := <-reply:
		return state, nil
	case <-h.done:
		return fleet.Terminated, ErrTerminated
	}
}

// Output returns captured output after offset, waiting for more if
// there is none yet, and the offset to resume from.
func (h *Handle) Output(ctx context.Context, offset uint64) ([]byte, uint64, error) {
	return h.output.Wait(ctx, offset, h.done)
}

// Release stops the actor and waits for it to finish.
func (h *Handle) Release(ctx context.Context) error {
	result := h.Do(ctx, Release{})
	if result.Err != nil && !errors.Is(result.Err, ErrTerminated) {
		return result.Err
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

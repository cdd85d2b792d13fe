// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"errors"
	"fmt"
)

var (
	// ErrDisconnected means the transport was lost. The actor
	// reconnects with backoff.
	ErrDisconnected = errors.New("disconnected")

	// ErrUnsupported means the link family does not serve the request.
	ErrUnsupported = errors.New("request not supported by link")

	// ErrClosed means the link was closed locally.
	ErrClosed = errors.New("link closed")
)

// ProtocolError is a violation of the link protocol by the endpoint:
// a malformed frame, a failed handshake, a reply that cannot be
// decoded. It terminates the link.
type ProtocolError struct {
	Family string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s protocol violation: %s: %v", e.Family, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s protocol violation: %s", e.Family, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RemoteError is a refusal reported by the endpoint. The link remains
// usable.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "remote error: " + e.Message }

// Disconnected wraps cause so that errors.Is(err, ErrDisconnected)
// holds while the cause is still printed.
func Disconnected(cause error) error {
	if cause == nil {
		return ErrDisconnected
	}
	if errors.Is(cause, ErrDisconnected) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrDisconnected, cause)
}

// IsFatal reports whether err ends the link rather than triggering a
// reconnection.
func IsFatal(err error) bool {
	var protocolError *ProtocolError
	return errors.As(err, &protocolError)
}

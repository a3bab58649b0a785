// Copyright 2023 Wayback Archiver. All rights reserved.
// Use of this source code is governed by the MIT
// license that can be found in the LICENSE file.

package emproxy // import "github.com/wabarc/emproxy"

import (
	"errors"
)

var (
	// ErrAlreadyRunning is returned by Start when a proxy instance is alive.
	ErrAlreadyRunning = errors.New("emproxy: proxy already running")

	// ErrNotRunning reports that no proxy instance is alive.
	ErrNotRunning = errors.New("emproxy: proxy not running")

	// ErrInvalidIterations is returned by Test for a count below one.
	ErrInvalidIterations = errors.New("emproxy: self-test iterations must be at least 1")

	// ErrInvalidAddress reports a bind address that is not an IP literal
	// or is not available on this host.
	ErrInvalidAddress = errors.New("emproxy: invalid bind address")

	// ErrInvalidPort reports a port that is not a valid 16-bit number.
	ErrInvalidPort = errors.New("emproxy: invalid bind port")

	// ErrInvalidSocket reports a UDP socket that could not be bound.
	ErrInvalidSocket = errors.New("emproxy: unable to bind udp socket")

	// ErrUnknownHandle is returned by Stop for a Handle the engine did not issue.
	ErrUnknownHandle = errors.New("emproxy: handle not owned by this engine")

	// ErrNoReply is returned by SelfTest when a datagram is not seen in time.
	ErrNoReply = errors.New("emproxy: self-test datagram not received")
)

// EngineError wraps a failure reported by the underlying Engine. The
// cause is kept verbatim and available through errors.Unwrap.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return "emproxy: " + e.Op + ": " + e.Err.Error()
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func engineError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &EngineError{Op: op, Err: err}
}

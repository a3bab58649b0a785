// Copyright 2023 Wayback Archiver. All rights reserved.
// Use of this source code is governed by the MIT
// license that can be found in the LICENSE file.

package emproxy // import "github.com/wabarc/emproxy"

import (
	"context"
	"net/netip"
)

// Engine is the capability the Controller drives. Implementations do the
// actual packet work; the Controller only tracks whether an instance lives.
type Engine interface {
	// Start binds to address and returns a handle to the live instance.
	Start(address string) (Handle, error)

	// Stop tears down the instance identified by h.
	Stop(h Handle) error

	// SelfTest exercises the engine internals iterations times and returns
	// the first failure.
	SelfTest(ctx context.Context, iterations int) error
}

// Handle identifies a live Engine instance.
type Handle interface {
	ID() string
	LocalAddr() netip.AddrPort
}

// Copyright 2023 Wayback Archiver. All rights reserved.
// Use of this source code is governed by the MIT
// license that can be found in the LICENSE file.

/*
Package emproxy provides a WireGuard loopback proxy and the controller that
starts, stops and self-tests it.

The proxy answers a single WireGuard peer and sends every IPv4 packet it
receives straight back with source and destination swapped, so a device
tunnelled through it can reach its own services at 10.7.0.1. Only one proxy
runs per Controller; the package level Start, Stop and Test functions share
one process-wide Controller.

	if err := emproxy.Start("127.0.0.1"); err != nil && !errors.Is(err, emproxy.ErrAlreadyRunning) {
		log.Fatal(err)
	}
	defer emproxy.Stop()
*/
package emproxy // import "github.com/wabarc/emproxy"

// Copyright 2023 Wayback Archiver. All rights reserved.
// Use of this source code is governed by the MIT
// license that can be found in the LICENSE file.

package emproxy // import "github.com/wabarc/emproxy"

import (
	"os"
	"sync"

	"golang.org/x/net/ipv4"
	"golang.zx2c4.com/wireguard/tun"
)

const loopbackQueueLen = 1024

// loopbackTUN is a tun.Device that hands every IPv4 packet the WireGuard
// device writes back to its read side with source and destination swapped.
// A peer sending to any address therefore receives its own packet as if it
// came from that address.
type loopbackTUN struct {
	mtu     int
	queue   chan []byte
	events  chan tun.Event
	closed  chan struct{}
	once    sync.Once
	metrics *engineMetrics
}

var _ tun.Device = (*loopbackTUN)(nil)

func newLoopbackTUN(mtu int, m *engineMetrics) *loopbackTUN {
	return &loopbackTUN{
		mtu:     mtu,
		queue:   make(chan []byte, loopbackQueueLen),
		events:  make(chan tun.Event),
		closed:  make(chan struct{}),
		metrics: m,
	}
}

func (t *loopbackTUN) File() *os.File           { return nil }
func (t *loopbackTUN) MTU() (int, error)        { return t.mtu, nil }
func (t *loopbackTUN) Name() (string, error)    { return "emproxy", nil }
func (t *loopbackTUN) Events() <-chan tun.Event { return t.events }
func (t *loopbackTUN) BatchSize() int           { return 1 }

func (t *loopbackTUN) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	var pkt []byte
	select {
	case pkt = <-t.queue:
	case <-t.closed:
		return 0, os.ErrClosed
	}

	n := 0
	for {
		sizes[n] = copy(bufs[n][offset:], pkt)
		n++
		if n == len(bufs) {
			return n, nil
		}
		select {
		case pkt = <-t.queue:
		default:
			return n, nil
		}
	}
}

func (t *loopbackTUN) Write(bufs [][]byte, offset int) (int, error) {
	for i, buf := range bufs {
		pkt, ok := reflectIPv4(buf[offset:])
		if !ok {
			t.metrics.dropped.WithLabelValues("unsupported").Inc()
			continue
		}
		select {
		case <-t.closed:
			return i, os.ErrClosed
		default:
		}
		select {
		case t.queue <- pkt:
			t.metrics.reflected.Inc()
		default:
			t.metrics.dropped.WithLabelValues("overflow").Inc()
		}
	}
	return len(bufs), nil
}

func (t *loopbackTUN) Close() error {
	t.once.Do(func() {
		close(t.closed)
		close(t.events)
	})
	return nil
}

// reflectIPv4 returns a copy of pkt with the IPv4 source and destination
// addresses exchanged. Checksums stay valid since both the header checksum
// and the transport pseudo-header sum are order independent.
func reflectIPv4(pkt []byte) ([]byte, bool) {
	if len(pkt) < ipv4.HeaderLen || int(pkt[0]>>4) != ipv4.Version {
		return nil, false
	}
	if ihl := int(pkt[0]&0x0f) << 2; ihl < ipv4.HeaderLen || ihl > len(pkt) {
		return nil, false
	}

	out := make([]byte, len(pkt))
	copy(out, pkt)

	var src [4]byte
	copy(src[:], out[12:16])
	copy(out[12:16], out[16:20])
	copy(out[16:20], src[:])

	return out, true
}

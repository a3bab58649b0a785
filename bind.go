// Copyright 2023 Wayback Archiver. All rights reserved.
// Use of this source code is governed by the MIT
// license that can be found in the LICENSE file.

package emproxy // import "github.com/wabarc/emproxy"

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"golang.zx2c4.com/wireguard/conn"
)

const bindRetryInterval = 50 * time.Millisecond

// udpBind is a conn.Bind pinned to a single local address. The stock
// bind listens on every interface, which is not what a loopback proxy
// wants.
type udpBind struct {
	addr    netip.Addr
	timeout time.Duration

	mu   sync.Mutex
	conn *net.UDPConn
	err  error
}

var _ conn.Bind = (*udpBind)(nil)

func newUDPBind(addr netip.Addr, timeout time.Duration) *udpBind {
	return &udpBind{addr: addr, timeout: timeout}
}

type udpEndpoint struct {
	dst netip.AddrPort
}

var _ conn.Endpoint = (*udpEndpoint)(nil)

func (e *udpEndpoint) ClearSrc()           {}
func (e *udpEndpoint) SrcToString() string { return "" }
func (e *udpEndpoint) DstToString() string { return e.dst.String() }
func (e *udpEndpoint) DstIP() netip.Addr   { return e.dst.Addr() }
func (e *udpEndpoint) SrcIP() netip.Addr   { return netip.Addr{} }

func (e *udpEndpoint) DstToBytes() []byte {
	b, _ := e.dst.MarshalBinary()
	return b
}

func (b *udpBind) Open(port uint16) ([]conn.ReceiveFunc, uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		return nil, 0, conn.ErrBindAlreadyOpen
	}

	c, err := listenUDP(netip.AddrPortFrom(b.addr, port), b.timeout)
	if err != nil {
		b.err = err
		return nil, 0, err
	}
	b.conn, b.err = c, nil

	return []conn.ReceiveFunc{receiveFrom(c)}, localPort(c), nil
}

func receiveFrom(c *net.UDPConn) conn.ReceiveFunc {
	return func(packets [][]byte, sizes []int, eps []conn.Endpoint) (int, error) {
		n, addr, err := c.ReadFromUDPAddrPort(packets[0])
		if err != nil {
			return 0, err
		}
		sizes[0] = n
		eps[0] = &udpEndpoint{dst: netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())}
		return 1, nil
	}
}

func (b *udpBind) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

func (b *udpBind) SetMark(mark uint32) error {
	return nil
}

func (b *udpBind) Send(bufs [][]byte, ep conn.Endpoint) error {
	b.mu.Lock()
	c := b.conn
	b.mu.Unlock()

	if c == nil {
		return net.ErrClosed
	}
	dst, ok := ep.(*udpEndpoint)
	if !ok {
		return fmt.Errorf("unsupported endpoint type %T", ep)
	}
	for _, buf := range bufs {
		if _, err := c.WriteToUDPAddrPort(buf, dst.dst); err != nil {
			return err
		}
	}
	return nil
}

func (b *udpBind) ParseEndpoint(s string) (conn.Endpoint, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return nil, err
	}
	return &udpEndpoint{dst: netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())}, nil
}

func (b *udpBind) BatchSize() int {
	return 1
}

// Port returns the port currently bound, or 0 while closed.
func (b *udpBind) Port() uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return 0
	}
	return localPort(b.conn)
}

// lastError returns the failure of the most recent Open call.
func (b *udpBind) lastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// listenUDP binds ap, retrying while the port is still held by a previous
// instance. Retries stop once timeout elapses.
func listenUDP(ap netip.AddrPort, timeout time.Duration) (*net.UDPConn, error) {
	network := "udp4"
	if ap.Addr().Is6() {
		network = "udp6"
	}

	deadline := time.Now().Add(timeout)
	for {
		c, err := net.ListenUDP(network, net.UDPAddrFromAddrPort(ap))
		switch {
		case err == nil:
			return c, nil
		case errors.Is(err, syscall.EADDRNOTAVAIL):
			return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		case errors.Is(err, syscall.EADDRINUSE) && time.Now().Before(deadline):
			time.Sleep(bindRetryInterval)
		default:
			return nil, fmt.Errorf("%w: %v", ErrInvalidSocket, err)
		}
	}
}

func localPort(c *net.UDPConn) uint16 {
	if addr, ok := c.LocalAddr().(*net.UDPAddr); ok {
		return uint16(addr.Port)
	}
	return 0
}

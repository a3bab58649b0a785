// Copyright 2023 Wayback Archiver. All rights reserved.
// Use of this source code is governed by the MIT
// license that can be found in the LICENSE file.

package emproxy // import "github.com/wabarc/emproxy"

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun/netstack"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
)

const (
	probeBasePort  = 3000
	probeBursts    = 10
	probeTunnelUDP = 4000
)

var (
	probeNetwork    = netip.MustParsePrefix("10.7.0.0/24")
	probeServerAddr = netip.MustParseAddr("10.7.0.1")
	probeClientAddr = netip.MustParseAddr("10.7.0.2")
	probeLoopback   = netip.MustParseAddr("127.0.0.1")
)

// SelfTest runs iterations rounds of the socket probe followed by a
// datagram round trip through a throwaway loopback tunnel. It never
// touches instances created by Start.
func (e *WireGuardEngine) SelfTest(ctx context.Context, iterations int) error {
	if iterations < 1 {
		return ErrInvalidIterations
	}

	log := e.log.WithField("component", "self-test")
	tunnel, err := openTunnelProbe(e.cfg, log)
	if err != nil {
		return fmt.Errorf("tunnel setup: %w", err)
	}
	defer tunnel.Close()

	for i := 1; i <= iterations; i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("iteration %d: %w", i, err)
		}
		if err := probeSocket(ctx, e.cfg.ProbeTimeout); err != nil {
			return fmt.Errorf("iteration %d: socket probe: %w", i, err)
		}
		if err := tunnel.roundTrip(ctx, i, e.cfg.ProbeTimeout); err != nil {
			return fmt.Errorf("iteration %d: tunnel probe: %w", i, err)
		}
		log.WithField("iteration", i).Debug("self-test iteration passed")
	}

	return nil
}

// probeSocket checks that the host can exchange UDP datagrams over the
// loopback interface: a burst of one-byte datagrams is fired at a listener
// which has to see at least one before timeout.
func probeSocket(ctx context.Context, timeout time.Duration) error {
	listener, err := listenProbe()
	if err != nil {
		return err
	}
	defer listener.Close()

	if err := listener.SetReadDeadline(probeDeadline(ctx, timeout)); err != nil {
		return err
	}

	dst := listener.LocalAddr()
	received := make(chan struct{})

	var g errgroup.Group
	g.Go(func() error {
		sender, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSocket, err)
		}
		defer sender.Close()

		for i := 0; i < probeBursts; i++ {
			// Losses are fine, one datagram is enough.
			_, _ = sender.WriteTo([]byte{69}, dst)
			select {
			case <-received:
				return nil
			case <-time.After(time.Millisecond):
			}
		}
		return nil
	})
	g.Go(func() error {
		defer close(received)

		buf := make([]byte, 1)
		if _, _, err := listener.ReadFrom(buf); err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return ErrNoReply
			}
			return err
		}
		return nil
	})

	return g.Wait()
}

// listenProbe binds the probe listener on 127.0.0.1 starting at port 3000,
// moving up while ports are taken.
func listenProbe() (*net.UDPConn, error) {
	for port := probeBasePort; port < 65535; port++ {
		c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSocket, err)
		}
	}
	return nil, fmt.Errorf("%w: no free probe port", ErrInvalidSocket)
}

func probeDeadline(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

// tunnelProbe pairs a throwaway responder with an in-process WireGuard
// client running on a userspace network stack.
type tunnelProbe struct {
	server *instance
	client *device.Device
	conn   *gonet.UDPConn
}

func openTunnelProbe(base *DeviceConfig, log logrus.FieldLogger) (*tunnelProbe, error) {
	serverKey, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	clientKey, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	cfg := &DeviceConfig{
		PrivateKey:  KeyHex(serverKey),
		MTU:         base.MTU,
		BindTimeout: base.BindTimeout,
		Peer: PeerConfig{
			PublicKey:  KeyHex(clientKey.PublicKey()),
			AllowedIPs: []netip.Prefix{probeNetwork},
		},
	}
	cfg.setDefaults()

	server, err := launch(netip.AddrPortFrom(probeLoopback, 0), cfg, newEngineMetrics(nil), log)
	if err != nil {
		return nil, err
	}
	p := &tunnelProbe{server: server}

	tdev, tnet, err := netstack.CreateNetTUN([]netip.Addr{probeClientAddr}, nil, cfg.MTU)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.client = device.NewDevice(tdev, conn.NewDefaultBind(), deviceLogger(log.WithField("side", "client")))

	uapi := fmt.Sprintf("private_key=%s\npublic_key=%s\nendpoint=%s\nallowed_ip=%s\n",
		KeyHex(clientKey), KeyHex(serverKey.PublicKey()), server.LocalAddr(), probeNetwork)
	if err := p.client.IpcSet(uapi); err != nil {
		p.Close()
		return nil, err
	}
	if err := p.client.Up(); err != nil {
		p.Close()
		return nil, err
	}

	p.conn, err = tnet.DialUDPAddrPort(
		netip.AddrPortFrom(probeClientAddr, probeTunnelUDP),
		netip.AddrPortFrom(probeServerAddr, probeTunnelUDP),
	)
	if err != nil {
		p.Close()
		return nil, err
	}

	return p, nil
}

// roundTrip sends a datagram to the far side of the tunnel and waits for
// the responder to reflect it.
func (p *tunnelProbe) roundTrip(ctx context.Context, seq int, timeout time.Duration) error {
	if err := p.conn.SetDeadline(probeDeadline(ctx, timeout)); err != nil {
		return err
	}

	payload := []byte(fmt.Sprintf("emproxy self-test %d", seq))
	if _, err := p.conn.Write(payload); err != nil {
		return err
	}

	buf := make([]byte, 64)
	n, err := p.conn.Read(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return ErrNoReply
		}
		return err
	}
	if !bytes.Equal(buf[:n], payload) {
		return fmt.Errorf("reflected payload mismatch: got %q", buf[:n])
	}
	return nil
}

func (p *tunnelProbe) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
	if p.client != nil {
		p.client.Close()
	}
	if p.server != nil {
		p.server.close()
	}
}

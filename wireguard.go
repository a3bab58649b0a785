// Copyright 2023 Wayback Archiver. All rights reserved.
// Use of this source code is governed by the MIT
// license that can be found in the LICENSE file.

package emproxy // import "github.com/wabarc/emproxy"

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/device"
)

// WireGuardEngine is an Engine that answers a single WireGuard peer and
// reflects its IPv4 traffic back to it.
//
// Here's the device side profile matching the compiled-in configuration:
//
//	[Interface]
//	PrivateKey = qKooVdfUTanr7xylpp/FqYUJdIaOfTG9p5WQlwS2BVs=
//	Address = 10.7.0.0/32
//
//	[Peer]
//	PublicKey = 0hx68cbyANqmF/i3q1KMaylMRAVEpgtEFs122Y4+Jjk=
//	AllowedIPs = 10.7.0.1/32
//	Endpoint = 127.0.0.1:51820
type WireGuardEngine struct {
	cfg     *DeviceConfig
	log     logrus.FieldLogger
	metrics *engineMetrics

	mu        sync.Mutex
	instances map[string]*instance
}

var _ Engine = (*WireGuardEngine)(nil)

// NewWireGuardEngine returns an engine for cfg. A nil cfg selects
// DefaultConfig.
func NewWireGuardEngine(cfg *DeviceConfig, opts ...Option) (*WireGuardEngine, error) {
	if cfg == nil {
		var err error
		if cfg, err = DefaultConfig(); err != nil {
			return nil, err
		}
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := newOptions(opts...)
	return &WireGuardEngine{
		cfg:       cfg,
		log:       o.logger.WithField("component", "engine"),
		metrics:   newEngineMetrics(o.registerer),
		instances: make(map[string]*instance),
	}, nil
}

// Start brings a responder up on address, given as "ip" or "ip:port".
func (e *WireGuardEngine) Start(address string) (Handle, error) {
	ap, err := parseBindAddress(address, e.cfg.ListenPort)
	if err != nil {
		return nil, err
	}

	inst, err := launch(ap, e.cfg, e.metrics, e.log)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.instances[inst.id] = inst
	e.mu.Unlock()

	return inst, nil
}

// Stop closes the responder behind h. Handles from other engines, or
// already stopped ones, are rejected with ErrUnknownHandle.
func (e *WireGuardEngine) Stop(h Handle) error {
	inst, ok := h.(*instance)
	if !ok {
		return ErrUnknownHandle
	}

	e.mu.Lock()
	cur, found := e.instances[inst.id]
	if found && cur == inst {
		delete(e.instances, inst.id)
	}
	e.mu.Unlock()

	if !found || cur != inst {
		return ErrUnknownHandle
	}
	inst.close()
	return nil
}

type instance struct {
	id   string
	addr netip.AddrPort
	dev  *device.Device
	log  logrus.FieldLogger
}

func (i *instance) ID() string                { return i.id }
func (i *instance) LocalAddr() netip.AddrPort { return i.addr }

func (i *instance) close() {
	i.dev.Close()
	i.log.Info("engine instance closed")
}

func launch(ap netip.AddrPort, cfg *DeviceConfig, m *engineMetrics, log logrus.FieldLogger) (*instance, error) {
	id := uuid.NewString()
	log = log.WithField("instance", id)

	bind := newUDPBind(ap.Addr(), cfg.BindTimeout)
	dev := device.NewDevice(newLoopbackTUN(cfg.MTU, m), bind, deviceLogger(log))

	if err := dev.IpcSet(uapiConfig(cfg, ap.Port())); err != nil {
		dev.Close()
		return nil, err
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		if bindErr := bind.lastError(); bindErr != nil {
			return nil, bindErr
		}
		return nil, err
	}

	port := bind.Port()
	if port == 0 {
		dev.Close()
		if bindErr := bind.lastError(); bindErr != nil {
			return nil, bindErr
		}
		return nil, fmt.Errorf("%w: device did not open %s", ErrInvalidSocket, ap)
	}

	inst := &instance{
		id:   id,
		addr: netip.AddrPortFrom(ap.Addr(), port),
		dev:  dev,
		log:  log,
	}
	log.WithField("address", inst.addr.String()).Info("engine instance up")

	return inst, nil
}

func uapiConfig(cfg *DeviceConfig, port uint16) string {
	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\n", cfg.PrivateKey)
	fmt.Fprintf(&b, "listen_port=%d\n", port)
	b.WriteString("replace_peers=true\n")
	fmt.Fprintf(&b, "public_key=%s\n", cfg.Peer.PublicKey)
	if cfg.Peer.PreSharedKey != "" {
		fmt.Fprintf(&b, "preshared_key=%s\n", cfg.Peer.PreSharedKey)
	}
	if cfg.Peer.KeepAlive > 0 {
		fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", cfg.Peer.KeepAlive)
	}
	b.WriteString("replace_allowed_ips=true\n")
	for _, prefix := range cfg.Peer.AllowedIPs {
		fmt.Fprintf(&b, "allowed_ip=%s\n", prefix)
	}
	return b.String()
}

func deviceLogger(log logrus.FieldLogger) *device.Logger {
	return &device.Logger{
		Verbosef: log.Debugf,
		Errorf:   log.Errorf,
	}
}

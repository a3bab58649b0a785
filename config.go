// Copyright 2023 Wayback Archiver. All rights reserved.
// Use of this source code is governed by the MIT
// license that can be found in the LICENSE file.

package emproxy // import "github.com/wabarc/emproxy"

import (
	"bytes"
	_ "embed"
	"errors"
	"io"
	"net/netip"
	"time"

	"github.com/go-ini/ini"
	"github.com/joeshaw/envdecode"
	"golang.zx2c4.com/wireguard/device"
)

const (
	// DefaultPort is the UDP port used when the bind address has none.
	DefaultPort = 51820

	defaultBindTimeout  = time.Second
	defaultProbeTimeout = 2 * time.Second
)

//go:embed default.conf
var defaultConf []byte

// PeerConfig represents the single peer whose traffic is reflected.
type PeerConfig struct {
	AllowedIPs   []netip.Prefix
	PublicKey    string
	PreSharedKey string
	KeepAlive    int
}

// DeviceConfig represents the configuration of the loopback responder.
// Keys are stored hex encoded, ready for the UAPI.
type DeviceConfig struct {
	PrivateKey string
	ListenPort uint16
	MTU        int `env:"EMPROXY_MTU"`
	Peer       PeerConfig

	// BindTimeout bounds how long Start keeps retrying a busy port.
	BindTimeout time.Duration `env:"EMPROXY_BIND_TIMEOUT"`

	// ProbeTimeout bounds every self-test probe.
	ProbeTimeout time.Duration `env:"EMPROXY_PROBE_TIMEOUT"`
}

// LoadConfig reads a WireGuard style configuration from r.
//
//	[Interface]
//	PrivateKey = <private key of the responder>
//	ListenPort = 51820
//
//	[Peer]
//	PublicKey = <public key of the device>
//	AllowedIPs = 0.0.0.0/0
//
// The configuration may also be nested under a WGConfig key.
func LoadConfig(r io.Reader) (*DeviceConfig, error) {
	iniOpt := ini.LoadOptions{
		Insensitive:            true,
		AllowShadows:           true,
		AllowNonUniqueSections: true,
	}

	cfg, err := ini.LoadSources(iniOpt, r)
	if err != nil {
		return nil, err
	}

	root := cfg.Section("")
	wgCfg := cfg
	if wgConf, err := root.GetKey("WGConfig"); err == nil {
		wgCfg, err = ini.LoadSources(iniOpt, []byte(wgConf.String()))
		if err != nil {
			return nil, err
		}
	}

	dev := &DeviceConfig{}
	if err := parseInterface(wgCfg, dev); err != nil {
		return nil, err
	}
	if err := parsePeer(wgCfg, &dev.Peer); err != nil {
		return nil, err
	}
	dev.setDefaults()

	return dev, nil
}

// DefaultConfig returns the compiled-in responder configuration with
// environment overrides applied.
func DefaultConfig() (*DeviceConfig, error) {
	cfg, err := LoadConfig(bytes.NewReader(defaultConf))
	if err != nil {
		return nil, err
	}
	if err := cfg.LoadEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv overrides tunables from EMPROXY_* environment variables.
func (c *DeviceConfig) LoadEnv() error {
	err := envdecode.Decode(c)
	if err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return err
	}
	c.setDefaults()
	return nil
}

func (c *DeviceConfig) setDefaults() {
	if c.MTU <= 0 {
		c.MTU = device.DefaultMTU
	}
	if c.ListenPort == 0 {
		c.ListenPort = DefaultPort
	}
	if c.BindTimeout <= 0 {
		c.BindTimeout = defaultBindTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	if len(c.Peer.AllowedIPs) == 0 {
		c.Peer.AllowedIPs = []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")}
	}
}

func (c *DeviceConfig) validate() error {
	if c.PrivateKey == "" {
		return errors.New("private key should not be empty")
	}
	if c.Peer.PublicKey == "" {
		return errors.New("peer public key should not be empty")
	}
	return nil
}

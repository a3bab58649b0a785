// Copyright 2023 Wayback Archiver. All rights reserved.
// Use of this source code is governed by the MIT
// license that can be found in the LICENSE file.

package emproxy // import "github.com/wabarc/emproxy"

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/go-ini/ini"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func parseInterface(cfg *ini.File, device *DeviceConfig) error {
	sections, err := cfg.SectionsByName("Interface")
	if len(sections) != 1 || err != nil {
		return errors.New("one and only one [Interface] is expected")
	}
	section := sections[0]

	privKey, err := parseBase64KeyToHex(section, "PrivateKey")
	if err != nil {
		return err
	}
	device.PrivateKey = privKey

	if sectionKey, err := section.GetKey("ListenPort"); err == nil {
		value, err := sectionKey.Uint()
		if err != nil || value == 0 || value > 65535 {
			return fmt.Errorf("%w: %s", ErrInvalidPort, sectionKey.String())
		}
		device.ListenPort = uint16(value)
	}

	if sectionKey, err := section.GetKey("MTU"); err == nil {
		value, err := sectionKey.Int()
		if err != nil {
			return err
		}
		device.MTU = value
	}

	return nil
}

func parsePeer(cfg *ini.File, peer *PeerConfig) error {
	sections, err := cfg.SectionsByName("Peer")
	if len(sections) != 1 || err != nil {
		return errors.New("one and only one [Peer] is expected")
	}
	section := sections[0]

	decoded, err := parseBase64KeyToHex(section, "PublicKey")
	if err != nil {
		return err
	}
	peer.PublicKey = decoded

	if sectionKey, err := section.GetKey("PreSharedKey"); err == nil {
		value, err := encodeBase64ToHex(sectionKey.String())
		if err != nil {
			return err
		}
		peer.PreSharedKey = value
	}

	if sectionKey, err := section.GetKey("PersistentKeepalive"); err == nil {
		value, err := sectionKey.Int()
		if err != nil {
			return err
		}
		peer.KeepAlive = value
	}

	peer.AllowedIPs, err = parseAllowedIPs(section)
	if err != nil {
		return err
	}

	return nil
}

func parseBase64KeyToHex(section *ini.Section, keyName string) (string, error) {
	key, err := parseString(section, keyName)
	if err != nil {
		return "", err
	}
	return encodeBase64ToHex(key)
}

func parseString(section *ini.Section, keyName string) (string, error) {
	if !section.HasKey(keyName) || section.Key(keyName).String() == "" {
		return "", errors.New(keyName + " should not be empty")
	}
	return section.Key(keyName).String(), nil
}

func encodeBase64ToHex(key string) (string, error) {
	k, err := wgtypes.ParseKey(strings.TrimSpace(key))
	if err != nil {
		return "", err
	}
	return KeyHex(k), nil
}

func parseAllowedIPs(section *ini.Section) ([]netip.Prefix, error) {
	if !section.HasKey("AllowedIPs") {
		return []netip.Prefix{}, nil
	}

	var ips []netip.Prefix
	for _, str := range section.Key("AllowedIPs").StringsWithShadows(",") {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(str))
		if err != nil {
			return nil, err
		}

		ips = append(ips, prefix.Masked())
	}
	return ips, nil
}

// parseBindAddress accepts "ip" or "ip:port". A missing port falls back
// to defaultPort; port 0 asks for an ephemeral port.
func parseBindAddress(address string, defaultPort uint16) (netip.AddrPort, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return netip.AddrPort{}, fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}

	host, port, err := net.SplitHostPort(address)
	if err != nil {
		addr, err := netip.ParseAddr(strings.Trim(address, "[]"))
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
		}
		return netip.AddrPortFrom(addr.Unmap(), defaultPort), nil
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	value, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %q", ErrInvalidPort, port)
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(value)), nil
}

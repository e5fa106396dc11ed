// Copyright 2024 The mstack Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package netsetup brings the host side of a TAP device up: the
// stack itself never touches the kernel's network stack, but the
// host still needs the interface marked up (and, for a TAP bridge
// topology, no address of its own) before traffic will reach it.
package netsetup

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// BringUp marks ifName up, the host-side equivalent of `ip link set
// <ifName> up`.
func BringUp(ifName string) error {
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return fmt.Errorf("netsetup: lookup %s: %w", ifName, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("netsetup: set %s up: %w", ifName, err)
	}
	return nil
}

// AddHostRoute installs a host-side route for dst/prefixLen via
// ifName, so traffic the kernel would otherwise originate reaches the
// TAP device instead of being dropped for lack of a route.
func AddHostRoute(ifName string, dst net.IP, prefixLen int) error {
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return fmt.Errorf("netsetup: lookup %s: %w", ifName, err)
	}
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst: &net.IPNet{
			IP:   dst,
			Mask: net.CIDRMask(prefixLen, 32),
		},
	}
	if err := netlink.RouteAdd(route); err != nil {
		return fmt.Errorf("netsetup: add route %s/%d via %s: %w", dst, prefixLen, ifName, err)
	}
	return nil
}

// SetMTU sets ifName's link MTU to match the stack's configured MTU,
// so the kernel does not fragment frames the stack isn't expecting.
func SetMTU(ifName string, mtu int) error {
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return fmt.Errorf("netsetup: lookup %s: %w", ifName, err)
	}
	if err := netlink.LinkSetMTU(link, mtu); err != nil {
		return fmt.Errorf("netsetup: set %s mtu %d: %w", ifName, mtu, err)
	}
	return nil
}

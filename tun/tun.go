// Package tun wraps the platform TUN device and its address/route
// configuration behind a small interface, matching the original's
// "external collaborator" boundary around tunfd and the ioctls that
// configure it.
//
// The device itself is opened with github.com/songgao/water, and address
// assignment, link bring-up, and default-route manipulation go through
// github.com/vishvananda/netlink, replacing the SIOCSIFADDR /
// SIOCSIFDSTADDR / SIOCADDRT / SIOCDELRT ioctls the original hand-rolls.
package tun

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"

	"github.com/htun/htun/iprange"
)

// Device is an open TUN interface plus the address pair assigned to it.
type Device struct {
	*water.Interface
	Name string
	link netlink.Link
}

// Open creates a new TUN interface named by the OS (or ifName if
// non-empty).
func Open(ifName string) (*Device, error) {
	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = ifName
	iface, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("tun: open: %w", err)
	}
	link, err := netlink.LinkByName(iface.Name())
	if err != nil {
		iface.Close()
		return nil, fmt.Errorf("tun: lookup link %s: %w", iface.Name(), err)
	}
	return &Device{Interface: iface, Name: iface.Name(), link: link}, nil
}

// SetAddrs assigns the point-to-point local/peer address pair and brings
// the link up, the combined effect of tun_setaddr + tun_setpeeraddr +
// tun_setflags + tun_up.
func (d *Device) SetAddrs(local, peer netip.Addr) error {
	addr := &netlink.Addr{
		IPNet: &net.IPNet{IP: local.AsSlice(), Mask: net.CIDRMask(32, 32)},
		Peer:  &net.IPNet{IP: peer.AsSlice(), Mask: net.CIDRMask(32, 32)},
	}
	if err := netlink.AddrAdd(d.link, addr); err != nil {
		return fmt.Errorf("tun: assign %s peer %s: %w", local, peer, err)
	}
	if err := netlink.LinkSetUp(d.link); err != nil {
		return fmt.Errorf("tun: link up: %w", err)
	}
	return nil
}

// MAC returns the interface's hardware address, analogous to get_mac, which
// the original computes once and caches; here the netlink.Link attrs are
// already a point-in-time snapshot so no extra caching is needed.
func (d *Device) MAC() string {
	return d.link.Attrs().HardwareAddr.String()
}

// LookupMAC returns the hardware address of the named network interface, the
// client side's get_mac: queried once to build the CP negotiation body's
// identity line, before the TUN device the session will use even exists.
func LookupMAC(ifName string) (string, error) {
	iface, err := net.InterfaceByName(ifName)
	if err != nil {
		return "", fmt.Errorf("tun: mac lookup %s: %w", ifName, err)
	}
	return iface.HardwareAddr.String(), nil
}

// Close tears down the TUN device.
func (d *Device) Close() error {
	return d.Interface.Close()
}

// AllocServer walks (client range, server range) pairs exactly as
// srv_tun_alloc does: for the first pair where one range is a subset of the
// other and two free addresses remain, it assigns the local address from the
// start of the smaller range and the following free address as the peer,
// skipping any address already claimed by an existing session (checked via
// used). A subset pair with fewer than two free addresses is passed over.
func AllocServer(clientRanges, serverRanges iprange.Set, used func(netip.Addr) bool) (local, peer netip.Addr, err error) {
	for _, crange := range clientRanges {
		for _, srange := range serverRanges {
			small, ok := crange.Overlap(srange)
			if !ok {
				continue
			}
			var found []netip.Addr
			for i := uint64(0); i < small.Size() && len(found) < 2; i++ {
				ip := small.Addr(i)
				if !crange.Contains(ip) || !srange.Contains(ip) {
					continue
				}
				if used(ip) {
					continue
				}
				found = append(found, ip)
			}
			if len(found) == 2 {
				return found[0], found[1], nil
			}
		}
	}
	return netip.Addr{}, netip.Addr{}, fmt.Errorf("tun: no free address pair in any client/server range overlap")
}

// SavedRoute is a snapshot of a default route, captured before a client
// overrides it so it can be restored on shutdown.
type SavedRoute struct {
	route *netlink.Route
}

// StoreDefaultGW captures the current IPv4 default route, equivalent to
// store_default_gw's read of /proc/net/route.
func StoreDefaultGW() (*SavedRoute, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("tun: list routes: %w", err)
	}
	for _, r := range routes {
		if r.Dst == nil { // a nil Dst is the default route
			rc := r
			return &SavedRoute{route: &rc}, nil
		}
	}
	return &SavedRoute{route: nil}, nil
}

// SetDefaultGW points the default route at peer, through dev, replacing the
// one StoreDefaultGW captured — the do_routing feature.
func SetDefaultGW(dev *Device, peer netip.Addr) error {
	route := &netlink.Route{
		LinkIndex: dev.link.Attrs().Index,
		Gw:        peer.AsSlice(),
	}
	if err := netlink.RouteReplace(route); err != nil {
		return fmt.Errorf("tun: set default gw via %s: %w", peer, err)
	}
	return nil
}

// RestoreDefaultGW reinstalls the route StoreDefaultGW captured.
func RestoreDefaultGW(saved *SavedRoute) error {
	if saved == nil || saved.route == nil {
		return nil
	}
	if err := netlink.RouteReplace(saved.route); err != nil {
		return fmt.Errorf("tun: restore default gw: %w", err)
	}
	return nil
}

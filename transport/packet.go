// Copyright 2019 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// PacketListener provides a way to create a local unbound packet connection to send packets to different destinations.
type PacketListener interface {
	// ListenPacket creates a PacketConn of the given network, "udp4" or "udp6".
	ListenPacket(ctx context.Context, network string) (net.PacketConn, error)
}

// UDPListener is a [PacketListener] that uses the standard [net.ListenConfig].ListenPacket to listen.
type UDPListener struct {
	net.ListenConfig
	// The local address to bind to, as specified in [net.ListenPacket]. Empty means any address and port.
	Address string
}

var _ PacketListener = (*UDPListener)(nil)

// ListenPacket implements [PacketListener].ListenPacket.
func (l *UDPListener) ListenPacket(ctx context.Context, network string) (net.PacketConn, error) {
	switch network {
	case "udp", "udp4", "udp6":
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}
	return l.ListenConfig.ListenPacket(ctx, network, l.Address)
}

// UDPNetworkFor returns "udp4" or "udp6" according to the family of the IP address host. Names resolve to "udp4".
func UDPNetworkFor(host string) string {
	addr, err := netip.ParseAddr(host)
	if err == nil && addr.Is6() && !addr.Is4In6() {
		return "udp6"
	}
	return "udp4"
}

// MakeNetAddr returns a [net.Addr] based on the network and address.
// This is a helper for code that needs to return or provide a [net.Addr].
// The address must be in "host:port" format with the host being an IP.
func MakeNetAddr(network, address string) (net.Addr, error) {
	addrPort, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, err
	}
	switch network {
	case "tcp", "tcp4", "tcp6":
		return net.TCPAddrFromAddrPort(addrPort), nil
	case "udp", "udp4", "udp6":
		return net.UDPAddrFromAddrPort(addrPort), nil
	default:
		return nil, fmt.Errorf("network %q not supported", network)
	}
}

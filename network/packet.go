// Copyright 2025 The Outline Authors
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

package network

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// IPHeader holds the fields of an IP header that a packet relay looks at.
type IPHeader struct {
	// Version is 4 or 6.
	Version  int
	Src, Dst netip.Addr
	// Protocol is the transport protocol, or the first next header for IPv6.
	Protocol layers.IPProtocol
}

// ParseIPHeader decodes the IPv4 or IPv6 header at the start of pkt.
func ParseIPHeader(pkt []byte) (IPHeader, error) {
	if len(pkt) == 0 {
		return IPHeader{}, fmt.Errorf("%w: empty packet", ErrMalformedPacket)
	}
	switch pkt[0] >> 4 {
	case 4:
		var ip layers.IPv4
		if err := ip.DecodeFromBytes(pkt, gopacket.NilDecodeFeedback); err != nil {
			return IPHeader{}, fmt.Errorf("%w: %w", ErrMalformedPacket, err)
		}
		src, _ := netip.AddrFromSlice(ip.SrcIP.To4())
		dst, _ := netip.AddrFromSlice(ip.DstIP.To4())
		return IPHeader{Version: 4, Src: src, Dst: dst, Protocol: ip.Protocol}, nil
	case 6:
		var ip layers.IPv6
		if err := ip.DecodeFromBytes(pkt, gopacket.NilDecodeFeedback); err != nil {
			return IPHeader{}, fmt.Errorf("%w: %w", ErrMalformedPacket, err)
		}
		src, _ := netip.AddrFromSlice(ip.SrcIP)
		dst, _ := netip.AddrFromSlice(ip.DstIP)
		return IPHeader{Version: 6, Src: src, Dst: dst, Protocol: ip.NextHeader}, nil
	default:
		return IPHeader{}, fmt.Errorf("%w: unknown IP version %d", ErrMalformedPacket, pkt[0]>>4)
	}
}

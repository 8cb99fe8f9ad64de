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

package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/Jigsaw-Code/simpletunnel/transport"
)

// DefaultExchangeTimeout bounds each attempt of [Forwarder.Exchange] when the context has no earlier deadline.
const DefaultExchangeTimeout = 5 * time.Second

// Forwarder sends raw DNS queries to a list of resolvers.
//
// Forwarder is safe for concurrent use by multiple goroutines.
type Forwarder struct {
	servers []string
	pl      transport.PacketListener
	sd      transport.StreamDialer
	timeout time.Duration
}

// NewForwarder creates a forwarder for the given resolvers. A resolver without a port uses port 53. The packet
// listener carries the UDP exchanges and the stream dialer the TCP retries of truncated answers.
func NewForwarder(servers []string, pl transport.PacketListener, sd transport.StreamDialer) (*Forwarder, error) {
	if len(servers) == 0 {
		return nil, errors.New("at least one DNS server is required")
	}
	if pl == nil || sd == nil {
		return nil, errors.New("packet listener and stream dialer must not be nil")
	}
	addrs := make([]string, 0, len(servers))
	for _, s := range servers {
		addr, err := normalizeServer(s)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return &Forwarder{servers: addrs, pl: pl, sd: sd, timeout: DefaultExchangeTimeout}, nil
}

func normalizeServer(s string) (string, error) {
	if _, _, err := net.SplitHostPort(s); err == nil {
		if _, err := transport.MakeNetAddr("udp", s); err != nil {
			return "", fmt.Errorf("invalid DNS server address %q: %w", s, err)
		}
		return s, nil
	}
	addr := net.JoinHostPort(s, "53")
	if _, err := transport.MakeNetAddr("udp", addr); err != nil {
		return "", fmt.Errorf("invalid DNS server address %q: %w", s, err)
	}
	return addr, nil
}

// Servers returns the resolver addresses, in "host:port" form.
func (f *Forwarder) Servers() []string {
	return append([]string(nil), f.servers...)
}

// Exchange sends the wire format query to each resolver in turn and returns the first valid answer, along with the
// address of the resolver that sent it.
func (f *Forwarder) Exchange(ctx context.Context, rawQuery []byte) ([]byte, string, error) {
	q, err := parseQuery(rawQuery)
	if err != nil {
		return nil, "", err
	}
	var errs []error
	for _, server := range f.servers {
		resp, err := f.exchangeWith(ctx, server, q)
		if err == nil {
			return resp, server, nil
		}
		errs = append(errs, fmt.Errorf("%v: %w", server, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, "", errors.Join(errs...)
}

func (f *Forwarder) exchangeWith(ctx context.Context, server string, q *query) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	resp, truncated, err := f.exchangeUDP(ctx, server, q)
	if err != nil {
		return nil, err
	}
	if !truncated {
		return resp, nil
	}
	return f.exchangeTCP(ctx, server, q)
}

func (f *Forwarder) exchangeUDP(ctx context.Context, server string, q *query) ([]byte, bool, error) {
	serverAddr, err := transport.MakeNetAddr("udp", server)
	if err != nil {
		return nil, false, err
	}
	host, _, _ := net.SplitHostPort(server)
	conn, err := f.pl.ListenPacket(ctx, transport.UDPNetworkFor(host))
	if err != nil {
		return nil, false, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	resp, hdr, err := dnsPacketRoundtrip(conn, serverAddr, q)
	if err != nil {
		return nil, false, err
	}
	return resp, hdr.Truncated, nil
}

func (f *Forwarder) exchangeTCP(ctx context.Context, server string, q *query) ([]byte, error) {
	conn, err := f.sd.DialStream(ctx, server)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	return dnsStreamRoundtrip(conn, q)
}

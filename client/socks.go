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

package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/Jigsaw-Code/simpletunnel/transport"
	"github.com/things-go/go-socks5"
)

var _ transport.StreamDialer = (*ClientTunnel)(nil)

// slogAdaptor makes a [slog.Logger] usable as a SOCKS5 server logger.
type slogAdaptor struct {
	logger *slog.Logger
}

func (a slogAdaptor) Errorf(format string, args ...any) {
	a.logger.Debug("SOCKS5 server error", "err", fmt.Sprintf(format, args...))
}

// DialStream opens a TCP flow to addr, a "host:port" string. It makes the tunnel usable as a
// [transport.StreamDialer].
func (ct *ClientTunnel) DialStream(ctx context.Context, addr string) (transport.StreamConn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	conn, err := ct.DialTCP(ctx, host, port)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// SOCKSServer returns a SOCKS5 server whose CONNECT requests are carried by TCP flows through the tunnel. Other
// commands are refused.
func (ct *ClientTunnel) SOCKSServer() *socks5.Server {
	return socks5.NewServer(
		socks5.WithLogger(slogAdaptor{logger: ct.logger.With("component", "socks5")}),
		socks5.WithRule(&socks5.PermitCommand{EnableConnect: true}),
		socks5.WithDial(func(ctx context.Context, network, addr string) (net.Conn, error) {
			if network != "tcp" && network != "tcp4" && network != "tcp6" {
				return nil, fmt.Errorf("network %q not supported", network)
			}
			conn, err := ct.DialStream(ctx, addr)
			if err != nil {
				return nil, err
			}
			return socksConn{conn}, nil
		}),
	)
}

// socksConn reports an unspecified TCP bind address, since SOCKS5 replies can only carry IP addresses.
type socksConn struct {
	transport.StreamConn
}

func (c socksConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4zero}
}

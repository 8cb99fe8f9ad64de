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
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/Jigsaw-Code/simpletunnel/internal/deadline"
	"github.com/Jigsaw-Code/simpletunnel/tunnel"
)

// udpQueueSize is how many datagrams wait for ReadFrom before new ones are dropped.
const udpQueueSize = 64

type datagram struct {
	data []byte
	from *net.UDPAddr
}

// UDPConn is a UDP flow through the tunnel. It implements [net.PacketConn]. Destinations must be IP addresses.
type UDPConn struct {
	tunnel.ConnBase
	ct *ClientTunnel

	// Loop state.
	openDone  bool
	abandoned bool

	opened   chan tunnel.OpenResult
	incoming chan datagram
	closed   chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	readDeadline  *deadline.Timer
	writeDeadline *deadline.Timer
}

var (
	_ tunnel.Connection = (*UDPConn)(nil)
	_ net.PacketConn    = (*UDPConn)(nil)
)

// ListenUDP opens a UDP flow through the server.
func (ct *ClientTunnel) ListenUDP(ctx context.Context) (*UDPConn, error) {
	if err := ct.waitConnected(ctx); err != nil {
		return nil, err
	}
	c := &UDPConn{
		ct:            ct,
		opened:        make(chan tunnel.OpenResult, 1),
		incoming:      make(chan datagram, udpQueueSize),
		closed:        make(chan struct{}),
		readDeadline:  deadline.New(),
		writeDeadline: deadline.New(),
	}
	err := ct.do(func(t *tunnel.Tunnel) error {
		c.ConnBase = tunnel.NewConnBase(ct.newIdentifier())
		t.AddConnection(c)
		err := t.SendMessage(tunnel.NewMessage(c.ID(), tunnel.CommandOpen, tunnel.Message{
			tunnel.KeyTunnelType:   int(tunnel.LayerApp),
			tunnel.KeyAppProxyFlow: int(tunnel.FlowUDP),
		}))
		if err != nil {
			c.CloseConnection(tunnel.CloseAll)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	var result tunnel.OpenResult
	select {
	case result = <-c.opened:
	case <-c.closed:
		select {
		case result = <-c.opened:
		default:
			return nil, ct.closedErr()
		}
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
	if result != tunnel.OpenSuccess {
		return nil, &OpenError{Result: result}
	}
	return c, nil
}

func (c *UDPConn) HandleOpenCompleted(result tunnel.OpenResult, msg tunnel.Message) {
	c.openDone = true
	c.opened <- result
	if result != tunnel.OpenSuccess || c.abandoned {
		c.ct.logger.Debug("Failed to open UDP connection", "id", c.ID(), "result", result)
		if t := c.Tunnel(); t != nil {
			t.SendClose(c.ID(), tunnel.CloseAll)
		}
		c.CloseConnection(tunnel.CloseAll)
	}
}

// SendDataWithEndpoint queues a datagram from the server for ReadFrom. It is dropped if the queue is full.
func (c *UDPConn) SendDataWithEndpoint(data []byte, host string, port int) {
	addr, err := netip.ParseAddr(host)
	if err != nil || port <= 0 || port > 65535 {
		c.ct.logger.Debug("Dropping datagram from an invalid endpoint", "id", c.ID(), "host", host, "port", port)
		return
	}
	d := datagram{data: data, from: net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr, uint16(port)))}
	select {
	case c.incoming <- d:
	default:
		c.ct.logger.Debug("Dropping datagram, queue full", "id", c.ID())
	}
}

func (c *UDPConn) CloseConnection(dir tunnel.CloseDirection) {
	c.ConnBase.CloseConnection(dir)
	if c.IsClosedCompletely() {
		c.fail(net.ErrClosed)
	}
}

func (c *UDPConn) Abort(err error) {
	c.ConnBase.Abort(err)
	if err != nil {
		c.fail(fmt.Errorf("%w: %w", ErrBadConnection, err))
	} else {
		c.fail(ErrBadConnection)
	}
	c.CloseConnection(tunnel.CloseAll)
}

// fail records the first error and wakes up blocked readers.
func (c *UDPConn) fail(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.closed)
	})
}

func (c *UDPConn) closedErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		return net.ErrClosed
	}
	return c.err
}

// ReadFrom implements [net.PacketConn].
func (c *UDPConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case d := <-c.incoming:
		return copy(p, d.data), d.from, nil
	default:
	}
	select {
	case d := <-c.incoming:
		return copy(p, d.data), d.from, nil
	case <-c.closed:
		return 0, nil, c.closedErr()
	case <-c.readDeadline.Done():
		return 0, nil, os.ErrDeadlineExceeded
	}
}

// WriteTo implements [net.PacketConn]. addr must hold an IP address.
func (c *UDPConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, c.closedErr()
	case <-c.writeDeadline.Done():
		return 0, os.ErrDeadlineExceeded
	default:
	}
	host, port, err := splitAddr(addr)
	if err != nil {
		return 0, err
	}
	err = c.ct.do(func(t *tunnel.Tunnel) error {
		if c.IsClosedForRead() {
			return net.ErrClosed
		}
		return t.SendMessage(tunnel.NewMessage(c.ID(), tunnel.CommandData, tunnel.Message{
			tunnel.KeyData: p,
			tunnel.KeyHost: host,
			tunnel.KeyPort: port,
		}))
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func splitAddr(addr net.Addr) (string, int, error) {
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		ap := udpAddr.AddrPort()
		return ap.Addr().Unmap().String(), int(ap.Port()), nil
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	if _, err := netip.ParseAddr(host); err != nil {
		return "", 0, errors.New("UDP destinations must be IP addresses")
	}
	return host, port, nil
}

// Close closes the flow.
func (c *UDPConn) Close() error {
	c.fail(net.ErrClosed)
	c.ct.loop.Post(func() {
		if c.IsClosedCompletely() {
			return
		}
		if !c.openDone {
			// Stay registered until the OpenResult arrives.
			c.abandoned = true
			return
		}
		if t := c.Tunnel(); t != nil {
			t.SendClose(c.ID(), tunnel.CloseAll)
		}
		c.CloseConnection(tunnel.CloseAll)
	})
	return nil
}

// LocalAddr returns the flow identifier.
func (c *UDPConn) LocalAddr() net.Addr {
	return tunnelAddr{address: strconv.Itoa(c.ID())}
}

func (c *UDPConn) SetDeadline(t time.Time) error {
	c.readDeadline.Set(t)
	c.writeDeadline.Set(t)
	return nil
}

func (c *UDPConn) SetReadDeadline(t time.Time) error {
	c.readDeadline.Set(t)
	return nil
}

func (c *UDPConn) SetWriteDeadline(t time.Time) error {
	c.writeDeadline.Set(t)
	return nil
}

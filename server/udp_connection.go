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

package server

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/Jigsaw-Code/simpletunnel/internal/deadline"
	"github.com/Jigsaw-Code/simpletunnel/internal/eventloop"
	"github.com/Jigsaw-Code/simpletunnel/tunnel"
)

const udpReadBufferSize = 4096

// UDPConnection bridges an app layer UDP flow to a UDP socket.
//
// The socket is created with the first datagram, in the address family of its destination. Datagrams to the other
// family are dropped.
type UDPConnection struct {
	tunnel.ConnBase
	st *ServerTunnel

	pc   net.PacketConn
	is6  bool
	gate *eventloop.Gate
	idle *deadline.Timer
	stop chan struct{}
}

var _ tunnel.Connection = (*UDPConnection)(nil)

func newUDPConnection(id int, st *ServerTunnel) *UDPConnection {
	return &UDPConnection{ConnBase: tunnel.NewConnBase(id), st: st, gate: eventloop.NewGate()}
}

func (c *UDPConnection) createSocket(host string) error {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("destination %q is not an IP address", host)
	}
	network := "udp4"
	if addr.Is6() && !addr.Is4In6() {
		network = "udp6"
	}
	pc, err := c.st.srv.listener.ListenPacket(c.st.ctx, network)
	if err != nil {
		return err
	}
	c.pc = pc
	c.is6 = network == "udp6"
	c.idle = deadline.New()
	c.idle.Reset(c.st.srv.config.Settings.UDPIdleTimeout)
	c.stop = make(chan struct{})
	go c.readLoop(pc)
	go c.watchIdle(c.idle, c.stop)
	return nil
}

// destination converts host and port to an address of the socket family.
func (c *UDPConnection) destination(host string, port int) (*net.UDPAddr, error) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil, err
	}
	if c.is6 {
		if !addr.Is6() || addr.Is4In6() {
			return nil, fmt.Errorf("%v is not an IPv6 address", host)
		}
	} else {
		addr = addr.Unmap()
		if !addr.Is4() {
			return nil, fmt.Errorf("%v is not an IPv4 address", host)
		}
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %v", port)
	}
	return net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr, uint16(port))), nil
}

// SendDataWithEndpoint sends a datagram from the client to host:port.
func (c *UDPConnection) SendDataWithEndpoint(data []byte, host string, port int) {
	if c.IsClosedForWrite() {
		return
	}
	if c.pc == nil {
		if err := c.createSocket(host); err != nil {
			c.st.logger.Warn("UDP connection initialization failed", "id", c.ID(), "err", err)
			return
		}
	}
	dst, err := c.destination(host, port)
	if err != nil {
		c.st.logger.Debug("Dropping datagram", "id", c.ID(), "err", err)
		return
	}
	if _, err := c.pc.WriteTo(data, dst); err != nil {
		c.st.logger.Debug("UDP connection failed to send data", "id", c.ID(), "host", host, "port", port, "err", err)
		c.fail()
		return
	}
	c.idle.Reset(c.st.srv.config.Settings.UDPIdleTimeout)
}

func (c *UDPConnection) readLoop(pc net.PacketConn) {
	buf := make([]byte, udpReadBufferSize)
	for {
		if err := c.gate.Wait(nil); err != nil {
			return
		}
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			c.st.loop.Post(func() {
				if c.pc != pc || c.IsClosedForRead() {
					return
				}
				c.st.logger.Debug("UDP connection read failed", "id", c.ID(), "err", err)
				c.fail()
			})
			return
		}
		endpoint, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		ap := endpoint.AddrPort()
		ok = c.st.loop.Do(func() {
			t := c.Tunnel()
			if t == nil || c.IsClosedForRead() {
				return
			}
			t.SendDataWithEndpoint(c.ID(), buf[:n], ap.Addr().Unmap().String(), int(ap.Port()))
			c.idle.Reset(c.st.srv.config.Settings.UDPIdleTimeout)
		})
		if !ok {
			return
		}
	}
}

func (c *UDPConnection) watchIdle(idle *deadline.Timer, stop <-chan struct{}) {
	for {
		select {
		case <-idle.Done():
		case <-stop:
			return
		}
		expired := false
		ok := c.st.loop.Do(func() {
			if c.IsClosedCompletely() || time.Now().Before(idle.Deadline()) {
				return
			}
			expired = true
			c.st.logger.Debug("UDP connection idle, closing", "id", c.ID())
			c.fail()
		})
		if !ok || expired {
			return
		}
	}
}

// fail tells the client the flow is gone and closes it.
func (c *UDPConnection) fail() {
	if t := c.Tunnel(); t != nil {
		t.SendClose(c.ID(), tunnel.CloseAll)
	}
	c.CloseConnection(tunnel.CloseAll)
}

func (c *UDPConnection) Suspend() {
	c.gate.Close()
}

func (c *UDPConnection) Resume() {
	c.gate.Open()
}

// CloseConnection closes the socket once both directions are closed.
func (c *UDPConnection) CloseConnection(dir tunnel.CloseDirection) {
	c.ConnBase.CloseConnection(dir)
	if c.pc == nil || !c.IsClosedForRead() || !c.IsClosedForWrite() {
		return
	}
	c.st.logger.Debug("Closing UDP socket", "id", c.ID())
	c.gate.Stop()
	c.idle.Stop()
	close(c.stop)
	c.pc.Close()
	c.pc = nil
}

func (c *UDPConnection) Abort(err error) {
	c.ConnBase.Abort(err)
	c.CloseConnection(tunnel.CloseAll)
}

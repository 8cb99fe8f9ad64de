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
	"github.com/Jigsaw-Code/simpletunnel/internal/packetpump"
	"github.com/Jigsaw-Code/simpletunnel/network"
	"github.com/Jigsaw-Code/simpletunnel/tunnel"
)

// IPConnectionDelegate receives the events of an [IPConnection]. Methods are called from the tunnel event loop and
// must not block.
type IPConnectionDelegate interface {
	// TunnelConnectionDidOpen receives the configuration for the local interface, including its address.
	TunnelConnectionDidOpen(c *IPConnection, configuration map[string]any)
	// TunnelConnectionDidClose is called once, when the flow is gone.
	TunnelConnectionDidClose(c *IPConnection, err error)
}

// IPConnection relays IP packets between a local device and the server.
type IPConnection struct {
	tunnel.ConnBase
	ct       *ClientTunnel
	delegate IPConnectionDelegate

	// Loop state.
	pump      *packetpump.Pump
	dev       network.IPDevice
	suspended bool
	closeErr  error
	notified  bool
}

var _ tunnel.Connection = (*IPConnection)(nil)

// OpenIPConnection asks the server for an IP flow. It does not wait: the outcome is reported to delegate. It can be
// called from [Delegate.TunnelDidOpen], or before the tunnel connects, in which case the request is sent once it does.
func (ct *ClientTunnel) OpenIPConnection(delegate IPConnectionDelegate) *IPConnection {
	c := &IPConnection{ct: ct, delegate: delegate}
	select {
	case <-ct.connected:
		c.postOpen()
	default:
		go func() {
			select {
			case <-ct.connected:
				c.postOpen()
			case <-ct.done:
				delegate.TunnelConnectionDidClose(c, ct.closedErr())
			}
		}()
	}
	return c
}

func (c *IPConnection) postOpen() {
	ct := c.ct
	posted := ct.loop.Post(func() {
		if c.notified {
			return
		}
		if ct.t == nil || ct.t.IsClosed() {
			c.notifyClosed(ct.closedErr())
			return
		}
		c.ConnBase = tunnel.NewConnBase(ct.newIdentifier())
		ct.t.AddConnection(c)
		err := ct.t.SendMessage(tunnel.NewMessage(c.ID(), tunnel.CommandOpen, tunnel.Message{
			tunnel.KeyTunnelType: int(tunnel.LayerIP),
		}))
		if err != nil {
			c.closeErr = err
			c.CloseConnection(tunnel.CloseAll)
		}
	})
	if !posted {
		go c.delegate.TunnelConnectionDidClose(c, ct.closedErr())
	}
}

func (c *IPConnection) HandleOpenCompleted(result tunnel.OpenResult, msg tunnel.Message) {
	if result != tunnel.OpenSuccess {
		c.ct.logger.Warn("Failed to open IP connection", "id", c.ID(), "result", result)
		c.closeErr = ErrBadConnection
		c.CloseConnection(tunnel.CloseAll)
		return
	}
	configuration, ok := msg.Dict(tunnel.KeyConfiguration)
	if !ok {
		configuration = map[string]any{}
	}
	c.delegate.TunnelConnectionDidOpen(c, configuration)
}

// StartHandlingPackets starts relaying packets read from dev to the server, and packets from the server to dev.
// Closing dev is up to the caller.
func (c *IPConnection) StartHandlingPackets(dev network.IPDevice) {
	c.ct.loop.Post(func() {
		if c.IsClosedCompletely() || c.pump != nil {
			return
		}
		c.dev = dev
		c.pump = packetpump.Start(dev,
			func() { c.ct.loop.Post(c.readPackets) },
			func(err error) { c.ct.loop.Post(func() { c.handleReadError(err) }) },
			c.ct.logger.With("id", c.ID()))
	})
}

func (c *IPConnection) readPackets() {
	t := c.Tunnel()
	if t == nil || c.pump == nil || c.suspended {
		return
	}
	c.pump.Drain(func(packets [][]byte, protocols []int) {
		err := t.SendMessage(tunnel.NewMessage(c.ID(), tunnel.CommandPackets, tunnel.Message{
			tunnel.KeyPackets:   packets,
			tunnel.KeyProtocols: protocols,
		}))
		if err != nil && !c.IsClosedCompletely() {
			c.closeErr = err
			c.CloseConnection(tunnel.CloseAll)
		}
	}, func() bool { return c.suspended || c.IsClosedCompletely() })
}

func (c *IPConnection) handleReadError(err error) {
	if c.IsClosedCompletely() {
		return
	}
	c.ct.logger.Warn("Got an error reading the local device", "id", c.ID(), "err", err)
	if t := c.Tunnel(); t != nil {
		t.SendClose(c.ID(), tunnel.CloseAll)
	}
	c.closeErr = err
	c.CloseConnection(tunnel.CloseAll)
}

// SendPackets writes packets from the server to the local device.
func (c *IPConnection) SendPackets(packets [][]byte, protocols []int) {
	if c.dev == nil {
		return
	}
	for _, pkt := range packets {
		if _, err := c.dev.Write(pkt); err != nil {
			c.ct.logger.Debug("Failed to write packet to the local device", "id", c.ID(), "err", err)
		}
	}
}

func (c *IPConnection) Suspend() {
	c.suspended = true
}

func (c *IPConnection) Resume() {
	c.suspended = false
	c.readPackets()
}

func (c *IPConnection) CloseConnection(dir tunnel.CloseDirection) {
	c.ConnBase.CloseConnection(dir)
	if !c.IsClosedCompletely() {
		return
	}
	if c.pump != nil {
		c.pump.Stop()
		c.pump = nil
	}
	c.dev = nil
	c.notifyClosed(c.closeErr)
}

func (c *IPConnection) Abort(err error) {
	c.ConnBase.Abort(err)
	if c.closeErr == nil {
		c.closeErr = err
	}
	if c.closeErr == nil {
		c.closeErr = ErrBadConnection
	}
	c.CloseConnection(tunnel.CloseAll)
}

func (c *IPConnection) notifyClosed(err error) {
	if c.notified {
		return
	}
	c.notified = true
	c.delegate.TunnelConnectionDidClose(c, err)
}

// Close closes the flow and releases its address on the server.
func (c *IPConnection) Close() error {
	c.ct.loop.Post(func() {
		if c.IsClosedCompletely() {
			return
		}
		if t := c.Tunnel(); t != nil {
			t.SendClose(c.ID(), tunnel.CloseAll)
		}
		c.CloseConnection(tunnel.CloseAll)
	})
	return nil
}

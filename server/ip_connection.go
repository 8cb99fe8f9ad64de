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
	"github.com/Jigsaw-Code/simpletunnel/internal/packetpump"
	"github.com/Jigsaw-Code/simpletunnel/network"
	"github.com/Jigsaw-Code/simpletunnel/tunnel"
)

// IPConnection bridges an IP layer flow to a virtual interface. The interface gets an address from the server pool,
// which is also the address the client uses inside the tunnel.
type IPConnection struct {
	tunnel.ConnBase
	st *ServerTunnel

	address   string
	dev       network.IPDevice
	pump      *packetpump.Pump
	suspended bool
}

var _ tunnel.Connection = (*IPConnection)(nil)

func newIPConnection(id int, st *ServerTunnel) *IPConnection {
	return &IPConnection{ConnBase: tunnel.NewConnBase(id), st: st}
}

// open sets up the interface and answers the Open request. It returns false if the flow could not be opened, in
// which case the caller closes it.
func (c *IPConnection) open() bool {
	t := c.Tunnel()
	pool := c.st.srv.config.Pool
	address, ok := pool.Allocate()
	if !ok {
		c.st.logger.Warn("Failed to allocate a tunnel address", "id", c.ID())
		t.SendOpenResult(c.ID(), tunnel.OpenRefused, nil)
		return false
	}
	c.address = address

	configuration, err := c.st.srv.config.Personalize(address)
	if err != nil {
		c.st.logger.Error("Failed to personalize the configuration", "id", c.ID(), "err", err)
		t.SendOpenResult(c.ID(), tunnel.OpenInternalError, nil)
		return false
	}
	dev, err := c.st.srv.interfaces.Open(address)
	if err != nil {
		c.st.logger.Error("Failed to set up the virtual interface", "id", c.ID(), "err", err)
		t.SendOpenResult(c.ID(), tunnel.OpenInternalError, nil)
		return false
	}
	c.dev = dev

	t.SendOpenResult(c.ID(), tunnel.OpenSuccess, tunnel.Message{tunnel.KeyConfiguration: configuration})
	c.pump = packetpump.Start(dev,
		func() { c.st.loop.Post(c.readPackets) },
		func(err error) { c.st.loop.Post(func() { c.handleReadError(err) }) },
		c.st.logger.With("id", c.ID()))
	return true
}

func (c *IPConnection) readPackets() {
	t := c.Tunnel()
	if t == nil || c.pump == nil || c.suspended {
		return
	}
	c.pump.Drain(func(packets [][]byte, protocols []int) {
		t.SendPackets(c.ID(), packets, protocols)
	}, func() bool { return c.suspended })
}

func (c *IPConnection) handleReadError(err error) {
	if c.IsClosedCompletely() {
		return
	}
	c.st.logger.Warn("Got an error on the virtual interface", "id", c.ID(), "err", err)
	if t := c.Tunnel(); t != nil {
		t.SendClose(c.ID(), tunnel.CloseAll)
	}
	c.CloseConnection(tunnel.CloseAll)
}

// SendPackets writes packets from the client to the interface.
func (c *IPConnection) SendPackets(packets [][]byte, protocols []int) {
	if c.dev == nil {
		return
	}
	for _, pkt := range packets {
		n, err := c.dev.Write(pkt)
		if err != nil {
			c.st.logger.Debug("Got an error while writing to the virtual interface", "id", c.ID(), "err", err)
		} else if n < len(pkt) {
			c.st.logger.Debug("Short write to the virtual interface", "id", c.ID(), "written", n, "size", len(pkt))
		}
	}
}

// Suspend stops reading packets from the interface.
func (c *IPConnection) Suspend() {
	c.suspended = true
}

// Resume resumes reading packets from the interface.
func (c *IPConnection) Resume() {
	c.suspended = false
	c.readPackets()
}

// CloseConnection stops the interface and releases the address once the flow is closed completely.
func (c *IPConnection) CloseConnection(dir tunnel.CloseDirection) {
	c.ConnBase.CloseConnection(dir)
	if !c.IsClosedCompletely() {
		return
	}
	if c.pump != nil {
		c.pump.Stop()
		c.pump = nil
	}
	if c.dev != nil {
		c.dev.Close()
		c.dev = nil
	}
	if c.address != "" {
		c.st.srv.config.Pool.Deallocate(c.address)
		c.address = ""
	}
}

func (c *IPConnection) Abort(err error) {
	c.ConnBase.Abort(err)
	c.CloseConnection(tunnel.CloseAll)
}

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

package tunnel

// Connection is one logical flow inside a [Tunnel].
//
// Implementations embed [ConnBase], which supplies the identifier, the close state machine and no-op defaults for
// every event. A type only overrides the events it cares about. Overrides of CloseConnection and Abort must call the
// embedded ConnBase method first.
type Connection interface {
	// ID returns the identifier of the connection, unique within its tunnel.
	ID() int

	// SendData delivers data received from the peer to the local endpoint.
	SendData(data []byte)
	// SendDataWithEndpoint delivers a datagram received from the peer, along with its remote endpoint.
	SendDataWithEndpoint(data []byte, host string, port int)
	// SendPackets delivers IP packets received from the peer. protocols has one entry per packet.
	SendPackets(packets [][]byte, protocols []int)

	// Suspend stops reading from the local endpoint.
	Suspend()
	// Resume undoes Suspend.
	Resume()

	// CloseConnection closes one or both directions of the connection.
	CloseConnection(dir CloseDirection)
	// Abort drops any queued data and closes the connection completely.
	Abort(err error)

	// HandleOpenCompleted is called with the result of an Open request made by this connection.
	HandleOpenCompleted(result OpenResult, msg Message)

	base() *ConnBase
}

// ConnBase holds the state common to all connections. Embed it by value and initialize it with [NewConnBase] or
// [NewExclusiveConnBase].
type ConnBase struct {
	id        int
	tunnel    *Tunnel
	direction CloseDirection
	exclusive bool

	// Saved holds data for the local endpoint that could not be written yet.
	Saved SavedData
}

var _ Connection = (*ConnBase)(nil)

// NewConnBase returns the base of a connection owned by a tunnel. Register the connection with
// [Tunnel.AddConnection].
func NewConnBase(id int) ConnBase {
	return ConnBase{id: id, direction: CloseNone}
}

// NewExclusiveConnBase returns the base of a connection that is the sole purpose of its tunnel: closing the
// connection completely closes the tunnel.
func NewExclusiveConnBase(id int) ConnBase {
	return ConnBase{id: id, direction: CloseNone, exclusive: true}
}

func (c *ConnBase) base() *ConnBase { return c }

func (c *ConnBase) ID() int { return c.id }

// Tunnel returns the tunnel the connection belongs to, or nil once the connection has left it.
func (c *ConnBase) Tunnel() *Tunnel { return c.tunnel }

// IsExclusiveTunnel reports whether closing the connection closes its tunnel.
func (c *ConnBase) IsExclusiveTunnel() bool { return c.exclusive }

// CloseDirection returns the current close state.
func (c *ConnBase) CloseDirection() CloseDirection { return c.direction }

func (c *ConnBase) IsClosedForRead() bool {
	return c.direction != CloseNone && c.direction != CloseWrite
}

func (c *ConnBase) IsClosedForWrite() bool {
	return c.direction != CloseNone && c.direction != CloseRead
}

func (c *ConnBase) IsClosedCompletely() bool {
	return c.direction == CloseAll
}

// CloseConnection advances the close state. Closing a second, different direction closes everything. Once closed
// completely the connection leaves its tunnel, or closes it if the tunnel is exclusive.
func (c *ConnBase) CloseConnection(dir CloseDirection) {
	switch {
	case c.direction == CloseAll || dir == CloseNone:
		// The state never moves back toward CloseNone.
	case c.direction != CloseNone && dir != c.direction:
		c.direction = CloseAll
	default:
		c.direction = dir
	}
	if c.direction != CloseAll || c.tunnel == nil {
		return
	}
	t := c.tunnel
	if c.exclusive {
		t.Close()
		return
	}
	t.DropConnection(c.id)
	c.tunnel = nil
}

func (c *ConnBase) Abort(err error) {
	c.Saved.Clear()
}

func (c *ConnBase) SendData(data []byte)                                   {}
func (c *ConnBase) SendDataWithEndpoint(data []byte, host string, port int) {}
func (c *ConnBase) SendPackets(packets [][]byte, protocols []int)           {}
func (c *ConnBase) Suspend()                                                {}
func (c *ConnBase) Resume()                                                 {}
func (c *ConnBase) HandleOpenCompleted(result OpenResult, msg Message)     {}

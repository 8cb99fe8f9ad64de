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
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/Jigsaw-Code/simpletunnel/internal/eventloop"
	"github.com/Jigsaw-Code/simpletunnel/transport"
	"github.com/Jigsaw-Code/simpletunnel/tunnel"
)

// ServerTunnel is the server end of one tunnel connection.
//
// The tunnel state, and the state of its connections, is only touched from the tunnel event loop. A reader goroutine
// feeds the bytes received from the client to the loop, and writes go through a [transport.NonBlockingWriter] whose
// writable notification drives [tunnel.Tunnel.HandleWritable].
type ServerTunnel struct {
	srv    *Server
	conn   net.Conn
	loop   *eventloop.Loop
	writer *transport.NonBlockingWriter
	t      *tunnel.Tunnel
	logger *slog.Logger

	// ctx is canceled when the tunnel closes. It bounds the outbound work done for the flows.
	ctx    context.Context
	cancel context.CancelFunc
}

var (
	_ tunnel.Handler  = (*ServerTunnel)(nil)
	_ tunnel.Delegate = (*ServerTunnel)(nil)
)

func newServerTunnel(srv *Server, conn net.Conn) (*ServerTunnel, error) {
	st := &ServerTunnel{
		srv:    srv,
		conn:   conn,
		loop:   eventloop.New(),
		logger: srv.logger.With("remote", conn.RemoteAddr().String()),
	}
	writer, err := transport.NewNonBlockingWriter(conn,
		transport.WithWritableFunc(func() { st.loop.Post(st.handleWritable) }),
		transport.WithErrorFunc(func(err error) {
			st.loop.Post(func() { st.t.CloseWithError(err) })
		}))
	if err != nil {
		return nil, err
	}
	st.writer = writer
	st.ctx, st.cancel = context.WithCancel(context.Background())
	st.t = tunnel.New(writer, st,
		tunnel.WithDelegate(st),
		tunnel.WithRegistry(srv.registry),
		tunnel.WithExecutor(st.loop),
		tunnel.WithLogger(st.logger))
	return st, nil
}

// Tunnel returns the protocol engine. It must only be used from the event loop.
func (st *ServerTunnel) Tunnel() *tunnel.Tunnel { return st.t }

// run processes the tunnel until it closes.
func (st *ServerTunnel) run() {
	go st.loop.Run()
	st.loop.Post(func() { st.TunnelDidOpen(st.t) })

	buf := make([]byte, tunnel.MaximumMessageSize)
	for {
		n, err := st.conn.Read(buf)
		if n > 0 {
			// HandleBytes copies what it keeps, so buf can be reused once Do returns.
			if !st.loop.Do(func() { st.t.HandleBytes(buf[:n]) }) {
				break
			}
		}
		if err != nil {
			st.loop.Post(func() {
				if errors.Is(err, io.EOF) {
					st.t.Close()
				} else {
					st.t.CloseWithError(err)
				}
			})
			break
		}
	}
	<-st.loop.Done()
}

func (st *ServerTunnel) handleWritable() {
	st.t.HandleWritable()
}

// TunnelDidOpen implements [tunnel.Delegate].
func (st *ServerTunnel) TunnelDidOpen(t *tunnel.Tunnel) {
	st.logger.Debug("Tunnel opened")
}

// TunnelDidClose implements [tunnel.Delegate]. It releases everything the tunnel owns.
func (st *ServerTunnel) TunnelDidClose(t *tunnel.Tunnel, err error) {
	if err != nil {
		st.logger.Info("Tunnel closed", "err", err)
	} else {
		st.logger.Info("Tunnel closed")
	}
	st.cancel()
	st.loop.Close()
}

// TunnelDidSendConfiguration implements [tunnel.Delegate]. Clients never send a configuration.
func (st *ServerTunnel) TunnelDidSendConfiguration(t *tunnel.Tunnel, configuration map[string]any) {}

// HandleMessage implements [tunnel.Handler].
func (st *ServerTunnel) HandleMessage(cmd tunnel.Command, msg tunnel.Message, conn tunnel.Connection) bool {
	switch cmd {
	case tunnel.CommandOpen:
		st.handleOpen(msg)
	case tunnel.CommandFetchConfiguration:
		st.t.SendMessage(tunnel.NewMessage(0, tunnel.CommandFetchConfiguration, tunnel.Message{
			tunnel.KeyConfiguration: st.srv.config.ClientConfiguration(),
		}))
	case tunnel.CommandDNS:
		return st.handleDNS(msg)
	default:
		id, _ := msg.Identifier()
		st.logger.Debug("Ignoring message", "command", cmd, "id", id)
	}
	return true
}

func (st *ServerTunnel) handleOpen(msg tunnel.Message) {
	id, ok := msg.Identifier()
	if !ok {
		st.logger.Debug("Ignoring Open without identifier")
		return
	}
	if _, exists := st.t.Connection(id); exists {
		st.logger.Warn("Connection identifier already in use", "id", id)
		st.t.SendOpenResult(id, tunnel.OpenInvalidParam, nil)
		return
	}
	layer, ok := msg.Int(tunnel.KeyTunnelType)
	if !ok {
		st.rejectOpen(id, "missing tunnel type")
		return
	}

	switch tunnel.Layer(layer) {
	case tunnel.LayerApp:
		flow, _ := msg.Int(tunnel.KeyAppProxyFlow)
		switch tunnel.FlowKind(flow) {
		case tunnel.FlowTCP:
			host, okHost := msg.Text(tunnel.KeyHost)
			port, okPort := msg.Int(tunnel.KeyPort)
			if !okHost || !okPort || host == "" || port <= 0 || port > 65535 {
				st.rejectOpen(id, "invalid TCP endpoint")
				return
			}
			c := newTCPConnection(id, st)
			st.t.AddConnection(c)
			c.open(host, port)
		case tunnel.FlowUDP:
			c := newUDPConnection(id, st)
			st.t.AddConnection(c)
			st.t.SendOpenResult(id, tunnel.OpenSuccess, nil)
		default:
			st.rejectOpen(id, "invalid flow type")
		}
	case tunnel.LayerIP:
		c := newIPConnection(id, st)
		st.t.AddConnection(c)
		if !c.open() {
			c.CloseConnection(tunnel.CloseAll)
		}
	default:
		st.rejectOpen(id, "invalid tunnel type")
	}
}

func (st *ServerTunnel) rejectOpen(id int, reason string) {
	st.logger.Debug("Rejecting Open", "id", id, "reason", reason)
	st.t.SendOpenResult(id, tunnel.OpenInvalidParam, nil)
}

// handleDNS forwards a query in the background and sends the answer back with the identifier of the request.
func (st *ServerTunnel) handleDNS(msg tunnel.Message) bool {
	query, ok := msg.Bytes(tunnel.KeyDNSPacket)
	if !ok {
		st.logger.Warn("DNS message without a packet")
		return false
	}
	id, _ := msg.Identifier()
	fwd := st.srv.forwarder
	if fwd == nil {
		st.logger.Debug("Dropping DNS query, no resolvers configured", "id", id)
		return true
	}
	go func() {
		resp, source, err := fwd.Exchange(st.ctx, query)
		if err != nil {
			st.logger.Debug("DNS query failed", "id", id, "err", err)
			return
		}
		st.loop.Post(func() {
			if st.t.IsClosed() {
				return
			}
			st.t.SendMessage(tunnel.NewMessage(id, tunnel.CommandDNS, tunnel.Message{
				tunnel.KeyDNSPacket:       resp,
				tunnel.KeyDNSPacketSource: source,
			}))
		})
	}()
	return true
}

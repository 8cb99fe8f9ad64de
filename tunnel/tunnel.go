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

import (
	"log/slog"
	"maps"
	"slices"
)

// Transport is the byte stream a [Tunnel] runs over.
//
// Write must not block: it takes as much of b as it can and returns the count. When a short write happened, the
// transport owner calls [Tunnel.HandleWritable] once more bytes can be taken.
type Transport interface {
	Writer
	Close() error
}

// Handler implements the role specific part of a tunnel. HandleMessage receives every message that is not consumed
// by the generic dispatch, together with the addressed connection if it exists. Returning false is a protocol error
// and closes the tunnel.
type Handler interface {
	HandleMessage(cmd Command, msg Message, conn Connection) bool
}

// Delegate receives tunnel level notifications.
type Delegate interface {
	TunnelDidOpen(t *Tunnel)
	// TunnelDidClose is called exactly once, with the error that closed the tunnel or nil.
	TunnelDidClose(t *Tunnel, err error)
	TunnelDidSendConfiguration(t *Tunnel, configuration map[string]any)
}

// Executor runs functions on the goroutine that owns a tunnel.
type Executor interface {
	// Post schedules fn. It returns false if fn will never run.
	Post(fn func()) bool
}

// Tunnel is the protocol engine bound to one transport. See the package documentation for the threading rules.
type Tunnel struct {
	transport Transport
	handler   Handler
	delegate  Delegate
	registry  *Registry
	exec      Executor
	logger    *slog.Logger

	conns  map[int]Connection
	saved  SavedData
	frames FrameReader
	closed bool
	err    error
}

// Option configures a [Tunnel].
type Option func(t *Tunnel)

// WithDelegate sets the receiver of tunnel notifications.
func WithDelegate(d Delegate) Option {
	return func(t *Tunnel) { t.delegate = d }
}

// WithRegistry adds the tunnel to r until it closes.
func WithRegistry(r *Registry) Option {
	return func(t *Tunnel) { t.registry = r }
}

// WithExecutor sets where asynchronous requests, such as [Registry.CloseAll], run.
func WithExecutor(e Executor) Option {
	return func(t *Tunnel) { t.exec = e }
}

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(t *Tunnel) { t.logger = l }
}

// New creates a tunnel writing to transport and dispatching role specific messages to handler. handler may be nil,
// in which case such messages are rejected.
func New(transport Transport, handler Handler, options ...Option) *Tunnel {
	t := &Tunnel{
		transport: transport,
		handler:   handler,
		conns:     make(map[int]Connection),
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}
	if t.registry != nil {
		t.registry.add(t)
	}
	return t
}

// Delegate returns the tunnel delegate, which may be nil.
func (t *Tunnel) Delegate() Delegate { return t.delegate }

// Logger returns the tunnel logger.
func (t *Tunnel) Logger() *slog.Logger { return t.logger }

// IsClosed reports whether the tunnel has been closed.
func (t *Tunnel) IsClosed() bool { return t.closed }

// Err returns the error the tunnel was closed with.
func (t *Tunnel) Err() error { return t.err }

// AddConnection registers c under its identifier and makes t its tunnel. It replaces any connection with the same
// identifier.
func (t *Tunnel) AddConnection(c Connection) {
	c.base().tunnel = t
	t.conns[c.ID()] = c
}

// DropConnection removes the connection with the given identifier.
func (t *Tunnel) DropConnection(id int) {
	delete(t.conns, id)
}

// Connection returns the connection with the given identifier.
func (t *Tunnel) Connection(id int) (Connection, bool) {
	c, ok := t.conns[id]
	return c, ok
}

// Len returns the number of registered connections.
func (t *Tunnel) Len() int {
	return len(t.conns)
}

// Close closes the tunnel. It is a no-op on a closed tunnel.
func (t *Tunnel) Close() {
	t.CloseWithError(nil)
}

// CloseWithError closes the tunnel, recording err as the reason. Every connection is detached and aborted, queued
// data is dropped and the transport is closed.
func (t *Tunnel) CloseWithError(err error) {
	if t.closed {
		return
	}
	t.closed = true
	t.err = err
	if err != nil {
		t.logger.Debug("closing tunnel", "err", err)
	}

	conns := t.conns
	t.conns = make(map[int]Connection)
	for _, c := range conns {
		c.base().tunnel = nil
		c.Abort(err)
	}
	t.saved.Clear()
	if t.transport != nil {
		if cerr := t.transport.Close(); cerr != nil {
			t.logger.Debug("failed to close tunnel transport", "err", cerr)
		}
	}
	if t.registry != nil {
		t.registry.remove(t)
	}
	if t.delegate != nil {
		t.delegate.TunnelDidClose(t, err)
	}
}

// post runs fn on the tunnel executor, or inline without one.
func (t *Tunnel) post(fn func()) {
	if t.exec == nil {
		fn()
		return
	}
	t.exec.Post(fn)
}

// SendMessage serializes msg and writes it to the transport. If the transport cannot take the whole frame, or
// earlier frames are still queued, the rest is queued and every connection is suspended until [Tunnel.HandleWritable]
// drains the queue. A transport error closes the tunnel.
func (t *Tunnel) SendMessage(msg Message) error {
	if t.closed {
		return ErrTunnelClosed
	}
	frame, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	written := 0
	if t.saved.IsEmpty() {
		written, err = t.transport.Write(frame)
		if err != nil {
			t.CloseWithError(err)
			return err
		}
	}
	if written < len(frame) {
		t.saved.Append(frame, written)
		t.eachConnection(Connection.Suspend)
	}
	return nil
}

// HandleWritable writes queued frames to the transport. Once the queue is empty every connection is resumed.
func (t *Tunnel) HandleWritable() {
	if t.closed || t.saved.IsEmpty() {
		return
	}
	if err := t.saved.Flush(t.transport); err != nil {
		t.CloseWithError(err)
		return
	}
	if t.saved.IsEmpty() {
		t.eachConnection(Connection.Resume)
	}
}

// Queued returns the number of bytes waiting for the transport.
func (t *Tunnel) Queued() int {
	return t.saved.Len()
}

// eachConnection calls fn on a snapshot of the connections, stopping if the tunnel closes on the way.
func (t *Tunnel) eachConnection(fn func(Connection)) {
	for _, c := range slices.Collect(maps.Values(t.conns)) {
		if t.closed {
			return
		}
		fn(c)
	}
}

func (t *Tunnel) send(msg Message) {
	if err := t.SendMessage(msg); err != nil {
		cmd, _ := msg.Command()
		id, _ := msg.Identifier()
		t.logger.Debug("failed to send message", "command", cmd, "id", id, "err", err)
	}
}

// SendData sends a Data message for connection id.
func (t *Tunnel) SendData(id int, data []byte) {
	t.send(NewMessage(id, CommandData, Message{KeyData: data}))
}

// SendDataWithEndpoint sends a Data message carrying the remote endpoint of a datagram.
func (t *Tunnel) SendDataWithEndpoint(id int, data []byte, host string, port int) {
	t.send(NewMessage(id, CommandData, Message{KeyData: data, KeyHost: host, KeyPort: port}))
}

// SendSuspend asks the peer to stop sending data for connection id.
func (t *Tunnel) SendSuspend(id int) {
	t.send(NewMessage(id, CommandSuspend, nil))
}

// SendResume undoes SendSuspend.
func (t *Tunnel) SendResume(id int) {
	t.send(NewMessage(id, CommandResume, nil))
}

// SendClose asks the peer to close direction dir of connection id.
func (t *Tunnel) SendClose(id int, dir CloseDirection) {
	t.send(NewMessage(id, CommandClose, Message{KeyCloseDirection: int(dir)}))
}

// SendPackets sends a batch of IP packets with their protocol numbers.
func (t *Tunnel) SendPackets(id int, packets [][]byte, protocols []int) {
	t.send(NewMessage(id, CommandPackets, Message{KeyPackets: packets, KeyProtocols: protocols}))
}

// SendOpenResult answers an Open request. extra may carry additional properties such as a configuration.
func (t *Tunnel) SendOpenResult(id int, result OpenResult, extra Message) {
	msg := NewMessage(id, CommandOpenResult, extra)
	msg[KeyResultCode] = int(result)
	t.send(msg)
}

// HandleBytes consumes bytes read from the transport, dispatching every complete frame. A framing or protocol error
// closes the tunnel and is returned.
func (t *Tunnel) HandleBytes(b []byte) error {
	if t.closed {
		return ErrTunnelClosed
	}
	err := t.frames.Feed(b, func(payload []byte) bool {
		if t.closed {
			return true
		}
		return t.HandlePacket(payload)
	})
	if err != nil {
		t.CloseWithError(err)
		return err
	}
	return nil
}

// HandlePacket decodes and dispatches one frame payload. It returns false if the payload is not a valid message or
// the role handler rejects it.
func (t *Tunnel) HandlePacket(payload []byte) bool {
	msg, err := DecodeMessage(payload)
	if err != nil {
		t.logger.Warn("failed to create the message properties from the packet", "err", err)
		return false
	}
	cmd, ok := msg.Command()
	if !ok {
		t.logger.Warn("message command type is missing or invalid", "command", msg[KeyCommand])
		return false
	}

	var conn Connection
	if id, ok := msg.Identifier(); ok && cmd != CommandOpen && cmd != CommandDNS {
		conn = t.conns[id]
	}
	if conn == nil {
		return t.handleMessage(cmd, msg, nil)
	}

	switch cmd {
	case CommandData:
		data, ok := msg.Bytes(KeyData)
		if !ok {
			break
		}
		host, hasHost := msg.Text(KeyHost)
		port, hasPort := msg.Int(KeyPort)
		if hasHost && hasPort {
			conn.SendDataWithEndpoint(data, host, port)
		} else {
			conn.SendData(data)
		}
	case CommandSuspend:
		conn.Suspend()
	case CommandResume:
		conn.Resume()
	case CommandClose:
		dir := CloseAll
		if v, ok := msg.Int(KeyCloseDirection); ok && CloseDirection(v).Valid() {
			dir = CloseDirection(v)
		}
		t.logger.Debug("closing connection", "id", conn.ID(), "direction", dir)
		conn.CloseConnection(dir)
	case CommandPackets:
		packets, okPackets := msg.ByteList(KeyPackets)
		protocols, okProtocols := msg.IntList(KeyProtocols)
		if !okPackets || !okProtocols || len(packets) != len(protocols) {
			t.logger.Debug("dropping malformed packet batch", "id", conn.ID())
			break
		}
		conn.SendPackets(packets, protocols)
	default:
		return t.handleMessage(cmd, msg, conn)
	}
	return true
}

func (t *Tunnel) handleMessage(cmd Command, msg Message, conn Connection) bool {
	if t.handler == nil {
		return false
	}
	return t.handler.HandleMessage(cmd, msg, conn)
}

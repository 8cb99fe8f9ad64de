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
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// stubTransport accepts up to capacity bytes, or everything when capacity is negative.
type stubTransport struct {
	out      bytes.Buffer
	capacity int
	err      error
	closed   int
}

func (s *stubTransport) Write(b []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	n := len(b)
	if s.capacity >= 0 {
		n = min(n, s.capacity)
		s.capacity -= n
	}
	s.out.Write(b[:n])
	return n, nil
}

func (s *stubTransport) Close() error {
	s.closed++
	return nil
}

// messages decodes everything written to the transport so far.
func (s *stubTransport) messages(t *testing.T) []Message {
	var r FrameReader
	var msgs []Message
	err := r.Feed(s.out.Bytes(), func(p []byte) bool {
		m, err := DecodeMessage(p)
		require.NoError(t, err)
		msgs = append(msgs, m)
		return true
	})
	require.NoError(t, err)
	return msgs
}

type recordingConn struct {
	ConnBase
	data      [][]byte
	endpoints []string
	packets   [][]byte
	protocols []int
	suspends  int
	resumes   int
	aborts    int
	results   []OpenResult
}

func newRecordingConn(id int) *recordingConn {
	return &recordingConn{ConnBase: NewConnBase(id)}
}

func (c *recordingConn) SendData(data []byte) { c.data = append(c.data, data) }
func (c *recordingConn) SendDataWithEndpoint(data []byte, host string, port int) {
	c.data = append(c.data, data)
	c.endpoints = append(c.endpoints, host)
}
func (c *recordingConn) SendPackets(packets [][]byte, protocols []int) {
	c.packets = append(c.packets, packets...)
	c.protocols = append(c.protocols, protocols...)
}
func (c *recordingConn) Suspend() { c.suspends++ }
func (c *recordingConn) Resume()  { c.resumes++ }
func (c *recordingConn) Abort(err error) {
	c.aborts++
	c.ConnBase.Abort(err)
	c.CloseConnection(CloseAll)
}
func (c *recordingConn) HandleOpenCompleted(result OpenResult, msg Message) {
	c.results = append(c.results, result)
}

type handlerFunc func(cmd Command, msg Message, conn Connection) bool

func (f handlerFunc) HandleMessage(cmd Command, msg Message, conn Connection) bool {
	return f(cmd, msg, conn)
}

type recordingDelegate struct {
	opened  int
	closed  int
	lastErr error
	configs []map[string]any
}

func (d *recordingDelegate) TunnelDidOpen(*Tunnel) { d.opened++ }
func (d *recordingDelegate) TunnelDidClose(_ *Tunnel, err error) {
	d.closed++
	d.lastErr = err
}
func (d *recordingDelegate) TunnelDidSendConfiguration(_ *Tunnel, cfg map[string]any) {
	d.configs = append(d.configs, cfg)
}

func encode(t *testing.T, msg Message) []byte {
	frame, err := EncodeMessage(msg)
	require.NoError(t, err)
	return frame
}

func TestSendMessage_Backpressure(t *testing.T) {
	transport := &stubTransport{capacity: 0}
	tun := New(transport, nil)
	conns := []*recordingConn{newRecordingConn(1), newRecordingConn(2), newRecordingConn(3)}
	for _, c := range conns {
		tun.AddConnection(c)
	}

	require.NoError(t, tun.SendMessage(NewMessage(1, CommandData, Message{KeyData: []byte("payload")})))
	require.Positive(t, tun.Queued())
	for _, c := range conns {
		require.Equal(t, 1, c.suspends)
		require.Zero(t, c.resumes)
	}

	// Still blocked: a second message is queued behind the first without touching the transport.
	require.NoError(t, tun.SendMessage(NewMessage(2, CommandResume, nil)))
	tun.HandleWritable()
	for _, c := range conns {
		require.Zero(t, c.resumes)
	}

	transport.capacity = -1
	tun.HandleWritable()
	require.Zero(t, tun.Queued())
	for _, c := range conns {
		require.Equal(t, 1, c.resumes)
	}

	msgs := transport.messages(t)
	require.Len(t, msgs, 2)
	cmd, _ := msgs[0].Command()
	require.Equal(t, CommandData, cmd)
	cmd, _ = msgs[1].Command()
	require.Equal(t, CommandResume, cmd)
}

func TestSendMessage_PartialWrite(t *testing.T) {
	transport := &stubTransport{capacity: 3}
	tun := New(transport, nil)
	c := newRecordingConn(1)
	tun.AddConnection(c)

	tun.SendData(1, []byte("0123456789"))
	require.Equal(t, 1, c.suspends)
	require.Equal(t, 3, transport.out.Len())

	transport.capacity = -1
	tun.HandleWritable()
	require.Equal(t, 1, c.resumes)
	msgs := transport.messages(t)
	require.Len(t, msgs, 1)
	data, _ := msgs[0].Bytes(KeyData)
	require.Equal(t, []byte("0123456789"), data)
}

func TestSendMessage_WriteErrorClosesTunnel(t *testing.T) {
	errBroken := errors.New("broken pipe")
	transport := &stubTransport{capacity: -1, err: errBroken}
	delegate := &recordingDelegate{}
	tun := New(transport, nil, WithDelegate(delegate))
	c := newRecordingConn(4)
	tun.AddConnection(c)

	require.ErrorIs(t, tun.SendMessage(NewMessage(4, CommandData, nil)), errBroken)
	require.True(t, tun.IsClosed())
	require.Equal(t, 1, c.aborts)
	require.Nil(t, c.Tunnel())
	require.Equal(t, 1, delegate.closed)
	require.ErrorIs(t, delegate.lastErr, errBroken)
	require.ErrorIs(t, tun.SendMessage(NewMessage(4, CommandData, nil)), ErrTunnelClosed)
}

func TestHandlePacket_Dispatch(t *testing.T) {
	var handled []Command
	tun := New(&stubTransport{capacity: -1}, handlerFunc(func(cmd Command, msg Message, conn Connection) bool {
		handled = append(handled, cmd)
		return true
	}))
	c := newRecordingConn(9)
	tun.AddConnection(c)

	require.NoError(t, tun.HandleBytes(encode(t, NewMessage(9, CommandData, Message{KeyData: []byte("tcp")}))))
	require.NoError(t, tun.HandleBytes(encode(t, NewMessage(9, CommandData, Message{
		KeyData: []byte("udp"), KeyHost: "1.2.3.4", KeyPort: 53,
	}))))
	require.Equal(t, [][]byte{[]byte("tcp"), []byte("udp")}, c.data)
	require.Equal(t, []string{"1.2.3.4"}, c.endpoints)

	require.NoError(t, tun.HandleBytes(encode(t, NewMessage(9, CommandSuspend, nil))))
	require.NoError(t, tun.HandleBytes(encode(t, NewMessage(9, CommandResume, nil))))
	require.Equal(t, 1, c.suspends)
	require.Equal(t, 1, c.resumes)

	require.NoError(t, tun.HandleBytes(encode(t, NewMessage(9, CommandPackets, Message{
		KeyPackets: [][]byte{{0x45}, {0x45}}, KeyProtocols: []int{ProtocolIPv4, ProtocolIPv4},
	}))))
	require.Len(t, c.packets, 2)
	// Mismatched lists are dropped.
	require.NoError(t, tun.HandleBytes(encode(t, NewMessage(9, CommandPackets, Message{
		KeyPackets: [][]byte{{0x45}}, KeyProtocols: []int{ProtocolIPv4, ProtocolIPv6},
	}))))
	require.Len(t, c.packets, 2)

	// OpenResult for an existing connection goes through the role handler, with the connection.
	require.NoError(t, tun.HandleBytes(encode(t, NewMessage(9, CommandOpenResult, Message{KeyResultCode: 0}))))
	// Open never targets an existing connection.
	require.NoError(t, tun.HandleBytes(encode(t, NewMessage(9, CommandOpen, nil))))
	// Unknown connection.
	require.NoError(t, tun.HandleBytes(encode(t, NewMessage(77, CommandData, Message{KeyData: []byte("x")}))))
	require.Equal(t, []Command{CommandOpenResult, CommandOpen, CommandData}, handled)

	require.NoError(t, tun.HandleBytes(encode(t, NewMessage(9, CommandClose, Message{KeyCloseDirection: int(CloseRead)}))))
	require.Equal(t, CloseRead, c.CloseDirection())
	require.NoError(t, tun.HandleBytes(encode(t, NewMessage(9, CommandClose, nil))))
	require.True(t, c.IsClosedCompletely())
	_, ok := tun.Connection(9)
	require.False(t, ok)
	require.False(t, tun.IsClosed())
}

func TestHandlePacket_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame func(t *testing.T) []byte
	}{
		{"missing command", func(t *testing.T) []byte { return encode(t, Message{KeyIdentifier: 1}) }},
		{"unknown command", func(t *testing.T) []byte { return encode(t, Message{KeyIdentifier: 1, KeyCommand: 99}) }},
		{"undecodable", func(t *testing.T) []byte { return []byte{0, 0, 0, 6, 0xc1, 0xc1} }},
		{"rejected by handler", func(t *testing.T) []byte { return encode(t, NewMessage(0, CommandDNS, nil)) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			transport := &stubTransport{capacity: -1}
			delegate := &recordingDelegate{}
			tun := New(transport, handlerFunc(func(Command, Message, Connection) bool { return false }), WithDelegate(delegate))
			err := tun.HandleBytes(tc.frame(t))
			require.ErrorIs(t, err, ErrInvalidMessage)
			require.True(t, tun.IsClosed())
			require.Equal(t, 1, transport.closed)
			require.Equal(t, 1, delegate.closed)
		})
	}
}

func TestHandleBytes_OversizedFrameClosesTunnel(t *testing.T) {
	transport := &stubTransport{capacity: -1}
	tun := New(transport, nil)
	err := tun.HandleBytes([]byte{0xff, 0xff, 0xff, 0xff})
	require.ErrorIs(t, err, ErrMessageTooLarge)
	require.True(t, tun.IsClosed())
	require.ErrorIs(t, tun.HandleBytes([]byte{0}), ErrTunnelClosed)
}

func TestClose_Idempotent(t *testing.T) {
	transport := &stubTransport{capacity: 0}
	delegate := &recordingDelegate{}
	registry := NewRegistry()
	tun := New(transport, nil, WithDelegate(delegate), WithRegistry(registry))
	require.Equal(t, 1, registry.Len())
	c1, c2 := newRecordingConn(1), newRecordingConn(2)
	tun.AddConnection(c1)
	tun.AddConnection(c2)
	tun.SendData(1, []byte("queued"))
	require.Positive(t, tun.Queued())

	tun.Close()
	tun.Close()
	require.Equal(t, 1, delegate.closed)
	require.Equal(t, 1, transport.closed)
	require.Zero(t, tun.Queued())
	require.Zero(t, tun.Len())
	require.Zero(t, registry.Len())
	for _, c := range []*recordingConn{c1, c2} {
		require.Equal(t, 1, c.aborts)
		require.True(t, c.IsClosedCompletely())
		require.Nil(t, c.Tunnel())
	}
}

type queueExecutor struct{ fns []func() }

func (e *queueExecutor) Post(fn func()) bool {
	e.fns = append(e.fns, fn)
	return true
}

func TestRegistry_CloseAll(t *testing.T) {
	registry := NewRegistry()
	exec := &queueExecutor{}
	t1 := New(&stubTransport{capacity: -1}, nil, WithRegistry(registry), WithExecutor(exec))
	t2 := New(&stubTransport{capacity: -1}, nil, WithRegistry(registry))
	require.Equal(t, 2, registry.Len())

	registry.CloseAll()
	require.Zero(t, registry.Len())
	require.True(t, t2.IsClosed())
	// t1 closes on its executor.
	require.False(t, t1.IsClosed())
	require.Len(t, exec.fns, 1)
	exec.fns[0]()
	require.True(t, t1.IsClosed())
}

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
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/Jigsaw-Code/simpletunnel/server"
	"github.com/Jigsaw-Code/simpletunnel/transport"
	"github.com/Jigsaw-Code/simpletunnel/tunnel"
	"github.com/stretchr/testify/require"
)

const testServerConfig = `
IPv4:
  Pool: {StartAddress: 10.8.0.2, EndAddress: 10.8.0.4}
  Routes: []
DNS:
  Servers: [%v]
  SearchDomains: [tunnel.test]
Server:
  DialTimeout: 2s
`

func newTestServer(t *testing.T, dnsServer string, options ...server.Option) *server.Server {
	if dnsServer == "" {
		dnsServer = "127.0.0.1:9"
	}
	cfg, err := server.ParseConfiguration([]byte(fmt.Sprintf(testServerConfig, dnsServer)), nil)
	require.NoError(t, err)
	srv, err := server.New(cfg, options...)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

// pipeStreamConn adds half-close methods to a [net.Pipe] end.
type pipeStreamConn struct {
	net.Conn
}

func (c *pipeStreamConn) CloseRead() error  { return nil }
func (c *pipeStreamConn) CloseWrite() error { return nil }

// pipeDialer connects to srv through an in-memory pipe.
func pipeDialer(srv *server.Server) transport.StreamDialer {
	return transport.FuncStreamDialer(func(ctx context.Context, addr string) (transport.StreamConn, error) {
		local, remote := net.Pipe()
		go srv.ServeConn(remote)
		return &pipeStreamConn{local}, nil
	})
}

func startClient(t *testing.T, dialer transport.StreamDialer, options ...Option) *ClientTunnel {
	ct := New(append([]Option{WithStreamDialer(dialer)}, options...)...)
	require.NoError(t, ct.Start(context.Background(), "tunnel.test:443"))
	t.Cleanup(func() {
		ct.Close()
		<-ct.Done()
	})
	return ct
}

// startRawClient connects a client to a pipe the test speaks the protocol on.
func startRawClient(t *testing.T, options ...Option) (*ClientTunnel, net.Conn) {
	local, remote := net.Pipe()
	dialer := transport.FuncStreamDialer(func(ctx context.Context, addr string) (transport.StreamConn, error) {
		return &pipeStreamConn{local}, nil
	})
	ct := startClient(t, dialer, options...)
	t.Cleanup(func() { remote.Close() })
	return ct, remote
}

func writeFrame(t *testing.T, conn net.Conn, msg tunnel.Message) {
	frame, err := tunnel.EncodeMessage(msg)
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func connectionCount(t *testing.T, ct *ClientTunnel) int {
	var n int
	require.NoError(t, ct.do(func(t *tunnel.Tunnel) error {
		n = t.Len()
		return nil
	}))
	return n
}

type recordingDelegate struct {
	opened  chan struct{}
	closed  chan error
	configs chan map[string]any
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{
		opened:  make(chan struct{}, 1),
		closed:  make(chan error, 1),
		configs: make(chan map[string]any, 8),
	}
}

func (d *recordingDelegate) TunnelDidOpen(ct *ClientTunnel) { d.opened <- struct{}{} }

func (d *recordingDelegate) TunnelDidClose(ct *ClientTunnel, err error) { d.closed <- err }

func (d *recordingDelegate) TunnelDidSendConfiguration(ct *ClientTunnel, cfg map[string]any) {
	d.configs <- cfg
}

func TestParseServerAddress(t *testing.T) {
	for _, tc := range []struct {
		input   string
		address string
		service string
		err     bool
	}{
		{input: "example.com:443", address: "example.com:443"},
		{input: "[2001:db8::1]:8890", address: "[2001:db8::1]:8890"},
		{input: "Office Server", service: "Office Server"},
		{input: "", err: true},
		{input: ":443", err: true},
		{input: "example.com:", err: true},
		{input: "[::1", err: true},
	} {
		t.Run(tc.input, func(t *testing.T) {
			address, service, err := parseServerAddress(tc.input)
			if tc.err {
				require.ErrorIs(t, err, ErrBadConfiguration)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.address, address)
			require.Equal(t, tc.service, service)
		})
	}
}

func TestClientTunnel_StartBadAddress(t *testing.T) {
	ct := New()
	require.ErrorIs(t, ct.Start(context.Background(), ":443"), ErrBadConfiguration)
	require.Equal(t, StateIdle, ct.State())

	require.NoError(t, ct.Close())
	receive(t, ct.Done())
	require.Equal(t, StateCancelled, ct.State())
	_, err := ct.DialTCP(context.Background(), "example.com", 80)
	require.ErrorIs(t, err, ErrBadConnection)
}

func TestClientTunnel_StartTwice(t *testing.T) {
	srv := newTestServer(t, "")
	ct := startClient(t, pipeDialer(srv))
	require.Error(t, ct.Start(context.Background(), "tunnel.test:443"))
}

func TestClientTunnel_Lifecycle(t *testing.T) {
	srv := newTestServer(t, "")
	d := newRecordingDelegate()
	ct := startClient(t, pipeDialer(srv), WithDelegate(d))

	receive(t, d.opened)
	require.Equal(t, StateConnected, ct.State())
	require.Equal(t, "pipe", ct.RemoteHost())
	require.Eventually(t, func() bool { return srv.Registry().Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cfg, err := ct.FetchConfiguration(ctx)
	require.NoError(t, err)
	require.Contains(t, cfg, "DNS")
	require.NotContains(t, cfg, "IPv4")
	require.NotContains(t, cfg, "Server")
	require.Equal(t, cfg, receive(t, d.configs))

	ct.SendFetchConfiguration()
	require.Contains(t, receive(t, d.configs), "DNS")

	require.NoError(t, ct.Close())
	require.NoError(t, receive(t, d.closed))
	receive(t, ct.Done())
	require.Equal(t, StateCancelled, ct.State())
	require.NoError(t, ct.LastError())
	require.Eventually(t, func() bool { return srv.Registry().Len() == 0 }, 5*time.Second, 10*time.Millisecond)

	_, err = ct.FetchConfiguration(ctx)
	require.ErrorIs(t, err, ErrBadConnection)
}

func TestClientTunnel_CloseWithError(t *testing.T) {
	srv := newTestServer(t, "")
	d := newRecordingDelegate()
	ct := startClient(t, pipeDialer(srv), WithDelegate(d))
	receive(t, d.opened)

	reason := errors.New("network changed")
	ct.CloseWithError(reason)
	require.ErrorIs(t, receive(t, d.closed), reason)
	require.ErrorIs(t, ct.LastError(), reason)
}

func TestClientTunnel_DialFailure(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	dialer := transport.FuncStreamDialer(func(ctx context.Context, addr string) (transport.StreamConn, error) {
		return nil, refused
	})
	d := newRecordingDelegate()
	ct := startClient(t, dialer, WithDelegate(d))

	require.ErrorIs(t, receive(t, d.closed), syscall.ECONNREFUSED)
	receive(t, ct.Done())
	require.Equal(t, StateCancelled, ct.State())
	require.ErrorIs(t, ct.LastError(), syscall.ECONNREFUSED)
	require.Empty(t, d.opened)

	_, err := ct.DialTCP(context.Background(), "example.com", 80)
	require.ErrorIs(t, err, ErrBadConnection)
	require.ErrorIs(t, err, syscall.ECONNREFUSED)
}

func TestClientTunnel_ServiceName(t *testing.T) {
	srv := newTestServer(t, "")
	var mu sync.Mutex
	var dialed string
	dialer := transport.FuncStreamDialer(func(ctx context.Context, addr string) (transport.StreamConn, error) {
		mu.Lock()
		dialed = addr
		mu.Unlock()
		return pipeDialer(srv).DialStream(ctx, addr)
	})
	resolver := FuncServiceResolver(func(ctx context.Context, name string) (string, error) {
		if name != "Office Server" {
			return "", fmt.Errorf("unknown service %q", name)
		}
		return "192.0.2.10:4000", nil
	})
	d := newRecordingDelegate()
	ct := New(WithStreamDialer(dialer), WithServiceResolver(resolver), WithDelegate(d))
	require.NoError(t, ct.Start(context.Background(), "Office Server"))
	defer ct.Close()

	receive(t, d.opened)
	mu.Lock()
	require.Equal(t, "192.0.2.10:4000", dialed)
	mu.Unlock()
}

func TestClientTunnel_ServiceNotFound(t *testing.T) {
	notFound := errors.New("service not found")
	resolver := FuncServiceResolver(func(ctx context.Context, name string) (string, error) {
		return "", notFound
	})
	d := newRecordingDelegate()
	ct := New(WithServiceResolver(resolver), WithDelegate(d))
	require.NoError(t, ct.Start(context.Background(), "Nowhere"))
	require.ErrorIs(t, receive(t, d.closed), notFound)
	require.Equal(t, StateCancelled, ct.State())
}

func TestClientTunnel_ServerEOF(t *testing.T) {
	d := newRecordingDelegate()
	ct, remote := startRawClient(t, WithDelegate(d))
	receive(t, d.opened)

	require.NoError(t, remote.Close())
	require.NoError(t, receive(t, d.closed))
	require.Equal(t, StateCancelled, ct.State())
}

func TestClientTunnel_OversizedFrame(t *testing.T) {
	d := newRecordingDelegate()
	ct, remote := startRawClient(t, WithDelegate(d))
	receive(t, d.opened)

	_, err := remote.Write([]byte{0xff, 0xff, 0xff, 0xff})
	require.NoError(t, err)
	require.ErrorIs(t, receive(t, d.closed), tunnel.ErrMessageTooLarge)
	require.ErrorIs(t, ct.LastError(), tunnel.ErrMessageTooLarge)
}

func TestClientTunnel_InvalidMessages(t *testing.T) {
	for name, msg := range map[string]tunnel.Message{
		"open":                tunnel.NewMessage(3, tunnel.CommandOpen, nil),
		"unknown open result": tunnel.NewMessage(3, tunnel.CommandOpenResult, tunnel.Message{tunnel.KeyResultCode: 0}),
		"unknown command":     {tunnel.KeyIdentifier: 0, tunnel.KeyCommand: 42},
		"missing command":     {tunnel.KeyIdentifier: 0},
	} {
		t.Run(name, func(t *testing.T) {
			d := newRecordingDelegate()
			_, remote := startRawClient(t, WithDelegate(d))
			receive(t, d.opened)
			writeFrame(t, remote, msg)
			require.ErrorIs(t, receive(t, d.closed), tunnel.ErrInvalidMessage)
		})
	}
}

func TestClientTunnel_IgnoresUnknownConnections(t *testing.T) {
	d := newRecordingDelegate()
	ct, remote := startRawClient(t, WithDelegate(d))
	receive(t, d.opened)

	writeFrame(t, remote, tunnel.NewMessage(77, tunnel.CommandData, tunnel.Message{tunnel.KeyData: []byte("late")}))
	writeFrame(t, remote, tunnel.NewMessage(77, tunnel.CommandClose, tunnel.Message{tunnel.KeyCloseDirection: int(tunnel.CloseAll)}))
	writeFrame(t, remote, tunnel.NewMessage(0, tunnel.CommandFetchConfiguration, tunnel.Message{
		tunnel.KeyConfiguration: map[string]any{"Proxies": map[string]any{"HTTPEnable": true}},
	}))
	require.Contains(t, receive(t, d.configs), "Proxies")
	require.Equal(t, StateConnected, ct.State())
}

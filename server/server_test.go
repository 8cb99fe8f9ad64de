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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/Jigsaw-Code/simpletunnel/network"
	"github.com/Jigsaw-Code/simpletunnel/transport"
	"github.com/Jigsaw-Code/simpletunnel/transport/shadowsocks"
	"github.com/Jigsaw-Code/simpletunnel/tunnel"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	mdns "github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

const baseTestConfig = `
IPv4:
  Pool: {StartAddress: 10.8.0.2, EndAddress: 10.8.0.4}
  Routes: []
DNS:
  Servers: [%v]
Server:
  DialTimeout: 2s
  UDPIdleTimeout: %v
`

func newTestConfig(t *testing.T, dnsServer string, udpIdle string) *Configuration {
	if dnsServer == "" {
		dnsServer = "127.0.0.1:9"
	}
	if udpIdle == "" {
		udpIdle = "30s"
	}
	cfg, err := ParseConfiguration([]byte(fmt.Sprintf(baseTestConfig, dnsServer, udpIdle)), noSystemDNS)
	require.NoError(t, err)
	return cfg
}

// testClient speaks the tunnel protocol directly over a connection to the server.
type testClient struct {
	t    *testing.T
	conn net.Conn
}

func (c *testClient) send(msg tunnel.Message) {
	frame, err := tunnel.EncodeMessage(msg)
	require.NoError(c.t, err)
	_, err = c.conn.Write(frame)
	require.NoError(c.t, err)
}

func (c *testClient) receiveFrame() (tunnel.Message, error) {
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	hdr := make([]byte, tunnel.FrameHeaderLen)
	if _, err := io.ReadFull(c.conn, hdr); err != nil {
		return nil, err
	}
	total, err := tunnel.ParseFrameHeader(hdr)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, total-tunnel.FrameHeaderLen)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return nil, err
	}
	return tunnel.DecodeMessage(payload)
}

func (c *testClient) receive(cmd tunnel.Command, id int) tunnel.Message {
	msg, err := c.receiveFrame()
	require.NoError(c.t, err)
	gotCmd, ok := msg.Command()
	require.True(c.t, ok)
	require.Equal(c.t, cmd, gotCmd, "message: %v", msg)
	gotID, ok := msg.Identifier()
	require.True(c.t, ok)
	require.Equal(c.t, id, gotID)
	return msg
}

func (c *testClient) requireOpenResult(id int, want tunnel.OpenResult) tunnel.Message {
	msg := c.receive(tunnel.CommandOpenResult, id)
	code, ok := msg.Int(tunnel.KeyResultCode)
	require.True(c.t, ok)
	require.Equal(c.t, want, tunnel.OpenResult(code))
	return msg
}

func (c *testClient) requireClose(id int, want tunnel.CloseDirection) {
	msg := c.receive(tunnel.CommandClose, id)
	dir, ok := msg.Int(tunnel.KeyCloseDirection)
	require.True(c.t, ok)
	require.Equal(c.t, want, tunnel.CloseDirection(dir))
}

func (c *testClient) requireClosed() {
	_, err := c.receiveFrame()
	require.ErrorIs(c.t, err, io.EOF)
}

// startTunnel serves one tunnel over a pipe.
func startTunnel(t *testing.T, cfg *Configuration, options ...Option) (*Server, *testClient) {
	srv, err := New(cfg, options...)
	require.NoError(t, err)
	local, remote := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.ServeConn(remote)
	}()
	t.Cleanup(func() {
		local.Close()
		srv.Close()
		<-done
	})
	return srv, &testClient{t: t, conn: local}
}

func openTCP(id int, host string, port int) tunnel.Message {
	return tunnel.NewMessage(id, tunnel.CommandOpen, tunnel.Message{
		tunnel.KeyTunnelType:   int(tunnel.LayerApp),
		tunnel.KeyAppProxyFlow: int(tunnel.FlowTCP),
		tunnel.KeyHost:         host,
		tunnel.KeyPort:         port,
	})
}

func TestServerTunnel_OpenTCP(t *testing.T) {
	target, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer target.Close()

	dialed := make(chan string, 1)
	dialer := transport.FuncStreamDialer(func(ctx context.Context, addr string) (transport.StreamConn, error) {
		dialed <- addr
		return (&transport.TCPDialer{}).DialStream(ctx, target.Addr().String())
	})
	_, client := startTunnel(t, newTestConfig(t, "", ""), WithStreamDialer(dialer))

	client.send(openTCP(5, "10.0.0.1", 80))
	require.Equal(t, "10.0.0.1:80", <-dialed)
	peer, err := target.AcceptTCP()
	require.NoError(t, err)
	defer peer.Close()
	client.requireOpenResult(5, tunnel.OpenSuccess)

	client.send(tunnel.NewMessage(5, tunnel.CommandData, tunnel.Message{tunnel.KeyData: []byte("hello")}))
	buf := make([]byte, 5)
	_, err = io.ReadFull(peer, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	_, err = peer.Write([]byte("world"))
	require.NoError(t, err)
	msg := client.receive(tunnel.CommandData, 5)
	data, ok := msg.Bytes(tunnel.KeyData)
	require.True(t, ok)
	require.Equal(t, "world", string(data))

	// EOF from the destination closes the client's write side.
	require.NoError(t, peer.CloseWrite())
	client.requireClose(5, tunnel.CloseWrite)

	client.send(tunnel.NewMessage(5, tunnel.CommandClose, tunnel.Message{tunnel.KeyCloseDirection: int(tunnel.CloseAll)}))
	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = peer.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestServerTunnel_OpenTCPFailures(t *testing.T) {
	for name, tc := range map[string]struct {
		err  error
		want tunnel.OpenResult
	}{
		"refused": {
			err:  &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)},
			want: tunnel.OpenRefused,
		},
		"no such host": {
			err:  &net.OpError{Op: "dial", Net: "tcp", Err: &net.DNSError{Err: "no such host", Name: "nowhere.invalid", IsNotFound: true}},
			want: tunnel.OpenNoSuchHost,
		},
		"timeout": {
			err:  context.DeadlineExceeded,
			want: tunnel.OpenTimeout,
		},
		"other": {
			err:  errors.New("boom"),
			want: tunnel.OpenInternalError,
		},
	} {
		t.Run(name, func(t *testing.T) {
			dialer := transport.FuncStreamDialer(func(ctx context.Context, addr string) (transport.StreamConn, error) {
				return nil, tc.err
			})
			srv, client := startTunnel(t, newTestConfig(t, "", ""), WithStreamDialer(dialer))
			client.send(openTCP(3, "example.com", 443))
			client.requireOpenResult(3, tc.want)
			client.requireClose(3, tunnel.CloseAll)
			require.Equal(t, 1, srv.Registry().Len())
		})
	}
}

func TestOpenResultFor(t *testing.T) {
	require.Equal(t, tunnel.OpenInvalidParam, openResultFor(&net.AddrError{Err: "missing port", Addr: "x"}))
	require.Equal(t, tunnel.OpenTimeout, openResultFor(&net.DNSError{Err: "timeout", IsTimeout: true}))
	require.Equal(t, tunnel.OpenTimeout, openResultFor(fmt.Errorf("dial: %w", os.ErrDeadlineExceeded)))
	require.Equal(t, tunnel.OpenRefused, openResultFor(fmt.Errorf("dial: %w", syscall.ECONNREFUSED)))
}

func TestServerTunnel_OpenInvalid(t *testing.T) {
	_, client := startTunnel(t, newTestConfig(t, "", ""))

	client.send(tunnel.NewMessage(9, tunnel.CommandOpen, tunnel.Message{
		tunnel.KeyTunnelType:   int(tunnel.LayerApp),
		tunnel.KeyAppProxyFlow: int(tunnel.FlowTCP),
		tunnel.KeyPort:         80,
	}))
	client.requireOpenResult(9, tunnel.OpenInvalidParam)

	client.send(tunnel.NewMessage(10, tunnel.CommandOpen, tunnel.Message{tunnel.KeyTunnelType: 7}))
	client.requireOpenResult(10, tunnel.OpenInvalidParam)

	client.send(tunnel.NewMessage(11, tunnel.CommandOpen, tunnel.Message{
		tunnel.KeyTunnelType:   int(tunnel.LayerApp),
		tunnel.KeyAppProxyFlow: 2,
	}))
	client.requireOpenResult(11, tunnel.OpenInvalidParam)

	// Data for a connection that doesn't exist is ignored.
	client.send(tunnel.NewMessage(99, tunnel.CommandData, tunnel.Message{tunnel.KeyData: []byte("x")}))
	client.send(tunnel.NewMessage(0, tunnel.CommandFetchConfiguration, nil))
	client.receive(tunnel.CommandFetchConfiguration, 0)
}

func TestServerTunnel_FetchConfiguration(t *testing.T) {
	_, client := startTunnel(t, newTestConfig(t, "", ""))

	client.send(tunnel.NewMessage(0, tunnel.CommandFetchConfiguration, nil))
	msg := client.receive(tunnel.CommandFetchConfiguration, 0)
	cfg, ok := msg.Dict(tunnel.KeyConfiguration)
	require.True(t, ok)
	require.NotContains(t, cfg, "IPv4")
	require.NotContains(t, cfg, "Server")
	require.Contains(t, cfg, "DNS")
}

// pipeStreamConn adds half-close methods to a [net.Pipe] end.
type pipeStreamConn struct {
	net.Conn
}

func (c *pipeStreamConn) CloseRead() error  { return nil }
func (c *pipeStreamConn) CloseWrite() error { return nil }

func TestTCPConnection_Backpressure(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	dialer := transport.FuncStreamDialer(func(ctx context.Context, addr string) (transport.StreamConn, error) {
		return &pipeStreamConn{local}, nil
	})
	_, client := startTunnel(t, newTestConfig(t, "", ""), WithStreamDialer(dialer))

	client.send(openTCP(4, "192.0.2.1", 8080))
	client.requireOpenResult(4, tunnel.OpenSuccess)

	payload := bytes.Repeat([]byte{'x'}, 100*1024)
	client.send(tunnel.NewMessage(4, tunnel.CommandData, tunnel.Message{tunnel.KeyData: payload}))
	// Nothing reads the destination yet, so the socket can't take it all.
	client.receive(tunnel.CommandSuspend, 4)

	received := make([]byte, len(payload))
	_, err := io.ReadFull(remote, received)
	require.NoError(t, err)
	require.Equal(t, payload, received)
	client.receive(tunnel.CommandResume, 4)
}

func TestServerTunnel_OpenUDP(t *testing.T) {
	echo, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer echo.Close()
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := echo.ReadFrom(buf)
			if err != nil {
				return
			}
			echo.WriteTo(buf[:n], addr)
		}
	}()
	echoAddr := echo.LocalAddr().(*net.UDPAddr)

	_, client := startTunnel(t, newTestConfig(t, "", ""), WithPacketListener(&transport.UDPListener{Address: "127.0.0.1:0"}))
	client.send(tunnel.NewMessage(7, tunnel.CommandOpen, tunnel.Message{
		tunnel.KeyTunnelType:   int(tunnel.LayerApp),
		tunnel.KeyAppProxyFlow: int(tunnel.FlowUDP),
	}))
	client.requireOpenResult(7, tunnel.OpenSuccess)

	client.send(tunnel.NewMessage(7, tunnel.CommandData, tunnel.Message{
		tunnel.KeyData: []byte("ping"),
		tunnel.KeyHost: "127.0.0.1",
		tunnel.KeyPort: echoAddr.Port,
	}))
	msg := client.receive(tunnel.CommandData, 7)
	data, _ := msg.Bytes(tunnel.KeyData)
	require.Equal(t, "ping", string(data))
	host, _ := msg.Text(tunnel.KeyHost)
	require.Equal(t, "127.0.0.1", host)
	port, _ := msg.Int(tunnel.KeyPort)
	require.Equal(t, echoAddr.Port, port)

	// The socket is IPv4, so an IPv6 destination is dropped without closing the flow.
	client.send(tunnel.NewMessage(7, tunnel.CommandData, tunnel.Message{
		tunnel.KeyData: []byte("dropped"),
		tunnel.KeyHost: "::1",
		tunnel.KeyPort: echoAddr.Port,
	}))
	client.send(tunnel.NewMessage(7, tunnel.CommandData, tunnel.Message{
		tunnel.KeyData: []byte("pong"),
		tunnel.KeyHost: "127.0.0.1",
		tunnel.KeyPort: echoAddr.Port,
	}))
	msg = client.receive(tunnel.CommandData, 7)
	data, _ = msg.Bytes(tunnel.KeyData)
	require.Equal(t, "pong", string(data))
}

func TestUDPConnection_IdleTimeout(t *testing.T) {
	sink, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer sink.Close()

	_, client := startTunnel(t, newTestConfig(t, "", "200ms"), WithPacketListener(&transport.UDPListener{Address: "127.0.0.1:0"}))
	client.send(tunnel.NewMessage(8, tunnel.CommandOpen, tunnel.Message{
		tunnel.KeyTunnelType:   int(tunnel.LayerApp),
		tunnel.KeyAppProxyFlow: int(tunnel.FlowUDP),
	}))
	client.requireOpenResult(8, tunnel.OpenSuccess)
	client.send(tunnel.NewMessage(8, tunnel.CommandData, tunnel.Message{
		tunnel.KeyData: []byte("hello"),
		tunnel.KeyHost: "127.0.0.1",
		tunnel.KeyPort: sink.LocalAddr().(*net.UDPAddr).Port,
	}))
	client.requireClose(8, tunnel.CloseAll)
}

// fakeDevice is an IPDevice that reads from a channel and records writes.
type fakeDevice struct {
	address   string
	in        chan []byte
	written   chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeDevice(address string) *fakeDevice {
	return &fakeDevice{address: address, in: make(chan []byte, 64), written: make(chan []byte, 64), closed: make(chan struct{})}
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	select {
	case pkt := <-d.in:
		return copy(p, pkt), nil
	case <-d.closed:
		return 0, network.ErrClosed
	}
}

func (d *fakeDevice) Write(b []byte) (int, error) {
	select {
	case <-d.closed:
		return 0, network.ErrClosed
	default:
	}
	d.written <- append([]byte(nil), b...)
	return len(b), nil
}

func (d *fakeDevice) MTU() int { return 1500 }

func (d *fakeDevice) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}

func testPacket(t *testing.T, payload string) []byte {
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true},
		&layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: net.IPv4(93, 184, 216, 34), DstIP: net.IPv4(10, 8, 0, 2)},
		gopacket.Payload([]byte(payload))))
	return buf.Bytes()
}

func openIP(id int) tunnel.Message {
	return tunnel.NewMessage(id, tunnel.CommandOpen, tunnel.Message{tunnel.KeyTunnelType: int(tunnel.LayerIP)})
}

func requireAddress(t *testing.T, msg tunnel.Message, want string) {
	cfg, ok := msg.Dict(tunnel.KeyConfiguration)
	require.True(t, ok)
	ipv4, ok := tunnel.Message(cfg).Dict("IPv4")
	require.True(t, ok)
	require.Equal(t, want, ipv4["Address"])
	require.Equal(t, "255.255.255.255", ipv4["Netmask"])
}

func TestServerTunnel_OpenIP(t *testing.T) {
	devices := make(chan *fakeDevice, 8)
	factory := InterfaceFactoryFunc(func(address string) (network.IPDevice, error) {
		dev := newFakeDevice(address)
		devices <- dev
		return dev, nil
	})
	srv, client := startTunnel(t, newTestConfig(t, "", ""), WithInterfaceFactory(factory))

	client.send(openIP(11))
	requireAddress(t, client.requireOpenResult(11, tunnel.OpenSuccess), "10.8.0.2")
	dev := <-devices
	require.Equal(t, "10.8.0.2", dev.address)

	// Interface to client.
	pkt := testPacket(t, "from the internet")
	dev.in <- pkt
	msg := client.receive(tunnel.CommandPackets, 11)
	packets, ok := msg.ByteList(tunnel.KeyPackets)
	require.True(t, ok)
	require.Equal(t, [][]byte{pkt}, packets)
	protocols, ok := msg.IntList(tunnel.KeyProtocols)
	require.True(t, ok)
	require.Equal(t, []int{tunnel.ProtocolIPv4}, protocols)

	// Client to interface.
	out := testPacket(t, "to the internet")
	client.send(tunnel.NewMessage(11, tunnel.CommandPackets, tunnel.Message{
		tunnel.KeyPackets:   [][]byte{out},
		tunnel.KeyProtocols: []int{tunnel.ProtocolIPv4},
	}))
	select {
	case got := <-dev.written:
		require.Equal(t, out, got)
	case <-time.After(5 * time.Second):
		t.Fatal("packet not written to the interface")
	}

	// The pool has two addresses.
	client.send(openIP(12))
	requireAddress(t, client.requireOpenResult(12, tunnel.OpenSuccess), "10.8.0.3")
	client.send(openIP(13))
	client.requireOpenResult(13, tunnel.OpenRefused)
	require.Equal(t, 2, srv.Configuration().Pool.InUse())

	// Closing a flow releases its interface and address.
	client.send(tunnel.NewMessage(11, tunnel.CommandClose, tunnel.Message{tunnel.KeyCloseDirection: int(tunnel.CloseAll)}))
	select {
	case <-dev.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("interface not closed")
	}
	client.send(openIP(14))
	requireAddress(t, client.requireOpenResult(14, tunnel.OpenSuccess), "10.8.0.2")
}

func TestServerTunnel_OpenIPInterfaceFailure(t *testing.T) {
	factory := InterfaceFactoryFunc(func(address string) (network.IPDevice, error) {
		return nil, network.ErrUnsupported
	})
	srv, client := startTunnel(t, newTestConfig(t, "", ""), WithInterfaceFactory(factory))

	client.send(openIP(1))
	client.requireOpenResult(1, tunnel.OpenInternalError)
	client.send(tunnel.NewMessage(0, tunnel.CommandFetchConfiguration, nil))
	client.receive(tunnel.CommandFetchConfiguration, 0)
	require.Equal(t, 0, srv.Configuration().Pool.InUse())
}

func TestServerTunnel_DNS(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	resolver := &mdns.Server{PacketConn: pc, Handler: mdns.HandlerFunc(func(w mdns.ResponseWriter, r *mdns.Msg) {
		m := new(mdns.Msg)
		m.SetReply(r)
		m.Answer = append(m.Answer, &mdns.A{
			Hdr: mdns.RR_Header{Name: r.Question[0].Name, Rrtype: mdns.TypeA, Class: mdns.ClassINET, Ttl: 60},
			A:   net.IPv4(192, 0, 2, 7),
		})
		w.WriteMsg(m)
	})}
	go resolver.ActivateAndServe()
	defer resolver.Shutdown()
	server := pc.LocalAddr().String()

	_, client := startTunnel(t, newTestConfig(t, server, ""))
	query := new(mdns.Msg)
	query.SetQuestion("tunnel.example.", mdns.TypeA)
	raw, err := query.Pack()
	require.NoError(t, err)

	client.send(tunnel.NewMessage(21, tunnel.CommandDNS, tunnel.Message{tunnel.KeyDNSPacket: raw}))
	msg := client.receive(tunnel.CommandDNS, 21)
	source, _ := msg.Text(tunnel.KeyDNSPacketSource)
	require.Equal(t, server, source)
	resp, ok := msg.Bytes(tunnel.KeyDNSPacket)
	require.True(t, ok)
	var answer mdns.Msg
	require.NoError(t, answer.Unpack(resp))
	require.Equal(t, query.Id, answer.Id)
	require.Len(t, answer.Answer, 1)
	require.Equal(t, "192.0.2.7", answer.Answer[0].(*mdns.A).A.String())

	// A DNS message without a packet is a protocol error.
	client.send(tunnel.NewMessage(22, tunnel.CommandDNS, nil))
	client.requireClosed()
}

func TestServerTunnel_OversizedFrameClosesTunnel(t *testing.T) {
	srv, client := startTunnel(t, newTestConfig(t, "", ""))
	_, err := client.conn.Write([]byte{0xff, 0xff, 0xff, 0xff})
	require.NoError(t, err)
	client.requireClosed()
	require.Eventually(t, func() bool { return srv.Registry().Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestServer_ServeAndClose(t *testing.T) {
	srv, err := New(newTestConfig(t, "", ""))
	require.NoError(t, err)
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(listener) }()

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	client := &testClient{t: t, conn: conn}
	client.send(tunnel.NewMessage(0, tunnel.CommandFetchConfiguration, nil))
	client.receive(tunnel.CommandFetchConfiguration, 0)
	require.Equal(t, 1, srv.Registry().Len())

	require.NoError(t, srv.Close())
	require.NoError(t, <-served)
	client.requireClosed()
	require.Equal(t, 0, srv.Registry().Len())
}

func TestServer_Encrypted(t *testing.T) {
	cfg, err := ParseConfiguration([]byte(`
IPv4:
  Pool: {StartAddress: 10.9.0.1, EndAddress: 10.9.0.9}
DNS: {Servers: []}
Server:
  Cipher: chacha20-ietf-poly1305
  Password: tunnel-secret
`), noSystemDNS)
	require.NoError(t, err)
	srv, err := New(cfg)
	require.NoError(t, err)
	defer srv.Close()
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	go srv.Serve(listener)

	cipher, err := shadowsocks.NewCipher("chacha20-ietf-poly1305", "tunnel-secret")
	require.NoError(t, err)
	dialer, err := shadowsocks.NewStreamDialer(&transport.TCPDialer{}, cipher)
	require.NoError(t, err)
	conn, err := dialer.DialStream(context.Background(), listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	client := &testClient{t: t, conn: conn}
	client.send(tunnel.NewMessage(0, tunnel.CommandFetchConfiguration, nil))
	msg := client.receive(tunnel.CommandFetchConfiguration, 0)
	_, ok := msg.Dict(tunnel.KeyConfiguration)
	require.True(t, ok)
}

func TestServe_CipherNeedsTCPListener(t *testing.T) {
	cfg := newTestConfig(t, "", "")
	cfg.Settings.Cipher = "chacha20-ietf-poly1305"
	cfg.Settings.Password = "secret"
	srv, err := New(cfg)
	require.NoError(t, err)
	defer srv.Close()
	l, err := net.Listen("unix", fmt.Sprintf("%s/tunnel.sock", t.TempDir()))
	require.NoError(t, err)
	defer l.Close()
	require.Error(t, srv.Serve(l))
}

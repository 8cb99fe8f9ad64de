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

/*
Package client implements the client side of the SimpleTunnel protocol.

A [ClientTunnel] connects to a tunnel server and multiplexes logical connections over that single stream:

	ct := client.New(client.WithLogger(logger))
	if err := ct.Start(ctx, "tunnel.example.com:8890"); err != nil {
		...
	}
	conn, err := ct.DialTCP(ctx, "example.com", 443)

TCP flows are exposed as [net.Conn], UDP flows as [net.PacketConn] and IP flows relay packets from an
[network.IPDevice]. [ClientTunnel.SOCKSServer] puts a SOCKS5 front end on top of the TCP flows.
*/
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"sync"

	"github.com/Jigsaw-Code/simpletunnel/internal/eventloop"
	"github.com/Jigsaw-Code/simpletunnel/transport"
	"github.com/Jigsaw-Code/simpletunnel/tunnel"
)

// State is the state of the connection to the tunnel server.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	case StateCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Delegate receives the tunnel notifications. Methods are called from the tunnel event loop and must not block.
type Delegate interface {
	TunnelDidOpen(ct *ClientTunnel)
	// TunnelDidClose is called exactly once, with the error that closed the tunnel or nil.
	TunnelDidClose(ct *ClientTunnel, err error)
	TunnelDidSendConfiguration(ct *ClientTunnel, configuration map[string]any)
}

// Option configures a [ClientTunnel].
type Option func(ct *ClientTunnel)

// WithStreamDialer sets the dialer used to reach the server. The default is a [transport.TCPDialer].
func WithStreamDialer(d transport.StreamDialer) Option {
	return func(ct *ClientTunnel) { ct.dialer = d }
}

// WithServiceResolver sets how server service names are resolved. The default is a [ZeroconfResolver].
func WithServiceResolver(r ServiceResolver) Option {
	return func(ct *ClientTunnel) { ct.resolver = r }
}

func WithDelegate(d Delegate) Option {
	return func(ct *ClientTunnel) { ct.delegate = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(ct *ClientTunnel) { ct.logger = l }
}

type dnsAnswer struct {
	packet []byte
	source string
}

// ClientTunnel is the client end of a tunnel.
//
// ClientTunnel is safe for concurrent use by multiple goroutines. Internally, all protocol work runs on one event
// loop, like the server tunnels.
type ClientTunnel struct {
	dialer   transport.StreamDialer
	resolver ServiceResolver
	delegate Delegate
	logger   *slog.Logger
	loop     *eventloop.Loop

	// Only used on the loop.
	t             *tunnel.Tunnel
	nextQueryID   int
	queries       map[int]chan dnsAnswer
	configWaiters []chan map[string]any

	mu         sync.Mutex
	state      State
	lastError  error
	remoteHost string
	cancelDial context.CancelFunc

	connected chan struct{}
	done      chan struct{}
}

// New creates a tunnel. Call [ClientTunnel.Start] to connect it.
func New(options ...Option) *ClientTunnel {
	ct := &ClientTunnel{
		dialer:    &transport.TCPDialer{},
		resolver:  &ZeroconfResolver{},
		logger:    slog.Default(),
		loop:      eventloop.New(),
		queries:   make(map[int]chan dnsAnswer),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(ct)
	}
	return ct
}

// parseServerAddress splits "host:port" into a dialable address. A value without a colon is a service name.
func parseServerAddress(serverAddress string) (address string, service string, err error) {
	if serverAddress == "" {
		return "", "", fmt.Errorf("%w: missing server address", ErrBadConfiguration)
	}
	if !strings.Contains(serverAddress, ":") {
		return "", serverAddress, nil
	}
	host, port, err := net.SplitHostPort(serverAddress)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrBadConfiguration, err)
	}
	if host == "" || port == "" {
		return "", "", fmt.Errorf("%w: server address %q needs a host and a port", ErrBadConfiguration, serverAddress)
	}
	return serverAddress, "", nil
}

// Start connects to the server in the background. serverAddress is either "host:port" or the name of a service
// announced over multicast DNS. ctx bounds the connection attempt only. Progress is reported to the delegate.
func (ct *ClientTunnel) Start(ctx context.Context, serverAddress string) error {
	address, service, err := parseServerAddress(serverAddress)
	if err != nil {
		return err
	}
	ct.mu.Lock()
	if state := ct.state; state != StateIdle {
		ct.mu.Unlock()
		return fmt.Errorf("tunnel already started, state %v", state)
	}
	dialCtx, cancel := context.WithCancel(ctx)
	ct.cancelDial = cancel
	ct.state = StateConnecting
	ct.mu.Unlock()
	ct.logger.Debug("Tunnel connection state changed", "state", StateConnecting)

	go ct.loop.Run()
	go ct.connect(dialCtx, address, service)
	return nil
}

func (ct *ClientTunnel) connect(ctx context.Context, address, service string) {
	var conn transport.StreamConn
	var err error
	if service != "" {
		address, err = ct.resolver.Resolve(ctx, service)
	}
	if err == nil {
		ct.logger.Debug("Connecting to tunnel server", "address", address)
		conn, err = ct.dialer.DialStream(ctx, address)
	}
	if !ct.loop.Post(func() { ct.handleDialed(conn, err) }) && conn != nil {
		conn.Close()
	}
}

func (ct *ClientTunnel) handleDialed(conn transport.StreamConn, err error) {
	if ct.State() != StateConnecting {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		ct.logger.Warn("Failed to connect to the tunnel server", "err", err)
		ct.finish(err)
		return
	}
	writer, err := transport.NewNonBlockingWriter(conn,
		transport.WithWritableFunc(func() { ct.loop.Post(ct.handleWritable) }),
		transport.WithErrorFunc(func(err error) {
			ct.loop.Post(func() { ct.closeWithError(err) })
		}))
	if err != nil {
		conn.Close()
		ct.finish(err)
		return
	}
	ct.t = tunnel.New(writer, ct,
		tunnel.WithDelegate(tunnelEvents{ct}),
		tunnel.WithExecutor(ct.loop),
		tunnel.WithLogger(ct.logger))

	ct.mu.Lock()
	if addr := conn.RemoteAddr(); addr != nil {
		ct.remoteHost = addr.String()
		if host, _, err := net.SplitHostPort(ct.remoteHost); err == nil {
			ct.remoteHost = host
		}
	}
	ct.mu.Unlock()
	ct.setState(StateConnected)
	close(ct.connected)

	go ct.readLoop(conn)
	if ct.delegate != nil {
		ct.delegate.TunnelDidOpen(ct)
	}
}

func (ct *ClientTunnel) handleWritable() {
	if ct.t != nil {
		ct.t.HandleWritable()
	}
}

// readLoop reads one frame at a time: exactly the length prefix, then exactly the payload.
func (ct *ClientTunnel) readLoop(conn transport.StreamConn) {
	header := make([]byte, tunnel.FrameHeaderLen)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			ct.loop.Post(func() { ct.handleReadError(err) })
			return
		}
		total, err := tunnel.ParseFrameHeader(header)
		if err != nil {
			ct.logger.Warn("Got a bad frame length from the tunnel server", "err", err)
			ct.loop.Post(func() { ct.closeWithError(err) })
			return
		}
		payload := make([]byte, total-tunnel.FrameHeaderLen)
		if _, err := io.ReadFull(conn, payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			ct.loop.Post(func() { ct.handleReadError(err) })
			return
		}
		ok := ct.loop.Do(func() {
			if ct.t.IsClosed() {
				return
			}
			if !ct.t.HandlePacket(payload) {
				ct.t.CloseWithError(tunnel.ErrInvalidMessage)
			}
		})
		if !ok {
			return
		}
	}
}

func (ct *ClientTunnel) handleReadError(err error) {
	if ct.t == nil || ct.t.IsClosed() {
		return
	}
	ct.setState(StateDisconnected)
	if errors.Is(err, io.EOF) {
		ct.logger.Debug("Got EOF on the tunnel connection")
		ct.t.Close()
		return
	}
	ct.logger.Debug("Got an error on the tunnel connection", "err", err)
	ct.closeWithError(err)
}

// HandleMessage implements [tunnel.Handler].
func (ct *ClientTunnel) HandleMessage(cmd tunnel.Command, msg tunnel.Message, conn tunnel.Connection) bool {
	switch cmd {
	case tunnel.CommandOpenResult:
		code, ok := msg.Int(tunnel.KeyResultCode)
		if conn == nil || !ok || !tunnel.OpenResult(code).Valid() {
			id, _ := msg.Identifier()
			ct.logger.Warn("Got an invalid OpenResult", "id", id, "result-code", msg[tunnel.KeyResultCode])
			return false
		}
		conn.HandleOpenCompleted(tunnel.OpenResult(code), msg)
	case tunnel.CommandFetchConfiguration:
		configuration, ok := msg.Dict(tunnel.KeyConfiguration)
		if !ok {
			break
		}
		for _, w := range ct.configWaiters {
			w <- configuration
		}
		ct.configWaiters = nil
		if ct.delegate != nil {
			ct.delegate.TunnelDidSendConfiguration(ct, configuration)
		}
	case tunnel.CommandDNS:
		id, _ := msg.Identifier()
		ch, ok := ct.queries[id]
		if !ok {
			ct.logger.Debug("Ignoring DNS answer for an unknown query", "id", id)
			break
		}
		delete(ct.queries, id)
		packet, _ := msg.Bytes(tunnel.KeyDNSPacket)
		source, _ := msg.Text(tunnel.KeyDNSPacketSource)
		ch <- dnsAnswer{packet: packet, source: source}
	case tunnel.CommandData, tunnel.CommandSuspend, tunnel.CommandResume, tunnel.CommandClose, tunnel.CommandPackets:
		id, _ := msg.Identifier()
		ct.logger.Debug("Ignoring message for an unknown connection", "command", cmd, "id", id)
	default:
		ct.logger.Warn("Tunnel received an invalid command", "command", cmd)
		return false
	}
	return true
}

// tunnelEvents receives the notifications of the protocol engine.
type tunnelEvents struct {
	ct *ClientTunnel
}

func (e tunnelEvents) TunnelDidOpen(t *tunnel.Tunnel)                                      {}
func (e tunnelEvents) TunnelDidSendConfiguration(t *tunnel.Tunnel, config map[string]any) {}

func (e tunnelEvents) TunnelDidClose(t *tunnel.Tunnel, err error) {
	e.ct.finish(err)
}

// finish moves the tunnel to its final state. It runs on the loop, or in place of it when the loop never started.
func (ct *ClientTunnel) finish(err error) {
	ct.mu.Lock()
	if ct.state == StateCancelled {
		ct.mu.Unlock()
		return
	}
	if err != nil {
		ct.lastError = err
	}
	cancel := ct.cancelDial
	ct.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if ct.State() != StateDisconnected {
		ct.setState(StateDisconnected)
	}
	ct.setState(StateCancelled)

	clear(ct.queries)
	ct.configWaiters = nil
	// Posts fail once done is closed.
	ct.loop.Close()
	close(ct.done)
	if ct.delegate != nil {
		ct.delegate.TunnelDidClose(ct, ct.LastError())
	}
}

func (ct *ClientTunnel) setState(s State) {
	ct.mu.Lock()
	ct.state = s
	ct.mu.Unlock()
	ct.logger.Debug("Tunnel connection state changed", "state", s)
}

// State returns the current state of the connection to the server.
func (ct *ClientTunnel) State() State {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.state
}

// LastError returns the error the tunnel was closed with, if any.
func (ct *ClientTunnel) LastError() error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.lastError
}

// RemoteHost returns the host of the server once connected.
func (ct *ClientTunnel) RemoteHost() string {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.remoteHost
}

// Done is closed once the tunnel is closed.
func (ct *ClientTunnel) Done() <-chan struct{} {
	return ct.done
}

// Close closes the tunnel and all its connections.
func (ct *ClientTunnel) Close() error {
	ct.CloseWithError(nil)
	return nil
}

// CloseWithError closes the tunnel, recording err as its last error.
func (ct *ClientTunnel) CloseWithError(err error) {
	ct.mu.Lock()
	if ct.state == StateIdle {
		ct.lastError = err
		ct.state = StateCancelled
		ct.mu.Unlock()
		close(ct.done)
		ct.loop.Close()
		return
	}
	ct.mu.Unlock()
	ct.loop.Post(func() { ct.closeWithError(err) })
}

func (ct *ClientTunnel) closeWithError(err error) {
	if ct.t == nil {
		ct.finish(err)
		return
	}
	if err != nil {
		ct.mu.Lock()
		ct.lastError = err
		ct.mu.Unlock()
	}
	ct.t.CloseWithError(err)
}

// closedErr is the error reported by operations on a closed tunnel.
func (ct *ClientTunnel) closedErr() error {
	if err := ct.LastError(); err != nil {
		return fmt.Errorf("%w: %w", ErrBadConnection, err)
	}
	return ErrBadConnection
}

// waitConnected blocks until the tunnel is connected.
func (ct *ClientTunnel) waitConnected(ctx context.Context) error {
	select {
	case <-ct.connected:
		return nil
	case <-ct.done:
		return ct.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do runs fn on the loop with the open tunnel.
func (ct *ClientTunnel) do(fn func(t *tunnel.Tunnel) error) error {
	var err error
	ran := ct.loop.Do(func() {
		if ct.t == nil || ct.t.IsClosed() {
			err = ct.closedErr()
			return
		}
		err = fn(ct.t)
	})
	if !ran {
		return ct.closedErr()
	}
	return err
}

// newIdentifier picks a random identifier no connection of the tunnel uses. It must run on the loop.
func (ct *ClientTunnel) newIdentifier() int {
	for {
		id := rand.IntN(math.MaxInt32) + 1
		if _, used := ct.t.Connection(id); !used {
			return id
		}
	}
}

// SendFetchConfiguration asks the server for its configuration. The answer goes to the delegate.
func (ct *ClientTunnel) SendFetchConfiguration() {
	ct.loop.Post(func() {
		if ct.t == nil || ct.t.IsClosed() {
			return
		}
		if err := ct.t.SendMessage(tunnel.NewMessage(0, tunnel.CommandFetchConfiguration, nil)); err != nil {
			ct.logger.Warn("Failed to send a fetch configuration message", "err", err)
		}
	})
}

// FetchConfiguration asks the server for its configuration and waits for the answer.
func (ct *ClientTunnel) FetchConfiguration(ctx context.Context) (map[string]any, error) {
	if err := ct.waitConnected(ctx); err != nil {
		return nil, err
	}
	answer := make(chan map[string]any, 1)
	err := ct.do(func(t *tunnel.Tunnel) error {
		ct.configWaiters = append(ct.configWaiters, answer)
		return t.SendMessage(tunnel.NewMessage(0, tunnel.CommandFetchConfiguration, nil))
	})
	if err != nil {
		return nil, err
	}
	select {
	case configuration := <-answer:
		return configuration, nil
	case <-ct.done:
		return nil, ct.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

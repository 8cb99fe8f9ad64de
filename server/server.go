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
Package server implements the server side of SimpleTunnel.

A [Server] accepts tunnel connections and runs a [ServerTunnel] for each. Every logical flow the client opens is
bridged to a real endpoint:

  - app layer TCP flows to an outbound TCP connection ([TCPConnection]),
  - app layer UDP flows to a UDP socket ([UDPConnection]),
  - IP layer flows to a virtual interface with an address from the pool ([IPConnection]).

The server also answers configuration requests and forwards DNS queries to its resolvers.
*/
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/Jigsaw-Code/simpletunnel/dns"
	"github.com/Jigsaw-Code/simpletunnel/transport"
	"github.com/Jigsaw-Code/simpletunnel/transport/shadowsocks"
	"github.com/Jigsaw-Code/simpletunnel/tunnel"
	"github.com/grandcat/zeroconf"
)

// Server serves tunnel connections.
//
// Server is safe for concurrent use by multiple goroutines.
type Server struct {
	config     *Configuration
	dialer     transport.StreamDialer
	listener   transport.PacketListener
	interfaces InterfaceFactory
	forwarder  *dns.Forwarder
	cipher     *shadowsocks.Cipher
	registry   *tunnel.Registry
	logger     *slog.Logger

	mu        sync.Mutex
	closed    bool
	listeners map[net.Listener]struct{}
	published *zeroconf.Server
	tunnels   sync.WaitGroup
}

// Option configures a [Server].
type Option func(s *Server)

// WithStreamDialer sets the dialer of TCP flows and of DNS retries over TCP.
func WithStreamDialer(d transport.StreamDialer) Option {
	return func(s *Server) { s.dialer = d }
}

// WithPacketListener sets where the sockets of UDP flows and DNS queries come from.
func WithPacketListener(l transport.PacketListener) Option {
	return func(s *Server) { s.listener = l }
}

// WithInterfaceFactory sets the creator of the virtual interfaces of IP flows.
func WithInterfaceFactory(f InterfaceFactory) Option {
	return func(s *Server) { s.interfaces = f }
}

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a server for config. By default flows use the host network stack and IP flows use TUN devices.
func New(config *Configuration, options ...Option) (*Server, error) {
	if config == nil {
		return nil, errors.New("configuration must not be nil")
	}
	s := &Server{
		config:    config,
		registry:  tunnel.NewRegistry(),
		logger:    slog.Default(),
		listeners: make(map[net.Listener]struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.dialer == nil {
		s.dialer = &transport.TCPDialer{Dialer: net.Dialer{Timeout: config.Settings.DialTimeout}}
	}
	if s.listener == nil {
		s.listener = &transport.UDPListener{}
	}
	if s.interfaces == nil {
		s.interfaces = &TUNFactory{Name: config.Settings.InterfaceName}
	}
	if config.Settings.Cipher != "" {
		cipher, err := shadowsocks.NewCipher(config.Settings.Cipher, config.Settings.Password)
		if err != nil {
			return nil, err
		}
		s.cipher = cipher
	}
	if servers := config.DNSServers(); len(servers) > 0 {
		fwd, err := dns.NewForwarder(servers, s.listener, s.dialer)
		if err != nil {
			// Tunnels still work without DNS forwarding.
			s.logger.Warn("DNS forwarding disabled", "err", err)
		} else {
			s.forwarder = fwd
		}
	}
	return s, nil
}

// Registry returns the registry of the live tunnels.
func (s *Server) Registry() *tunnel.Registry { return s.registry }

// Configuration returns the server configuration.
func (s *Server) Configuration() *Configuration { return s.config }

// Serve accepts connections on l and serves a tunnel on each, until l fails or the server is closed. If the
// configuration has a cipher, l must be a [*net.TCPListener] and connections are decrypted.
func (s *Server) Serve(l net.Listener) error {
	if s.cipher != nil {
		tcpListener, ok := l.(*net.TCPListener)
		if !ok {
			return fmt.Errorf("encryption needs a TCP listener, got %T", l)
		}
		l = shadowsocks.NewListener(tcpListener, s.cipher)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return net.ErrClosed
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			return err
		}
		s.logger.Info("Accepted a new connection", "remote", conn.RemoteAddr().String())
		go s.ServeConn(conn)
	}
}

// ServeConn runs a tunnel on conn and returns once the tunnel is closed.
func (s *Server) ServeConn(conn net.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	// Register under the lock so that Close either sees the tunnel or stops it from starting.
	st, err := newServerTunnel(s, conn)
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("Failed to start tunnel", "err", err)
		conn.Close()
		return
	}
	s.tunnels.Add(1)
	s.mu.Unlock()
	defer s.tunnels.Done()
	st.run()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Publish announces the service on port over multicast DNS, as an instance of tunnel.ServiceType named after the
// host. A previous announcement is withdrawn.
func (s *Server) Publish(port int) error {
	instance, err := os.Hostname()
	if err != nil || instance == "" {
		instance = "SimpleTunnel"
	}
	published, err := zeroconf.Register(instance, tunnel.ServiceType, tunnel.ServiceDomain+".", port, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to publish network service: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		published.Shutdown()
		return net.ErrClosed
	}
	if s.published != nil {
		s.published.Shutdown()
	}
	s.published = published
	s.logger.Info("Network service published", "instance", instance, "port", port)
	return nil
}

// Close stops accepting connections, withdraws the announcement and closes every tunnel. It returns once the tunnels
// are closed.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var errs []error
	for l := range s.listeners {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.published != nil {
		s.published.Shutdown()
		s.published = nil
	}
	s.mu.Unlock()

	s.registry.CloseAll()
	s.tunnels.Wait()
	return errors.Join(errs...)
}

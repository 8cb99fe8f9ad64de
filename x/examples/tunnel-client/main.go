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

// tunnel-client connects to a tunnel server and exposes it as a local SOCKS5 proxy and, optionally, as a TUN
// interface that carries IP packets to the server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path"
	"sync"
	"syscall"

	"github.com/Jigsaw-Code/simpletunnel/client"
	"github.com/Jigsaw-Code/simpletunnel/network/tun"
	"github.com/Jigsaw-Code/simpletunnel/transport"
	"github.com/Jigsaw-Code/simpletunnel/transport/shadowsocks"
	"github.com/Jigsaw-Code/simpletunnel/tunnel"
	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s -server <host:port|service name> [flags...]\n", path.Base(os.Args[0]))
		flag.PrintDefaults()
	}
}

// tunnelEvents logs the tunnel events and opens the IP flow when a TUN interface is requested.
type tunnelEvents struct {
	tunName string
}

func (e *tunnelEvents) TunnelDidOpen(ct *client.ClientTunnel) {
	slog.Info("Tunnel connected", "server", ct.RemoteHost())
	ct.SendFetchConfiguration()
	if e.tunName != "" {
		ct.OpenIPConnection(&ipEvents{tunName: e.tunName})
	}
}

func (e *tunnelEvents) TunnelDidClose(ct *client.ClientTunnel, err error) {
	if err != nil {
		slog.Error("Tunnel closed", "err", err)
		return
	}
	slog.Info("Tunnel closed")
}

func (e *tunnelEvents) TunnelDidSendConfiguration(ct *client.ClientTunnel, configuration map[string]any) {
	slog.Debug("Got the server configuration", "configuration", configuration)
}

// ipEvents attaches a TUN interface to the IP flow once the server assigns an address.
type ipEvents struct {
	tunName string

	mu     sync.Mutex
	dev    tun.Device
	closed bool
}

func (e *ipEvents) TunnelConnectionDidOpen(c *client.IPConnection, configuration map[string]any) {
	ipv4, _ := tunnel.Message(configuration).Dict("IPv4")
	address, _ := tunnel.Message(ipv4).Text("Address")
	if address == "" {
		slog.Error("The server sent no interface address")
		c.Close()
		return
	}
	// Creating the interface blocks, so it stays off the tunnel loop.
	go func() {
		dev, err := tun.Open(tun.Config{Name: e.tunName, Address: address})
		if err != nil {
			slog.Error("Failed to create the TUN interface", "err", err)
			c.Close()
			return
		}
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			dev.Close()
			return
		}
		e.dev = dev
		e.mu.Unlock()
		slog.Info("IP tunnel ready", "interface", dev.Name(), "address", address)
		c.StartHandlingPackets(dev)
	}()
}

func (e *ipEvents) TunnelConnectionDidClose(c *client.IPConnection, err error) {
	slog.Info("IP tunnel closed", "err", err)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.dev != nil {
		e.dev.Close()
	}
}

func main() {
	os.Exit(run())
}

func run() int {
	serverFlag := flag.String("server", "", "Address (host:port) or service name of the tunnel server")
	socksFlag := flag.String("socks", "localhost:1080", "Local SOCKS5 proxy address. Empty disables the proxy")
	tunFlag := flag.String("tun", "", "Name of a TUN interface to route IP packets through the tunnel")
	cipherFlag := flag.String("cipher", "", "Cipher that encrypts the tunnel connection, such as chacha20-ietf-poly1305")
	passwordFlag := flag.String("password", "", "Password of the cipher")
	verboseFlag := flag.Bool("v", false, "Enable debug output")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verboseFlag {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(
		os.Stderr,
		&tint.Options{NoColor: !term.IsTerminal(int(os.Stderr.Fd())), Level: logLevel},
	))
	slog.SetDefault(logger)

	if *serverFlag == "" {
		flag.Usage()
		return 1
	}
	var dialer transport.StreamDialer = &transport.TCPDialer{}
	if *cipherFlag != "" {
		cipher, err := shadowsocks.NewCipher(*cipherFlag, *passwordFlag)
		if err != nil {
			slog.Error("Invalid cipher", "err", err)
			return 1
		}
		if dialer, err = shadowsocks.NewStreamDialer(dialer, cipher); err != nil {
			slog.Error("Failed to create the dialer", "err", err)
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ct := client.New(
		client.WithStreamDialer(dialer),
		client.WithDelegate(&tunnelEvents{tunName: *tunFlag}),
		client.WithLogger(logger),
	)
	if err := ct.Start(ctx, *serverFlag); err != nil {
		slog.Error("Failed to start the tunnel", "err", err)
		return 1
	}
	defer ct.Close()

	if *socksFlag != "" {
		listener, err := net.Listen("tcp", *socksFlag)
		if err != nil {
			slog.Error("Failed to listen", "address", *socksFlag, "err", err)
			return 1
		}
		defer listener.Close()
		slog.Info("SOCKS5 proxy listening", "address", listener.Addr().String())
		go func() {
			if err := ct.SOCKSServer().Serve(listener); err != nil && !errors.Is(err, net.ErrClosed) {
				slog.Error("SOCKS5 proxy stopped", "err", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
		return 0
	case <-ct.Done():
		if ct.LastError() != nil {
			return 1
		}
		return 0
	}
}

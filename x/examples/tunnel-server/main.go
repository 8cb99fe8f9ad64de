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

// tunnel-server accepts tunnel connections on a TCP port and bridges their flows to the network.
//
//	tunnel-server [-v] <port> <config>
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path"
	"strconv"
	"syscall"

	"github.com/Jigsaw-Code/simpletunnel/server"
	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags...] <port> <config>\n", path.Base(os.Args[0]))
		flag.PrintDefaults()
	}
}

func main() {
	os.Exit(run())
}

func run() int {
	verboseFlag := flag.Bool("v", false, "Enable debug output")
	noPublishFlag := flag.Bool("no-publish", false, "Do not announce the service over multicast DNS")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verboseFlag {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(
		os.Stderr,
		&tint.Options{NoColor: !term.IsTerminal(int(os.Stderr.Fd())), Level: logLevel},
	)))

	if flag.NArg() != 2 {
		flag.Usage()
		return 1
	}
	port, err := strconv.Atoi(flag.Arg(0))
	if err != nil || port <= 0 || port > 65535 {
		slog.Error("Invalid port", "port", flag.Arg(0))
		return 1
	}
	config, err := server.LoadConfiguration(flag.Arg(1))
	if err != nil {
		slog.Error("Failed to load the configuration", "path", flag.Arg(1), "err", err)
		return 1
	}

	srv, err := server.New(config)
	if err != nil {
		slog.Error("Failed to create the server", "err", err)
		return 1
	}
	listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		slog.Error("Failed to listen", "port", port, "err", err)
		return 1
	}
	slog.Info("Listening for tunnel connections", "address", listener.Addr().String())
	if !*noPublishFlag {
		if err := srv.Publish(port); err != nil {
			slog.Warn("Failed to announce the service", "err", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	served := make(chan error, 1)
	go func() { served <- srv.Serve(listener) }()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
	case err := <-served:
		if err != nil {
			slog.Error("Stopped accepting connections", "err", err)
			srv.Close()
			return 1
		}
	}
	if err := srv.Close(); err != nil {
		slog.Warn("Failed to close the server cleanly", "err", err)
	}
	return 0
}

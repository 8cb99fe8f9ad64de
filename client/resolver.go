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
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/Jigsaw-Code/simpletunnel/tunnel"
	"github.com/grandcat/zeroconf"
)

// ServiceResolver turns a tunnel server service name into a dialable "host:port" address.
type ServiceResolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// FuncServiceResolver is a [ServiceResolver] that uses the given function to resolve names.
type FuncServiceResolver func(ctx context.Context, name string) (string, error)

func (f FuncServiceResolver) Resolve(ctx context.Context, name string) (string, error) {
	return f(ctx, name)
}

// DefaultLookupTimeout bounds a multicast DNS lookup when the context has no deadline.
const DefaultLookupTimeout = 5 * time.Second

// ZeroconfResolver looks tunnel servers up with multicast DNS service discovery.
type ZeroconfResolver struct {
	// Service and Domain default to the tunnel service type in "local.".
	Service string
	Domain  string
	Timeout time.Duration
}

var _ ServiceResolver = (*ZeroconfResolver)(nil)

// Resolve looks up the service instance called name and returns the first address it announces.
func (r *ZeroconfResolver) Resolve(ctx context.Context, name string) (string, error) {
	service := r.Service
	if service == "" {
		service = tunnel.ServiceType
	}
	domain := r.Domain
	if domain == "" {
		domain = tunnel.ServiceDomain + "."
	}
	if _, ok := ctx.Deadline(); !ok {
		timeout := r.Timeout
		if timeout <= 0 {
			timeout = DefaultLookupTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return "", fmt.Errorf("failed to create mDNS resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry, 4)
	if err := resolver.Lookup(ctx, name, service, domain, entries); err != nil {
		return "", fmt.Errorf("failed to look up %q: %w", name, err)
	}
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", fmt.Errorf("service %q not found: %w", name, ctx.Err())
			}
			if addr := entryAddress(entry); addr != "" {
				return addr, nil
			}
		case <-ctx.Done():
			return "", fmt.Errorf("service %q not found: %w", name, ctx.Err())
		}
	}
}

func entryAddress(entry *zeroconf.ServiceEntry) string {
	if entry == nil || entry.Port <= 0 {
		return ""
	}
	port := strconv.Itoa(entry.Port)
	switch {
	case len(entry.AddrIPv4) > 0:
		return net.JoinHostPort(entry.AddrIPv4[0].String(), port)
	case len(entry.AddrIPv6) > 0:
		return net.JoinHostPort(entry.AddrIPv6[0].String(), port)
	}
	return ""
}

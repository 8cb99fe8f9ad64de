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

// Package ippool hands out IPv4 addresses from a contiguous range, one per IP tunnel client.
package ippool

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
)

// MaxSize is the largest number of addresses a pool can hold, a /16.
const MaxSize = 1 << 16

// ErrPoolTooLarge is returned by [New] for ranges of more than [MaxSize] addresses.
var ErrPoolTooLarge = errors.New("address pool too large")

// AddressPool is a range of IPv4 addresses that can be allocated one at a time.
//
// AddressPool is safe for concurrent use by multiple goroutines.
type AddressPool struct {
	start netip.Addr
	size  int

	mu   sync.Mutex
	used []bool
}

// New creates a pool of the addresses from start up to, but not including, end. Both must be IPv4 addresses and end
// must come after start.
func New(start, end string) (*AddressPool, error) {
	first, err := parseIPv4(start)
	if err != nil {
		return nil, err
	}
	last, err := parseIPv4(end)
	if err != nil {
		return nil, err
	}
	if last.Compare(first) <= 0 {
		return nil, fmt.Errorf("end address %v must come after start address %v", last, first)
	}
	size := int(toUint32(last) - toUint32(first))
	if size > MaxSize {
		return nil, fmt.Errorf("%w: %v to %v holds %d addresses, at most %d allowed", ErrPoolTooLarge, first, last, size, MaxSize)
	}
	return &AddressPool{start: first, size: size, used: make([]bool, size)}, nil
}

func parseIPv4(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return netip.Addr{}, errors.New("address pools only support IPv4")
	}
	return addr, nil
}

func toUint32(a netip.Addr) uint32 {
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func fromUint32(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// Size returns the number of addresses in the pool.
func (p *AddressPool) Size() int {
	return p.size
}

// Allocate reserves the lowest free address. It returns false when the pool is exhausted.
func (p *AddressPool) Allocate() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, inUse := range p.used {
		if !inUse {
			p.used[i] = true
			return fromUint32(toUint32(p.start) + uint32(i)).String(), true
		}
	}
	return "", false
}

// Deallocate returns addr to the pool. Addresses outside the pool, or not allocated, are ignored.
func (p *AddressPool) Deallocate(addr string) {
	a, err := parseIPv4(addr)
	if err != nil || a.Less(p.start) {
		return
	}
	offset := toUint32(a) - toUint32(p.start)
	if offset >= uint32(p.size) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.used[offset] = false
}

// InUse returns the number of allocated addresses.
func (p *AddressPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, inUse := range p.used {
		if inUse {
			n++
		}
	}
	return n
}

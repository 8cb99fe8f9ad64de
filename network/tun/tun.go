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

// Package tun creates virtual IP interfaces: one per IP flow on the server, and the local end of an IP flow on the
// client.
package tun

import (
	"errors"

	"github.com/Jigsaw-Code/simpletunnel/network"
)

// DefaultMTU is the MTU of the devices created by [Open].
const DefaultMTU = 1500

// Config describes a virtual interface.
type Config struct {
	// Name is the interface name. A "%d" in it is replaced by the kernel with the lowest free number, so that one
	// pattern can be used for many interfaces.
	Name string
	// Address is the IPv4 address assigned to the interface with a /32 prefix.
	Address string
	// MTU defaults to DefaultMTU.
	MTU int
}

// Device is a virtual network interface.
type Device interface {
	network.IPDevice
	// Name returns the name the kernel gave the interface.
	Name() string
}

func (c Config) validate() error {
	if c.Name == "" {
		return errors.New("name is required for TUN device")
	}
	if c.Address == "" {
		return errors.New("address is required for TUN device")
	}
	return nil
}

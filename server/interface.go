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
	"log/slog"

	"github.com/Jigsaw-Code/simpletunnel/network"
	"github.com/Jigsaw-Code/simpletunnel/network/tun"
)

// InterfaceFactory creates the virtual interface that backs an IP flow.
type InterfaceFactory interface {
	// Open creates an interface with the given IPv4 address. Closing the device removes the interface.
	Open(address string) (network.IPDevice, error)
}

// InterfaceFactoryFunc is an [InterfaceFactory] that uses the given function to open interfaces.
type InterfaceFactoryFunc func(address string) (network.IPDevice, error)

var _ InterfaceFactory = (InterfaceFactoryFunc)(nil)

// Open implements [InterfaceFactory].Open.
func (f InterfaceFactoryFunc) Open(address string) (network.IPDevice, error) {
	return f(address)
}

// TUNFactory creates TUN devices.
type TUNFactory struct {
	// Name is the interface name pattern, such as "stun%d".
	Name string
	// MTU defaults to tun.DefaultMTU.
	MTU int
}

var _ InterfaceFactory = (*TUNFactory)(nil)

// Open implements [InterfaceFactory].Open.
func (f *TUNFactory) Open(address string) (network.IPDevice, error) {
	dev, err := tun.Open(tun.Config{Name: f.Name, Address: address, MTU: f.MTU})
	if err != nil {
		return nil, err
	}
	slog.Debug("Created virtual interface", "name", dev.Name(), "address", address)
	return dev, nil
}

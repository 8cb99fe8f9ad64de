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

package tunnel

import "fmt"

const (
	// MaximumMessageSize is the largest frame, length prefix included, that a peer accepts.
	MaximumMessageSize = 128 * 1024
	// PacketSize is the largest IP packet relayed through the tunnel.
	PacketSize = 8192
	// MaximumPacketsPerMessage caps the number of packets in one Packets message.
	MaximumPacketsPerMessage = 32

	// ServiceType is the DNS-SD service type the server announces.
	ServiceType = "_tunnelserver._tcp"
	// ServiceDomain is the DNS-SD domain the server announces in.
	ServiceDomain = "local"
)

// Command selects the meaning of a message.
type Command int

const (
	CommandData               Command = 1
	CommandSuspend            Command = 2
	CommandResume             Command = 3
	CommandClose              Command = 4
	CommandDNS                Command = 5
	CommandOpen               Command = 6
	CommandOpenResult         Command = 7
	CommandPackets            Command = 8
	CommandFetchConfiguration Command = 9
)

// Valid reports whether c is one of the known commands.
func (c Command) Valid() bool {
	return c >= CommandData && c <= CommandFetchConfiguration
}

func (c Command) String() string {
	switch c {
	case CommandData:
		return "Data"
	case CommandSuspend:
		return "Suspend"
	case CommandResume:
		return "Resume"
	case CommandClose:
		return "Close"
	case CommandDNS:
		return "DNS"
	case CommandOpen:
		return "Open"
	case CommandOpenResult:
		return "OpenResult"
	case CommandPackets:
		return "Packets"
	case CommandFetchConfiguration:
		return "FetchConfiguration"
	default:
		return fmt.Sprintf("Command(%d)", int(c))
	}
}

// CloseDirection says which halves of a connection are closed.
type CloseDirection int

const (
	CloseNone  CloseDirection = 1
	CloseRead  CloseDirection = 2
	CloseWrite CloseDirection = 3
	CloseAll   CloseDirection = 4
)

func (d CloseDirection) Valid() bool {
	return d >= CloseNone && d <= CloseAll
}

func (d CloseDirection) String() string {
	switch d {
	case CloseNone:
		return "none"
	case CloseRead:
		return "reads"
	case CloseWrite:
		return "writes"
	case CloseAll:
		return "reads and writes"
	default:
		return fmt.Sprintf("CloseDirection(%d)", int(d))
	}
}

// OpenResult is the outcome of an Open request, carried by OpenResult messages.
type OpenResult int

const (
	OpenSuccess OpenResult = iota
	OpenInvalidParam
	OpenNoSuchHost
	OpenRefused
	OpenTimeout
	OpenInternalError
)

func (r OpenResult) Valid() bool {
	return r >= OpenSuccess && r <= OpenInternalError
}

func (r OpenResult) String() string {
	switch r {
	case OpenSuccess:
		return "success"
	case OpenInvalidParam:
		return "invalid parameter"
	case OpenNoSuchHost:
		return "no such host"
	case OpenRefused:
		return "refused"
	case OpenTimeout:
		return "timeout"
	case OpenInternalError:
		return "internal error"
	default:
		return fmt.Sprintf("OpenResult(%d)", int(r))
	}
}

// Layer is the layer at which an Open request tunnels traffic.
type Layer int

const (
	LayerApp Layer = 0
	LayerIP  Layer = 1
)

// FlowKind is the socket type of an app layer connection.
type FlowKind int

const (
	FlowTCP FlowKind = 1
	FlowUDP FlowKind = 3
)

// Address family numbers used in the "protocols" list of Packets messages. They follow the BSD values so that
// packets can be exchanged with peers that copy them straight from a utun header.
const (
	ProtocolIPv4 = 2
	ProtocolIPv6 = 30
)

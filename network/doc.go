// Copyright 2023 The Outline Authors
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
The network package defines interfaces and utilities for network layer (OSI layer 3) functionalities. The [IPDevice]
interface reads and writes IP packets from a physical or virtual network device, and [ParseIPHeader] inspects the
packets relayed by an IP tunnel.

The sub-packages allocate tunnel addresses ([network/ippool]) and create virtual interfaces ([network/tun]).
*/
package network

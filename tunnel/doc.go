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
Package tunnel implements the SimpleTunnel protocol engine shared by clients and servers.

A tunnel carries many logical connections over a single byte stream. Each unit on the wire is a frame:

	 0 1 2 3 4 ... Length
	+-------+------------+
	|Length | Payload    |
	+-------+------------+

Length is a big-endian uint32 that counts itself and the payload. The payload is a msgpack map, represented in Go as a
[Message]. Every message has an "identifier" naming the logical connection (0 for tunnel-level commands) and a
"command" selecting one of the [Command] values.

The [Tunnel] type owns the connection registry, the outbound queue and the dispatch logic. It is role agnostic: the
client and server packages plug their behavior in through [Handler] and embed [ConnBase] in their connection types.

A Tunnel and its connections are not safe for concurrent use. Callers are expected to run every event of a tunnel on a
single goroutine, typically an event loop.
*/
package tunnel

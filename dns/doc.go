// Copyright 2023 Jigsaw Operations LLC
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
Package dns forwards the DNS queries that clients send through a tunnel.

A tunnel DNS message carries a complete DNS query in wire format. The server hands it to a [Forwarder], which sends it
to the configured resolvers in turn:

  - [DNS-over-UDP]: the first attempt for every resolver, on port 53 unless the address says otherwise.
  - [DNS-over-TCP]: used when the UDP response comes back truncated.

The answer is returned unchanged, along with the address of the resolver that produced it.

[SystemConfig] reads the resolvers and search domains of the host, which are the defaults advertised to clients.

[DNS-over-UDP]: https://datatracker.ietf.org/doc/html/rfc1035#section-4.2.1
[DNS-over-TCP]: https://datatracker.ietf.org/doc/html/rfc7766
*/
package dns

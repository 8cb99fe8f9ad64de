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
	"errors"

	"github.com/Jigsaw-Code/simpletunnel/tunnel"
)

// QueryDNS sends a DNS query in wire format to the server's resolvers. It returns the answer and the "host:port" of
// the resolver that gave it.
//
// The server drops queries it can't answer, so ctx should carry a deadline.
func (ct *ClientTunnel) QueryDNS(ctx context.Context, query []byte) ([]byte, string, error) {
	if len(query) == 0 {
		return nil, "", errors.New("empty DNS query")
	}
	if err := ct.waitConnected(ctx); err != nil {
		return nil, "", err
	}
	answer := make(chan dnsAnswer, 1)
	var id int
	err := ct.do(func(t *tunnel.Tunnel) error {
		ct.nextQueryID++
		id = ct.nextQueryID
		ct.queries[id] = answer
		err := t.SendMessage(tunnel.NewMessage(id, tunnel.CommandDNS, tunnel.Message{tunnel.KeyDNSPacket: query}))
		if err != nil {
			delete(ct.queries, id)
		}
		return err
	})
	if err != nil {
		return nil, "", err
	}

	select {
	case a := <-answer:
		return a.packet, a.source, nil
	case <-ct.done:
		return nil, "", ct.closedErr()
	case <-ctx.Done():
		ct.loop.Post(func() { delete(ct.queries, id) })
		return nil, "", ctx.Err()
	}
}

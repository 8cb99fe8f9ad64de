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

package dns

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/net/dns/dnsmessage"
)

const maxMsgSize = 65535

// ErrInvalidQuery is returned when the bytes to forward are not a DNS query.
var ErrInvalidQuery = errors.New("invalid DNS query")

// query is a parsed view of a wire format request.
type query struct {
	id       uint16
	question dnsmessage.Question
	raw      []byte
}

func parseQuery(raw []byte) (*query, error) {
	if len(raw) > maxMsgSize {
		return nil, fmt.Errorf("%w: message too large: %v bytes", ErrInvalidQuery, len(raw))
	}
	var p dnsmessage.Parser
	hdr, err := p.Start(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}
	if hdr.Response {
		return nil, fmt.Errorf("%w: response bit set", ErrInvalidQuery)
	}
	q, err := p.Question()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}
	return &query{id: hdr.ID, question: q, raw: raw}, nil
}

func equalASCIIName(x, y dnsmessage.Name) bool {
	if x.Length != y.Length {
		return false
	}
	for i := 0; i < int(x.Length); i++ {
		a := x.Data[i]
		b := y.Data[i]
		if 'A' <= a && a <= 'Z' {
			a += 0x20
		}
		if 'A' <= b && b <= 'Z' {
			b += 0x20
		}
		if a != b {
			return false
		}
	}
	return true
}

// checkResponse parses the header and question of resp and validates them against q. It returns the response header.
func checkResponse(q *query, resp []byte) (dnsmessage.Header, error) {
	var p dnsmessage.Parser
	respHdr, err := p.Start(resp)
	if err != nil {
		return respHdr, fmt.Errorf("failed to unpack DNS response: %w", err)
	}
	if !respHdr.Response {
		return respHdr, errors.New("response bit not set")
	}

	// https://datatracker.ietf.org/doc/html/rfc5452#section-4.3
	if q.id != respHdr.ID {
		return respHdr, fmt.Errorf("message id does not match. Expected %v, got %v", q.id, respHdr.ID)
	}

	// https://datatracker.ietf.org/doc/html/rfc5452#section-4.2
	respQ, err := p.Question()
	if err != nil {
		return respHdr, fmt.Errorf("no questions in response: %w", err)
	}
	if q.question.Type != respQ.Type || q.question.Class != respQ.Class || !equalASCIIName(q.question.Name, respQ.Name) {
		return respHdr, errors.New("response question doesn't match request")
	}
	return respHdr, nil
}

// Implements a DNS exchange over a stream protocol. It frames the messages by prepending them with a 2-byte length prefix.
func dnsStreamRoundtrip(conn io.ReadWriter, q *query) ([]byte, error) {
	buf := make([]byte, 2, 2+len(q.raw))
	binary.BigEndian.PutUint16(buf, uint16(len(q.raw)))
	buf = append(buf, q.raw...)
	if _, err := conn.Write(buf); err != nil {
		return nil, fmt.Errorf("failed to write message: %w", err)
	}
	var msgLen uint16
	if err := binary.Read(conn, binary.BigEndian, &msgLen); err != nil {
		return nil, fmt.Errorf("failed to read message length: %w", err)
	}
	resp := make([]byte, msgLen)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	if _, err := checkResponse(q, resp); err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}
	return resp, nil
}

// Implements a DNS exchange over a datagram protocol. Datagrams from other addresses, or that do not answer q, are
// skipped. The returned header tells whether the response was truncated.
func dnsPacketRoundtrip(conn net.PacketConn, server net.Addr, q *query) ([]byte, dnsmessage.Header, error) {
	if _, err := conn.WriteTo(q.raw, server); err != nil {
		return nil, dnsmessage.Header{}, fmt.Errorf("failed to write message: %w", err)
	}
	buf := make([]byte, maxMsgSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			return nil, dnsmessage.Header{}, fmt.Errorf("failed to read message: %w", err)
		}
		if from.String() != server.String() {
			continue
		}
		hdr, err := checkResponse(q, buf[:n])
		if err != nil {
			continue
		}
		return append([]byte(nil), buf[:n]...), hdr, nil
	}
}

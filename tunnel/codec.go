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

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/cryptobyte"
)

// FrameHeaderLen is the size of the length prefix.
const FrameHeaderLen = 4

// EncodeMessage serializes m into a complete frame, length prefix included.
func EncodeMessage(m Message) ([]byte, error) {
	payload, err := msgpack.Marshal(map[string]any(m))
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message: %w", err)
	}
	total := FrameHeaderLen + len(payload)
	if total > MaximumMessageSize {
		return nil, fmt.Errorf("frame of %d bytes: %w", total, ErrMessageTooLarge)
	}
	b := cryptobyte.NewBuilder(make([]byte, 0, total))
	b.AddUint32(uint32(total))
	b.AddBytes(payload)
	return b.Bytes()
}

// DecodeMessage parses a frame payload, without its length prefix.
func DecodeMessage(payload []byte) (Message, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, errors.Join(ErrInvalidMessage, err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: payload is not a dictionary", ErrInvalidMessage)
	}
	return Message(m), nil
}

// ParseFrameHeader returns the total frame length announced by a length prefix. hdr must hold at least
// FrameHeaderLen bytes.
func ParseFrameHeader(hdr []byte) (int, error) {
	s := cryptobyte.String(hdr)
	var total uint32
	if !s.ReadUint32(&total) {
		return 0, fmt.Errorf("%w: short header", ErrMalformedFrame)
	}
	if total > MaximumMessageSize {
		return 0, fmt.Errorf("frame of %d bytes: %w", total, ErrMessageTooLarge)
	}
	if total < FrameHeaderLen {
		return 0, fmt.Errorf("%w: length %d", ErrMalformedFrame, total)
	}
	return int(total), nil
}

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
	"maps"
	"math"
)

// Message keys.
const (
	KeyIdentifier      = "identifier"
	KeyCommand         = "command"
	KeyData            = "data"
	KeyCloseDirection  = "close-type"
	KeyDNSPacket       = "dns-packet"
	KeyDNSPacketSource = "dns-packet-source"
	KeyResultCode      = "result-code"
	KeyTunnelType      = "tunnel-type"
	KeyHost            = "host"
	KeyPort            = "port"
	KeyConfiguration   = "configuration"
	KeyPackets         = "packets"
	KeyProtocols       = "protocols"
	KeyAppProxyFlow    = "app-proxy-flow-type"
)

// Message is the dictionary carried by one frame.
//
// Values decoded from the wire come in whatever concrete type the decoder picked, so read them through the typed
// accessors rather than with type assertions.
type Message map[string]any

// NewMessage creates a message for the connection id with the given command and extra properties.
func NewMessage(id int, cmd Command, extra Message) Message {
	m := make(Message, len(extra)+2)
	maps.Copy(m, extra)
	m[KeyIdentifier] = id
	m[KeyCommand] = int(cmd)
	return m
}

// Identifier returns the connection identifier, if present.
func (m Message) Identifier() (int, bool) {
	return m.Int(KeyIdentifier)
}

// Command returns the message command. ok is false if the command is missing, not an integer or unknown.
func (m Message) Command() (cmd Command, ok bool) {
	v, ok := m.Int(KeyCommand)
	if !ok {
		return 0, false
	}
	cmd = Command(v)
	return cmd, cmd.Valid()
}

// Int returns the integer stored under key.
func (m Message) Int(key string) (int, bool) {
	return toInt(m[key])
}

// Text returns the string stored under key.
func (m Message) Text(key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

// Bytes returns the byte string stored under key.
func (m Message) Bytes(key string) ([]byte, bool) {
	b, ok := m[key].([]byte)
	return b, ok
}

// Dict returns the nested dictionary stored under key.
func (m Message) Dict(key string) (map[string]any, bool) {
	return toDict(m[key])
}

// ByteList returns the list of byte strings stored under key. It fails if any element is not a byte string.
func (m Message) ByteList(key string) ([][]byte, bool) {
	switch v := m[key].(type) {
	case [][]byte:
		return v, true
	case []any:
		out := make([][]byte, len(v))
		for i, e := range v {
			b, ok := e.([]byte)
			if !ok {
				return nil, false
			}
			out[i] = b
		}
		return out, true
	default:
		return nil, false
	}
}

// IntList returns the list of integers stored under key. It fails if any element is not an integer.
func (m Message) IntList(key string) ([]int, bool) {
	switch v := m[key].(type) {
	case []int:
		return v, true
	case []any:
		out := make([]int, len(v))
		for i, e := range v {
			n, ok := toInt(e)
			if !ok {
				return nil, false
			}
			out[i] = n
		}
		return out, true
	default:
		return nil, false
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint:
		if n > math.MaxInt {
			return 0, false
		}
		return int(n), true
	case uint64:
		if n > math.MaxInt {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

func toDict(v any) (map[string]any, bool) {
	switch d := v.(type) {
	case map[string]any:
		return d, true
	case Message:
		return d, true
	case map[any]any:
		out := make(map[string]any, len(d))
		for k, e := range d {
			s, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[s] = e
		}
		return out, true
	default:
		return nil, false
	}
}

// CloneDict returns a deep copy of a configuration dictionary. Nested dictionaries and lists are copied, leaves are
// shared.
func CloneDict(d map[string]any) map[string]any {
	if d == nil {
		return nil
	}
	out := make(map[string]any, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	if d, ok := toDict(v); ok {
		return CloneDict(d)
	}
	if l, ok := v.([]any); ok {
		out := make([]any, len(l))
		for i, e := range l {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}

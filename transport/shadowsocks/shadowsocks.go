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

// Package shadowsocks encrypts tunnel transports with a Shadowsocks AEAD cipher.
//
// Unlike a Shadowsocks proxy, there is no target address in the stream: the encrypted connection carries the tunnel
// protocol as is, so both ends must be configured with the same cipher and password.
package shadowsocks

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/Jigsaw-Code/simpletunnel/transport"
	"github.com/shadowsocks/go-shadowsocks2/core"
)

// Cipher is a Shadowsocks AEAD cipher keyed with a password.
type Cipher struct {
	name   string
	cipher core.Cipher
}

// NewCipher creates a cipher by name, such as "chacha20-ietf-poly1305" or "AEAD_AES_256_GCM".
func NewCipher(name, password string) (*Cipher, error) {
	if password == "" {
		return nil, errors.New("password must not be empty")
	}
	c, err := core.PickCipher(name, nil, password)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher %q: %w", name, err)
	}
	return &Cipher{name: name, cipher: c}, nil
}

func (c *Cipher) String() string { return c.name }

// WrapConn encrypts conn. The result keeps the half-close methods of conn.
func (c *Cipher) WrapConn(conn transport.StreamConn) transport.StreamConn {
	enc := c.cipher.StreamConn(conn)
	return &streamConn{StreamConn: transport.WrapConn(conn, enc, enc), enc: enc}
}

type streamConn struct {
	transport.StreamConn
	enc net.Conn
}

// Close goes through the cipher layer so it can release its state.
func (c *streamConn) Close() error {
	return c.enc.Close()
}

type streamDialer struct {
	dialer transport.StreamDialer
	cipher *Cipher
}

var _ transport.StreamDialer = (*streamDialer)(nil)

// NewStreamDialer creates a [transport.StreamDialer] that encrypts the connections made by dialer.
func NewStreamDialer(dialer transport.StreamDialer, cipher *Cipher) (transport.StreamDialer, error) {
	if dialer == nil {
		return nil, errors.New("argument dialer must not be nil")
	}
	if cipher == nil {
		return nil, errors.New("argument cipher must not be nil")
	}
	return &streamDialer{dialer: dialer, cipher: cipher}, nil
}

// DialStream implements [transport.StreamDialer].DialStream.
func (d *streamDialer) DialStream(ctx context.Context, raddr string) (transport.StreamConn, error) {
	conn, err := d.dialer.DialStream(ctx, raddr)
	if err != nil {
		return nil, err
	}
	return d.cipher.WrapConn(conn), nil
}

type listener struct {
	*net.TCPListener
	cipher *Cipher
}

// NewListener returns a listener whose accepted connections are decrypted with cipher. The connections are
// [transport.StreamConn] values.
func NewListener(l *net.TCPListener, cipher *Cipher) net.Listener {
	return &listener{TCPListener: l, cipher: cipher}
}

// Accept implements [net.Listener].Accept.
func (l *listener) Accept() (net.Conn, error) {
	conn, err := l.TCPListener.AcceptTCP()
	if err != nil {
		return nil, err
	}
	return l.cipher.WrapConn(conn), nil
}

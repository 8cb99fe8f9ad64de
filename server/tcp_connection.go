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
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/Jigsaw-Code/simpletunnel/internal/eventloop"
	"github.com/Jigsaw-Code/simpletunnel/transport"
	"github.com/Jigsaw-Code/simpletunnel/tunnel"
)

const (
	tcpReadBufferSize = 8192
	// tcpWriteBufferLimit is how much client data is buffered for the socket before the client is told to suspend.
	tcpWriteBufferLimit = 64 * 1024
	// tcpLinger bounds how long a half-closed socket keeps flushing after the flow is gone.
	tcpLinger = 30 * time.Second
)

// TCPConnection bridges an app layer TCP flow to an outbound TCP connection.
type TCPConnection struct {
	tunnel.ConnBase
	st *ServerTunnel

	cancelDial context.CancelFunc
	conn       transport.StreamConn
	writer     *transport.NonBlockingWriter
	gate       *eventloop.Gate

	readStopped bool
	writeShut   bool
	released    bool
	aborted     bool
}

var _ tunnel.Connection = (*TCPConnection)(nil)

func newTCPConnection(id int, st *ServerTunnel) *TCPConnection {
	return &TCPConnection{ConnBase: tunnel.NewConnBase(id), st: st, gate: eventloop.NewGate()}
}

// open dials host:port in the background. The OpenResult is sent once the dial completes.
func (c *TCPConnection) open(host string, port int) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	c.st.logger.Debug("Connection connecting", "id", c.ID(), "address", addr)
	ctx, cancel := context.WithTimeout(c.st.ctx, c.st.srv.config.Settings.DialTimeout)
	c.cancelDial = cancel
	go func() {
		defer cancel()
		conn, err := c.st.srv.dialer.DialStream(ctx, addr)
		if !c.st.loop.Post(func() { c.handleDialed(conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

func (c *TCPConnection) handleDialed(conn transport.StreamConn, err error) {
	t := c.Tunnel()
	if t == nil || c.IsClosedCompletely() {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		result := openResultFor(err)
		c.st.logger.Debug("Connection failed to open", "id", c.ID(), "result", result, "err", err)
		t.SendOpenResult(c.ID(), result, nil)
		t.SendClose(c.ID(), tunnel.CloseAll)
		c.Abort(err)
		return
	}
	writer, err := transport.NewNonBlockingWriter(conn,
		transport.WithBufferLimit(tcpWriteBufferLimit),
		transport.WithWritableFunc(func() { c.st.loop.Post(c.handleWritable) }),
		transport.WithErrorFunc(func(err error) {
			c.st.loop.Post(func() { c.handleWriteError(err) })
		}))
	if err != nil {
		conn.Close()
		t.SendOpenResult(c.ID(), tunnel.OpenInternalError, nil)
		t.SendClose(c.ID(), tunnel.CloseAll)
		c.Abort(err)
		return
	}
	c.conn = conn
	c.writer = writer
	t.SendOpenResult(c.ID(), tunnel.OpenSuccess, nil)
	go c.readLoop(conn)
}

// openResultFor maps a dial error to the result reported to the client.
func openResultFor(err error) tunnel.OpenResult {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return tunnel.OpenTimeout
		}
		return tunnel.OpenNoSuchHost
	}
	var addrErr *net.AddrError
	var parseErr *net.ParseError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, syscall.ETIMEDOUT):
		return tunnel.OpenTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return tunnel.OpenRefused
	case errors.As(err, &addrErr), errors.As(err, &parseErr), errors.Is(err, syscall.EINVAL), errors.Is(err, syscall.EADDRNOTAVAIL):
		return tunnel.OpenInvalidParam
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return tunnel.OpenTimeout
	}
	return tunnel.OpenInternalError
}

func (c *TCPConnection) readLoop(conn transport.StreamConn) {
	buf := make([]byte, tcpReadBufferSize)
	for {
		if err := c.gate.Wait(nil); err != nil {
			return
		}
		n, err := conn.Read(buf)
		if n > 0 {
			if !c.st.loop.Do(func() { c.handleRead(buf[:n]) }) {
				return
			}
		}
		if err != nil {
			c.st.loop.Post(func() { c.handleReadError(err) })
			return
		}
	}
}

func (c *TCPConnection) handleRead(data []byte) {
	t := c.Tunnel()
	if t == nil || c.IsClosedForRead() {
		return
	}
	t.SendData(c.ID(), data)
}

func (c *TCPConnection) handleReadError(err error) {
	if c.IsClosedForRead() {
		return
	}
	t := c.Tunnel()
	if errors.Is(err, io.EOF) {
		c.st.logger.Debug("Connection got EOF, sending close", "id", c.ID())
		if t != nil {
			t.SendClose(c.ID(), tunnel.CloseWrite)
		}
		c.CloseConnection(tunnel.CloseRead)
		return
	}
	c.st.logger.Debug("Connection read failed", "id", c.ID(), "err", err)
	if t != nil {
		t.SendClose(c.ID(), tunnel.CloseAll)
	}
	c.Abort(err)
}

// SendData writes data from the client to the socket. What the socket does not take is kept in Saved, and the
// client is asked to suspend the flow until it drains.
func (c *TCPConnection) SendData(data []byte) {
	if c.writer == nil || c.IsClosedForWrite() {
		return
	}
	written := 0
	if c.Saved.IsEmpty() {
		n, err := c.writer.Write(data)
		if err != nil {
			c.handleWriteError(err)
			return
		}
		written = n
		if written < len(data) {
			if t := c.Tunnel(); t != nil {
				t.SendSuspend(c.ID())
			}
		}
	}
	if written < len(data) {
		c.Saved.Append(data, written)
	}
}

func (c *TCPConnection) handleWritable() {
	if c.writer == nil || c.aborted || c.Saved.IsEmpty() {
		return
	}
	if err := c.Saved.Flush(c.writer); err != nil {
		c.handleWriteError(err)
		return
	}
	if !c.Saved.IsEmpty() {
		return
	}
	if c.IsClosedForWrite() {
		c.CloseConnection(tunnel.CloseWrite)
	} else if t := c.Tunnel(); t != nil {
		t.SendResume(c.ID())
	}
}

func (c *TCPConnection) handleWriteError(err error) {
	if c.aborted {
		return
	}
	t := c.Tunnel()
	if c.writeShut || errors.Is(err, syscall.EPIPE) {
		// The peer stopped reading: the client can't send more, but data may still flow back.
		c.st.logger.Debug("Connection write side closed by peer", "id", c.ID(), "err", err)
		if t != nil && !c.IsClosedForWrite() {
			t.SendClose(c.ID(), tunnel.CloseRead)
		}
		c.Saved.Clear()
		c.CloseConnection(tunnel.CloseWrite)
		return
	}
	c.st.logger.Debug("Connection write failed", "id", c.ID(), "err", err)
	if t != nil {
		t.SendClose(c.ID(), tunnel.CloseAll)
	}
	c.Abort(err)
}

func (c *TCPConnection) Suspend() {
	c.gate.Close()
}

func (c *TCPConnection) Resume() {
	c.gate.Open()
}

// CloseConnection closes the socket directions that are closed on the flow. The write side is only shut down once
// the saved data is written.
func (c *TCPConnection) CloseConnection(dir tunnel.CloseDirection) {
	c.ConnBase.CloseConnection(dir)
	if c.conn == nil {
		if c.IsClosedCompletely() && c.cancelDial != nil {
			c.cancelDial()
		}
		return
	}
	if c.IsClosedForRead() && !c.readStopped {
		c.readStopped = true
		c.gate.Stop()
		c.conn.CloseRead()
	}
	if c.aborted {
		c.release(false)
		return
	}
	if c.IsClosedForWrite() && c.Saved.IsEmpty() && !c.writeShut {
		c.writeShut = true
		c.writer.CloseWrite()
	}
	if c.IsClosedCompletely() && c.writeShut {
		c.release(true)
	}
}

func (c *TCPConnection) Abort(err error) {
	c.ConnBase.Abort(err)
	c.aborted = true
	c.CloseConnection(tunnel.CloseAll)
}

// release closes the socket, after the writer is done flushing if linger is set.
func (c *TCPConnection) release(linger bool) {
	if c.released {
		return
	}
	c.released = true
	c.gate.Stop()
	w := c.writer
	if !linger {
		w.Close()
		return
	}
	go func() {
		timer := time.NewTimer(tcpLinger)
		defer timer.Stop()
		select {
		case <-w.Done():
		case <-timer.C:
		}
		w.Close()
	}()
}

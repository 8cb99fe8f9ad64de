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
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/Jigsaw-Code/simpletunnel/internal/deadline"
	"github.com/Jigsaw-Code/simpletunnel/internal/eventloop"
	"github.com/Jigsaw-Code/simpletunnel/transport"
	"github.com/Jigsaw-Code/simpletunnel/tunnel"
)

const (
	// readHighWater is how much unread data makes the client ask the server to suspend the flow.
	readHighWater = 256 * 1024
	readLowWater  = 64 * 1024
)

// TCPConn is a TCP flow through the tunnel. It implements [transport.StreamConn].
type TCPConn struct {
	tunnel.ConnBase
	ct      *ClientTunnel
	address string

	// Loop state.
	openDone  bool
	abandoned bool

	opened    chan tunnel.OpenResult
	writeGate *eventloop.Gate

	mu            sync.Mutex
	received      tunnel.SavedData
	readErr       error
	writeErr      error
	readSuspended bool
	readable      chan struct{}
	closed        chan struct{}
	closeOnce     sync.Once

	readDeadline  *deadline.Timer
	writeDeadline *deadline.Timer
}

var (
	_ tunnel.Connection    = (*TCPConn)(nil)
	_ transport.StreamConn = (*TCPConn)(nil)
)

// DialTCP opens a TCP flow to host:port through the server. It waits for the tunnel to connect and for the server to
// reach the destination. A refusal by the server is returned as an [*OpenError].
func (ct *ClientTunnel) DialTCP(ctx context.Context, host string, port int) (*TCPConn, error) {
	if err := ct.waitConnected(ctx); err != nil {
		return nil, err
	}
	c := &TCPConn{
		ct:            ct,
		address:       net.JoinHostPort(host, strconv.Itoa(port)),
		opened:        make(chan tunnel.OpenResult, 1),
		writeGate:     eventloop.NewGate(),
		readable:      make(chan struct{}, 1),
		closed:        make(chan struct{}),
		readDeadline:  deadline.New(),
		writeDeadline: deadline.New(),
	}
	err := ct.do(func(t *tunnel.Tunnel) error {
		c.ConnBase = tunnel.NewConnBase(ct.newIdentifier())
		t.AddConnection(c)
		err := t.SendMessage(tunnel.NewMessage(c.ID(), tunnel.CommandOpen, tunnel.Message{
			tunnel.KeyTunnelType:   int(tunnel.LayerApp),
			tunnel.KeyHost:         host,
			tunnel.KeyPort:         port,
			tunnel.KeyAppProxyFlow: int(tunnel.FlowTCP),
		}))
		if err != nil {
			c.CloseConnection(tunnel.CloseAll)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	var result tunnel.OpenResult
	select {
	case result = <-c.opened:
	case <-c.closed:
		// A failed open closes the flow right after reporting the result.
		select {
		case result = <-c.opened:
		default:
			return nil, ct.closedErr()
		}
	case <-ctx.Done():
		ct.loop.Post(c.abandon)
		return nil, ctx.Err()
	}
	if result != tunnel.OpenSuccess {
		return nil, &OpenError{Result: result, Address: c.address}
	}
	return c, nil
}

// abandon closes a flow whose dialer gave up. A flow still waiting for its OpenResult stays registered until the
// result arrives, so that the result is not mistaken for a protocol error.
func (c *TCPConn) abandon() {
	c.abandoned = true
	if !c.openDone || c.IsClosedCompletely() {
		return
	}
	if t := c.Tunnel(); t != nil {
		t.SendClose(c.ID(), tunnel.CloseAll)
	}
	c.CloseConnection(tunnel.CloseAll)
}

func (c *TCPConn) HandleOpenCompleted(result tunnel.OpenResult, msg tunnel.Message) {
	c.openDone = true
	if result != tunnel.OpenSuccess {
		c.ct.logger.Debug("Failed to open connection", "id", c.ID(), "address", c.address, "result", result)
		if t := c.Tunnel(); t != nil {
			t.SendClose(c.ID(), tunnel.CloseAll)
		}
		c.opened <- result
		c.CloseConnection(tunnel.CloseAll)
		return
	}
	if c.abandoned {
		c.abandon()
		return
	}
	c.opened <- result
}

// SendData queues data from the server for Read.
func (c *TCPConn) SendData(data []byte) {
	c.mu.Lock()
	if c.readErr != nil {
		c.mu.Unlock()
		return
	}
	c.received.Append(data, 0)
	suspend := !c.readSuspended && c.received.Len() >= readHighWater
	if suspend {
		c.readSuspended = true
	}
	c.mu.Unlock()
	c.signalReadable()
	if t := c.Tunnel(); suspend && t != nil {
		t.SendSuspend(c.ID())
	}
}

func (c *TCPConn) signalReadable() {
	select {
	case c.readable <- struct{}{}:
	default:
	}
}

// Suspend blocks writers until Resume. The server asks for it, and so does the tunnel when its transport is full.
func (c *TCPConn) Suspend() {
	c.writeGate.Close()
}

func (c *TCPConn) Resume() {
	c.writeGate.Open()
}

// CloseConnection updates what the application may still do: once closed for write no more data arrives, and once
// closed for read the server takes no more data.
func (c *TCPConn) CloseConnection(dir tunnel.CloseDirection) {
	c.ConnBase.CloseConnection(dir)
	c.mu.Lock()
	if c.IsClosedForWrite() && c.readErr == nil {
		c.readErr = io.EOF
	}
	if c.IsClosedForRead() && c.writeErr == nil {
		c.writeErr = syscall.EPIPE
	}
	c.mu.Unlock()
	c.signalReadable()
	if c.IsClosedForRead() {
		c.writeGate.Stop()
	}
	if c.IsClosedCompletely() {
		c.closeOnce.Do(func() { close(c.closed) })
	}
}

func (c *TCPConn) Abort(err error) {
	c.ConnBase.Abort(err)
	if err == nil {
		err = ErrBadConnection
	} else {
		err = fmt.Errorf("%w: %w", ErrBadConnection, err)
	}
	c.mu.Lock()
	c.received.Clear()
	if c.readErr == nil || errors.Is(c.readErr, io.EOF) {
		c.readErr = err
	}
	if c.writeErr == nil {
		c.writeErr = err
	}
	c.mu.Unlock()
	c.CloseConnection(tunnel.CloseAll)
}

// sliceWriter copies into a fixed buffer and reports a short write when it is full.
type sliceWriter struct {
	buf []byte
	n   int
}

func (w *sliceWriter) Write(b []byte) (int, error) {
	n := copy(w.buf[w.n:], b)
	w.n += n
	return n, nil
}

// Read implements [net.Conn].
func (c *TCPConn) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	for {
		c.mu.Lock()
		if !c.received.IsEmpty() {
			w := sliceWriter{buf: b}
			c.received.Flush(&w)
			resume := c.readSuspended && c.received.Len() <= readLowWater
			if resume {
				c.readSuspended = false
			}
			c.mu.Unlock()
			if resume {
				c.ct.loop.Post(func() {
					if t := c.Tunnel(); t != nil {
						t.SendResume(c.ID())
					}
				})
			}
			return w.n, nil
		}
		err := c.readErr
		c.mu.Unlock()
		if err != nil {
			return 0, err
		}

		select {
		case <-c.readable:
		case <-c.readDeadline.Done():
			return 0, os.ErrDeadlineExceeded
		}
	}
}

// Write implements [net.Conn]. Data is sent in chunks of at most [tunnel.PacketSize] bytes, and Write blocks while
// the flow is suspended.
func (c *TCPConn) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		if err := c.writeGate.Wait(c.writeDeadline.Done()); err != nil {
			if errors.Is(err, eventloop.ErrWaitCanceled) {
				return written, os.ErrDeadlineExceeded
			}
			return written, c.writeError()
		}
		chunk := b[written:min(len(b), written+tunnel.PacketSize)]
		var sendErr error
		ran := c.ct.loop.Do(func() {
			t := c.Tunnel()
			if t == nil || c.IsClosedForRead() {
				sendErr = c.writeError()
				return
			}
			sendErr = t.SendMessage(tunnel.NewMessage(c.ID(), tunnel.CommandData, tunnel.Message{tunnel.KeyData: chunk}))
		})
		if !ran {
			return written, c.ct.closedErr()
		}
		if sendErr != nil {
			return written, sendErr
		}
		written += len(chunk)
	}
	return written, nil
}

func (c *TCPConn) writeError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	return net.ErrClosed
}

// CloseWrite tells the server the application is done sending.
func (c *TCPConn) CloseWrite() error {
	c.ct.loop.Post(func() {
		if c.IsClosedForRead() {
			return
		}
		if t := c.Tunnel(); t != nil {
			t.SendClose(c.ID(), tunnel.CloseWrite)
		}
		c.CloseConnection(tunnel.CloseRead)
	})
	return nil
}

// CloseRead stops the delivery of data from the server.
func (c *TCPConn) CloseRead() error {
	c.ct.loop.Post(func() {
		if c.IsClosedForWrite() {
			return
		}
		if t := c.Tunnel(); t != nil {
			t.SendClose(c.ID(), tunnel.CloseRead)
		}
		c.mu.Lock()
		c.received.Clear()
		c.mu.Unlock()
		c.CloseConnection(tunnel.CloseWrite)
	})
	return nil
}

// Close closes both directions and releases the flow on the server.
func (c *TCPConn) Close() error {
	c.mu.Lock()
	c.received.Clear()
	if c.readErr == nil || errors.Is(c.readErr, io.EOF) {
		c.readErr = net.ErrClosed
	}
	c.writeErr = net.ErrClosed
	c.mu.Unlock()
	c.writeGate.Stop()
	c.signalReadable()
	c.ct.loop.Post(func() {
		if c.IsClosedCompletely() {
			return
		}
		if t := c.Tunnel(); t != nil {
			t.SendClose(c.ID(), tunnel.CloseAll)
		}
		c.CloseConnection(tunnel.CloseAll)
	})
	c.readDeadline.Stop()
	c.writeDeadline.Stop()
	return nil
}

type tunnelAddr struct {
	address string
}

func (a tunnelAddr) Network() string { return "tunnel" }
func (a tunnelAddr) String() string  { return a.address }

// LocalAddr returns the flow identifier.
func (c *TCPConn) LocalAddr() net.Addr {
	return tunnelAddr{address: strconv.Itoa(c.ID())}
}

// RemoteAddr returns the destination the flow was opened to.
func (c *TCPConn) RemoteAddr() net.Addr {
	return tunnelAddr{address: c.address}
}

func (c *TCPConn) SetDeadline(t time.Time) error {
	c.readDeadline.Set(t)
	c.writeDeadline.Set(t)
	return nil
}

func (c *TCPConn) SetReadDeadline(t time.Time) error {
	c.readDeadline.Set(t)
	return nil
}

func (c *TCPConn) SetWriteDeadline(t time.Time) error {
	c.writeDeadline.Set(t)
	return nil
}

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

// Package packetpump moves IP packets from a [network.IPDevice] into Packets messages.
//
// A goroutine reads the device into a bounded queue. The owner of the tunnel drains the queue from its event loop with
// [Pump.Drain], which groups packets into batches. While the owner is not draining, the queue fills up and the reader
// stops, so a suspended connection stops reading from its device.
package packetpump

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Jigsaw-Code/simpletunnel/network"
	"github.com/Jigsaw-Code/simpletunnel/tunnel"
)

const queueLen = 2 * tunnel.MaximumPacketsPerMessage

// batchBudget keeps a full batch, with its msgpack framing, below tunnel.MaximumMessageSize.
const batchBudget = tunnel.MaximumMessageSize - 1024

// perPacketOverhead is the msgpack cost of one packet and its protocol number.
const perPacketOverhead = 16

// SendFunc sends one batch. packets and protocols have the same length.
type SendFunc func(packets [][]byte, protocols []int)

// Pump reads packets from a device in the background.
type Pump struct {
	dev     network.IPDevice
	notify  func()
	onError func(error)
	logger  *slog.Logger

	queue    chan []byte
	pending  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Start starts reading dev. notify is called from the reader goroutine when packets become available and must
// schedule a Drain on the owner's event loop. onError is called once if reading fails before Stop.
func Start(dev network.IPDevice, notify func(), onError func(error), logger *slog.Logger) *Pump {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pump{
		dev:     dev,
		notify:  notify,
		onError: onError,
		logger:  logger,
		queue:   make(chan []byte, queueLen),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.read()
	return p
}

func (p *Pump) read() {
	defer close(p.done)
	buf := make([]byte, max(tunnel.PacketSize, p.dev.MTU()))
	for {
		n, err := p.dev.Read(buf)
		if err != nil {
			if !p.stopped() && !errors.Is(err, network.ErrClosed) {
				p.onError(err)
			}
			return
		}
		if n == 0 {
			continue
		}
		select {
		case p.queue <- append([]byte(nil), buf[:n]...):
		case <-p.stop:
			return
		}
		if p.pending.CompareAndSwap(false, true) {
			p.notify()
		}
	}
}

func (p *Pump) stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

// Drain sends the queued packets in batches of at most tunnel.MaximumPacketsPerMessage, in read order. After each
// full batch it checks suspended and stops early if it returns true, leaving the rest queued. A final partial batch
// is always sent.
func (p *Pump) Drain(send SendFunc, suspended func() bool) {
	p.pending.Store(false)
	var packets [][]byte
	var protocols []int
	size := 0
	flush := func() {
		send(packets, protocols)
		packets, protocols, size = nil, nil, 0
	}
	for {
		var pkt []byte
		select {
		case pkt = <-p.queue:
		default:
			if len(packets) > 0 {
				flush()
			}
			return
		}
		proto, err := Protocol(pkt)
		if err != nil {
			p.logger.Debug("dropping packet read from device", "err", err)
			continue
		}
		if len(packets) > 0 && size+len(pkt)+perPacketOverhead > batchBudget {
			flush()
		}
		packets = append(packets, pkt)
		protocols = append(protocols, proto)
		size += len(pkt) + perPacketOverhead
		if len(packets) == tunnel.MaximumPacketsPerMessage {
			flush()
			if suspended() {
				// New packets are picked up by the next Drain, after Resume.
				p.pending.Store(false)
				return
			}
		}
	}
}

// Stop makes the reader exit once its current Read returns. Closing the device is up to the caller.
func (p *Pump) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Done is closed when the reader goroutine has exited.
func (p *Pump) Done() <-chan struct{} {
	return p.done
}

// Protocol returns the address family number of pkt for the "protocols" list of a Packets message.
func Protocol(pkt []byte) (int, error) {
	hdr, err := network.ParseIPHeader(pkt)
	if err != nil {
		return 0, err
	}
	if hdr.Version == 6 {
		return tunnel.ProtocolIPv6, nil
	}
	return tunnel.ProtocolIPv4, nil
}

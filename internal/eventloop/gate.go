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

package eventloop

import (
	"errors"
	"sync"
)

// ErrGateStopped is returned by [Gate.Wait] once the gate is stopped.
var ErrGateStopped = errors.New("gate stopped")

// ErrWaitCanceled is returned by [Gate.Wait] when the cancel channel fires first.
var ErrWaitCanceled = errors.New("wait canceled")

// Gate lets a producer goroutine be paused and resumed from the event loop. It starts open.
//
// Gate is safe for concurrent use by multiple goroutines.
type Gate struct {
	mu       sync.Mutex
	open     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

func NewGate() *Gate {
	open := make(chan struct{})
	close(open)
	return &Gate{open: open, stopped: make(chan struct{})}
}

// Open lets waiters through.
func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
	default:
		close(g.open)
	}
}

// Close makes waiters block until the next Open.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
		g.open = make(chan struct{})
	default:
	}
}

// IsOpen reports whether Wait would pass right now.
func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
		return true
	default:
		return false
	}
}

// Stop releases all waiters for good.
func (g *Gate) Stop() {
	g.stopOnce.Do(func() { close(g.stopped) })
}

// Wait blocks until the gate is open. It fails with ErrGateStopped after Stop, or with ErrWaitCanceled if cancel
// is closed first. cancel may be nil.
func (g *Gate) Wait(cancel <-chan struct{}) error {
	g.mu.Lock()
	open := g.open
	g.mu.Unlock()
	select {
	case <-g.stopped:
		return ErrGateStopped
	default:
	}
	select {
	case <-open:
		return nil
	case <-g.stopped:
		return ErrGateStopped
	case <-cancel:
		return ErrWaitCanceled
	}
}

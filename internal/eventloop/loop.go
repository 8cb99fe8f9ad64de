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

/*
Package eventloop provides a serialized event queue. All the events of a tunnel run on one [Loop], so the tunnel state
needs no locking:

	loop := eventloop.New()
	go loop.Run()
	defer loop.Close()
	loop.Post(func() { ... })    // from any goroutine
	loop.Do(func() { ... })      // same, but waits for fn to finish
*/
package eventloop

import "sync"

// Loop runs posted functions one at a time, in posting order, on the goroutine that calls Run.
//
// Loop is safe for concurrent use by multiple goroutines.
type Loop struct {
	mu     sync.Mutex
	queue  []*event
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

type event struct {
	fn    func()
	taken bool
}

func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post schedules fn. It returns false, and fn never runs, if the loop is closed.
func (l *Loop) Post(fn func()) bool {
	return l.post(&event{fn: fn})
}

func (l *Loop) post(ev *event) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, ev)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to return. It returns false if fn did not run because the loop closed.
// Do must not be called from the loop goroutine.
func (l *Loop) Do(fn func()) bool {
	ran := make(chan struct{})
	ev := &event{fn: func() {
		defer close(ran)
		fn()
	}}
	if !l.post(ev) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.done:
	}
	// An event taken off the queue before Close still runs to completion.
	l.mu.Lock()
	taken := ev.taken
	l.mu.Unlock()
	if !taken {
		return false
	}
	<-ran
	return true
}

// Run processes events until Close is called. Events still queued at that point are dropped.
func (l *Loop) Run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}
		for {
			ev := l.next()
			if ev == nil {
				break
			}
			ev.fn()
		}
	}
}

func (l *Loop) next() *event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || len(l.queue) == 0 {
		return nil
	}
	ev := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	ev.taken = true
	return ev
}

// Close stops the loop. It may be called from inside an event, in which case the current event completes first.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.queue = nil
	close(l.done)
}

// Done is closed when the loop is closed.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

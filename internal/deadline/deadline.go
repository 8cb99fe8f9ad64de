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

// Package deadline implements the resettable deadlines behind net.Conn SetReadDeadline and friends, and the idle
// expiry of UDP flows.
package deadline

import (
	"sync"
	"time"
)

// Timer exposes a channel that is closed once its deadline passes. Unlike [time.Timer], the deadline can be moved
// any number of times, including back to the future after it expired, and any number of goroutines can wait on it.
//
// Timer is safe for concurrent use by multiple goroutines.
type Timer struct {
	mu       sync.Mutex
	deadline time.Time
	timer    *time.Timer
	expired  chan struct{}
}

func New() *Timer {
	return &Timer{expired: make(chan struct{})}
}

// Done returns a channel that is closed when the current deadline passes. Fetch it again after every Set.
func (t *Timer) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expired
}

// Set moves the deadline to d. The zero time disables the deadline. A time in the past expires immediately.
func (t *Timer) Set(d time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	// A closed channel, whether closed by the old timer or by a past deadline, can't be reused.
	select {
	case <-t.expired:
		t.expired = make(chan struct{})
	default:
	}
	t.deadline = d
	if d.IsZero() {
		return
	}
	wait := time.Until(d)
	if wait <= 0 {
		close(t.expired)
		return
	}
	// Bind the channel now: a callback that lost the race with Stop must close the channel it was created for, not
	// the replacement.
	ch := t.expired
	var self *time.Timer
	self = time.AfterFunc(wait, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.timer != self {
			return
		}
		t.timer = nil
		close(ch)
	})
	t.timer = self
}

// Reset moves the deadline to now + after.
func (t *Timer) Reset(after time.Duration) {
	t.Set(time.Now().Add(after))
}

// Stop disables the deadline.
func (t *Timer) Stop() {
	t.Set(time.Time{})
}

// Deadline returns the current deadline, or the zero time.
func (t *Timer) Deadline() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline
}

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

import "sync"

// Registry tracks the live tunnels of a process so they can all be closed at shutdown.
//
// Registry is safe for concurrent use by multiple goroutines.
type Registry struct {
	mu      sync.Mutex
	tunnels map[*Tunnel]struct{}
}

func NewRegistry() *Registry {
	return &Registry{tunnels: make(map[*Tunnel]struct{})}
}

func (r *Registry) add(t *Tunnel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tunnels[t] = struct{}{}
}

func (r *Registry) remove(t *Tunnel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tunnels, t)
}

// Len returns the number of live tunnels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tunnels)
}

// CloseAll closes every live tunnel. Each tunnel is closed on its own executor, so the tunnels may still be closing
// when CloseAll returns.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	tunnels := make([]*Tunnel, 0, len(r.tunnels))
	for t := range r.tunnels {
		tunnels = append(tunnels, t)
	}
	clear(r.tunnels)
	r.mu.Unlock()

	for _, t := range tunnels {
		t.post(t.Close)
	}
}

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
	"errors"
	"fmt"

	"github.com/Jigsaw-Code/simpletunnel/tunnel"
)

var (
	// ErrBadConfiguration means the server address can't be turned into an endpoint.
	ErrBadConfiguration = errors.New("bad tunnel configuration")

	// ErrBadConnection means the tunnel or the logical connection is gone.
	ErrBadConnection = errors.New("bad tunnel connection")
)

// OpenError is returned when the server answers an Open request with a failure.
type OpenError struct {
	Result  tunnel.OpenResult
	Address string
}

func (e *OpenError) Error() string {
	if e.Address == "" {
		return fmt.Sprintf("tunnel open failed: %v", e.Result)
	}
	return fmt.Sprintf("tunnel open of %v failed: %v", e.Address, e.Result)
}

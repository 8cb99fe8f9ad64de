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

import "errors"

// Errors returned by this package can be tested against these values using [errors.Is].
var (
	// ErrMessageTooLarge means a frame length exceeds MaximumMessageSize.
	ErrMessageTooLarge = errors.New("tunnel message too large")

	// ErrMalformedFrame means a frame length is smaller than its own header.
	ErrMalformedFrame = errors.New("malformed tunnel frame")

	// ErrInvalidMessage means a payload could not be decoded or dispatched.
	ErrInvalidMessage = errors.New("invalid tunnel message")

	// ErrTunnelClosed is returned when sending on a tunnel that has already been closed.
	ErrTunnelClosed = errors.New("tunnel closed")
)

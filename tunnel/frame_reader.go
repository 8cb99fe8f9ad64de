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

// FrameReader reassembles frames from a byte stream delivered in arbitrary chunks. It first collects the 4 length
// bytes, then exactly length-4 payload bytes, then hands the payload over and starts again.
//
// The zero value is ready to use.
type FrameReader struct {
	header    [FrameHeaderLen]byte
	headerLen int
	// payload is non-nil while a payload is being collected.
	payload   []byte
	remaining int
}

// Feed consumes b. For every completed frame it calls handle with the payload; handle returning false stops the
// reader with ErrInvalidMessage. A bad length prefix stops it with ErrMessageTooLarge or ErrMalformedFrame, before
// any payload byte is consumed. After an error the reader must not be used again.
func (r *FrameReader) Feed(b []byte, handle func(payload []byte) bool) error {
	for len(b) > 0 {
		if r.payload == nil {
			n := copy(r.header[r.headerLen:], b)
			r.headerLen += n
			b = b[n:]
			if r.headerLen < FrameHeaderLen {
				return nil
			}
			total, err := ParseFrameHeader(r.header[:])
			if err != nil {
				return err
			}
			r.headerLen = 0
			r.remaining = total - FrameHeaderLen
			r.payload = make([]byte, 0, r.remaining)
			if r.remaining == 0 {
				if err := r.dispatch(handle); err != nil {
					return err
				}
			}
			continue
		}
		n := min(r.remaining, len(b))
		r.payload = append(r.payload, b[:n]...)
		r.remaining -= n
		b = b[n:]
		if r.remaining == 0 {
			if err := r.dispatch(handle); err != nil {
				return err
			}
		}
	}
	return nil
}

// Pending reports whether a frame is partially received.
func (r *FrameReader) Pending() bool {
	return r.headerLen > 0 || r.payload != nil
}

func (r *FrameReader) dispatch(handle func([]byte) bool) error {
	payload := r.payload
	r.payload = nil
	if !handle(payload) {
		return ErrInvalidMessage
	}
	return nil
}

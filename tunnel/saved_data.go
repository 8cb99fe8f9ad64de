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

// Writer is a best-effort writer. Unlike [io.Writer], a short write with a nil error is legal: it means the
// destination cannot take more bytes right now.
type Writer interface {
	Write(b []byte) (int, error)
}

type savedRecord struct {
	data   []byte
	offset int
}

// SavedData is a FIFO of byte blobs that could not be written immediately. Each blob keeps the offset of its first
// unwritten byte.
//
// The zero value is an empty queue.
type SavedData struct {
	records []savedRecord
	size    int
}

// Append queues data[offset:]. The caller must not modify data afterwards.
func (s *SavedData) Append(data []byte, offset int) {
	offset = min(max(offset, 0), len(data))
	if offset == len(data) {
		return
	}
	s.records = append(s.records, savedRecord{data: data, offset: offset})
	s.size += len(data) - offset
}

// IsEmpty reports whether nothing is queued.
func (s *SavedData) IsEmpty() bool {
	return len(s.records) == 0
}

// Len returns the number of queued bytes not yet written.
func (s *SavedData) Len() int {
	return s.size
}

// Clear drops everything queued.
func (s *SavedData) Clear() {
	clear(s.records)
	s.records = s.records[:0]
	s.size = 0
}

// Flush writes queued data to w from the head of the queue. It stops at the first short write, remembering how far
// it got, and returns the first write error. Fully written blobs are removed.
func (s *SavedData) Flush(w Writer) error {
	done := 0
	defer func() {
		if done > 0 {
			clear(s.records[:done])
			s.records = s.records[done:]
		}
	}()
	for i := range s.records {
		rec := &s.records[i]
		n, err := w.Write(rec.data[rec.offset:])
		if n > 0 {
			rec.offset += n
			s.size -= n
		}
		if err != nil {
			return err
		}
		if rec.offset < len(rec.data) {
			return nil
		}
		done++
	}
	return nil
}

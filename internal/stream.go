// Copyright 2015 - 2019 Ka-Hing Cheung
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package internal

import (
	"io"
)

// ChunkStream is a bounded, seekable view of one chunk. Uploads rewind
// it when the transport retries, and close it once the transfer is over.
type ChunkStream interface {
	io.ReadSeeker
	io.Closer
	Len() int64
}

// seekTarget resolves a seek request against a view of the given
// length. allowEnd controls whether io.SeekEnd is accepted.
func seekTarget(offset int64, whence int, pos int64, length int64, allowEnd bool) (int64, error) {
	var abs int64

	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = pos + offset
	case io.SeekEnd:
		if !allowEnd {
			return pos, unsupported("seek relative to end")
		}
		abs = length + offset
	default:
		return pos, invalidArgument("invalid whence %v", whence)
	}

	if abs < 0 || abs > length {
		return pos, outOfRange("seek to %v outside [0, %v]", abs, length)
	}
	return abs, nil
}

// streamLength measures a seekable stream without moving it
func streamLength(r io.Seeker) (cur int64, end int64, err error) {
	cur, err = r.Seek(0, io.SeekCurrent)
	if err != nil {
		return
	}
	end, err = r.Seek(0, io.SeekEnd)
	if err != nil {
		return
	}
	_, err = r.Seek(cur, io.SeekStart)
	return
}

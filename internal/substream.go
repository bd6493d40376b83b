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
	. "github.com/kahing/blobstream/api/common"

	"context"
	"io"
)

var streamLog = GetLogger("stream")

// SubStream is a read-only view of [begin, begin+length) of a stream
// that is shared with sibling views. Every seek+read on the shared
// stream happens while holding gate, so siblings can be read from
// different goroutines. The view never closes the shared stream.
type SubStream struct {
	ctx    context.Context
	stream io.ReadSeeker
	gate   *Ticket

	begin  int64
	length int64
	pos    int64
}

var _ ChunkStream = &SubStream{}

// NewSubStream validates the bounds against the current length of r.
// ctx bounds how long Read waits for the gate.
func NewSubStream(ctx context.Context, r io.Reader, begin int64, length int64,
	gate *Ticket) (*SubStream, error) {

	if gate == nil {
		return nil, invalidArgument("substream needs a gate")
	}
	rs, ok := r.(io.ReadSeeker)
	if !ok || rs == nil {
		return nil, invalidArgument("substream needs a seekable stream")
	}
	if begin < 0 || length < 0 {
		return nil, invalidArgument("negative substream bounds %v+%v", begin, length)
	}

	err := gate.Take(ctx, 1)
	if err != nil {
		return nil, err
	}
	_, end, err := streamLength(rs)
	gate.Return(1)
	if err != nil {
		return nil, err
	}

	if begin > end || length > end-begin {
		return nil, invalidArgument("substream %v+%v outside stream of %v bytes",
			begin, length, end)
	}

	return &SubStream{
		ctx:    ctx,
		stream: rs,
		gate:   gate,
		begin:  begin,
		length: length,
	}, nil
}

func (s *SubStream) Len() int64 {
	return s.length
}

func (s *SubStream) Read(p []byte) (n int, err error) {
	if s.stream == nil {
		return 0, ErrClosed
	}

	remaining := s.length - s.pos
	if remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	if len(p) == 0 {
		return 0, nil
	}

	err = s.gate.Take(s.ctx, 1)
	if err != nil {
		return 0, err
	}
	defer s.gate.Return(1)

	_, err = s.stream.Seek(s.begin+s.pos, io.SeekStart)
	if err != nil {
		return 0, err
	}

	n, err = s.stream.Read(p)
	s.pos += int64(n)

	if err == io.EOF {
		if s.pos < s.length {
			streamLog.Errorf("underlying stream ended at %v, expected %v",
				s.begin+s.pos, s.begin+s.length)
			err = io.ErrUnexpectedEOF
		} else if n != 0 {
			err = nil
		}
	}
	return
}

// Seek moves within the view. Seeking relative to the end is not
// supported for substreams.
func (s *SubStream) Seek(offset int64, whence int) (int64, error) {
	if s.stream == nil {
		return 0, ErrClosed
	}

	pos, err := seekTarget(offset, whence, s.pos, s.length, false)
	if err != nil {
		return s.pos, err
	}
	s.pos = pos
	return pos, nil
}

func (s *SubStream) Write(p []byte) (int, error) {
	return 0, unsupported("write to substream")
}

func (s *SubStream) Close() error {
	s.stream = nil
	return nil
}

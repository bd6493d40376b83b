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

// LimitStream exposes at most maxLength bytes of a stream, starting at
// wherever the stream was positioned when the LimitStream was created.
// Unlike SubStream it is not shared, so reads go straight to the
// underlying stream, and it owns that stream: Close closes it.
type LimitStream struct {
	stream io.ReadSeeker

	start  int64
	length int64
	pos    int64
}

var _ ChunkStream = &LimitStream{}

func NewLimitStream(r io.ReadSeeker, maxLength int64) (*LimitStream, error) {
	if r == nil {
		return nil, invalidArgument("limit stream needs a stream")
	}
	if maxLength < 0 {
		return nil, invalidArgument("negative window length %v", maxLength)
	}

	start, end, err := streamLength(r)
	if err != nil {
		return nil, err
	}

	return &LimitStream{
		stream: r,
		start:  start,
		length: MinInt64(maxLength, MaxInt64(end-start, 0)),
	}, nil
}

func (l *LimitStream) Len() int64 {
	return l.length
}

func (l *LimitStream) Read(p []byte) (n int, err error) {
	if l.stream == nil {
		return 0, ErrClosed
	}

	remaining := l.length - l.pos
	if remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}

	n, err = l.stream.Read(p)
	l.pos += int64(n)

	if err == io.EOF {
		if l.pos < l.length {
			streamLog.Errorf("underlying stream ended at %v, expected %v",
				l.start+l.pos, l.start+l.length)
			err = io.ErrUnexpectedEOF
		} else if n != 0 {
			err = nil
		}
	}
	return
}

func (l *LimitStream) Seek(offset int64, whence int) (int64, error) {
	if l.stream == nil {
		return 0, ErrClosed
	}

	pos, err := seekTarget(offset, whence, l.pos, l.length, true)
	if err != nil {
		return l.pos, err
	}

	_, err = l.stream.Seek(l.start+pos, io.SeekStart)
	if err != nil {
		return l.pos, err
	}
	l.pos = pos
	return pos, nil
}

func (l *LimitStream) Close() (err error) {
	if l.stream == nil {
		return nil
	}
	if c, ok := l.stream.(io.Closer); ok {
		err = c.Close()
	}
	l.stream = nil
	return
}

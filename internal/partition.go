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
	"context"
	"io"
	"os"
	"sync"
)

// Chunks is a lazily partitioned source. Next returns io.EOF once every
// chunk was handed out. Close releases whatever Next has not returned
// yet; streams that Next did return belong to the caller.
type Chunks interface {
	Next() (ChunkStream, error)
	Close() error
}

type subStreamChunks struct {
	ctx       context.Context
	stream    io.ReadSeeker
	gate      *Ticket
	offset    int64
	end       int64
	chunkSize int64
}

// OpenMultiSubStream splits [offset, offset+length) of one shared
// stream into SubStreams of chunkSize bytes. All of them share a single
// gate so they can be read concurrently. A negative length means up to
// the end of the stream.
func OpenMultiSubStream(ctx context.Context, r io.ReadSeeker, offset int64, length int64,
	chunkSize int64) (Chunks, error) {

	if chunkSize <= 0 {
		return nil, invalidArgument("chunk size must be positive, got %v", chunkSize)
	}
	if r == nil {
		return nil, invalidArgument("no stream to split")
	}
	if offset < 0 {
		return nil, invalidArgument("negative offset %v", offset)
	}

	_, end, err := streamLength(r)
	if err != nil {
		return nil, err
	}
	if offset > end {
		return nil, invalidArgument("offset %v past end of stream %v", offset, end)
	}
	if length < 0 {
		length = end - offset
	} else if length > end-offset {
		return nil, invalidArgument("%v+%v past end of stream %v", offset, length, end)
	}

	return &subStreamChunks{
		ctx:       ctx,
		stream:    r,
		gate:      Ticket{Total: 1}.Init(),
		offset:    offset,
		end:       offset + length,
		chunkSize: chunkSize,
	}, nil
}

func (c *subStreamChunks) Next() (ChunkStream, error) {
	if c.offset >= c.end {
		return nil, io.EOF
	}

	size := MinInt64(c.chunkSize, c.end-c.offset)
	s, err := NewSubStream(c.ctx, c.stream, c.offset, size, c.gate)
	if err != nil {
		return nil, err
	}
	c.offset += size
	return s, nil
}

func (c *subStreamChunks) Close() error {
	c.offset = c.end
	return nil
}

type fileChunks struct {
	path      string
	offset    int64
	end       int64
	chunkSize int64
}

// OpenMultiFileStream splits a file into chunks that each have their
// own file handle, so they share no state. A negative length means up
// to the end of the file.
func OpenMultiFileStream(path string, offset int64, length int64, chunkSize int64) (Chunks, error) {
	if chunkSize <= 0 {
		return nil, invalidArgument("chunk size must be positive, got %v", chunkSize)
	}
	if offset < 0 {
		return nil, invalidArgument("negative offset %v", offset)
	}

	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		return nil, invalidArgument("%v is a directory", path)
	}

	end := st.Size()
	if offset > end {
		return nil, invalidArgument("offset %v past end of %v", offset, path)
	}
	if length < 0 {
		length = end - offset
	} else if length > end-offset {
		return nil, invalidArgument("%v+%v past end of %v", offset, length, path)
	}

	return &fileChunks{
		path:      path,
		offset:    offset,
		end:       offset + length,
		chunkSize: chunkSize,
	}, nil
}

func (c *fileChunks) Next() (ChunkStream, error) {
	if c.offset >= c.end {
		return nil, io.EOF
	}

	f, err := os.Open(c.path)
	if err != nil {
		return nil, err
	}

	_, err = f.Seek(c.offset, io.SeekStart)
	if err != nil {
		f.Close()
		return nil, err
	}

	size := MinInt64(c.chunkSize, c.end-c.offset)
	l, err := NewLimitStream(f, size)
	if err != nil {
		f.Close()
		return nil, err
	}
	if l.Len() != size {
		// the file shrunk since we opened it
		l.Close()
		return nil, io.ErrUnexpectedEOF
	}

	c.offset += size
	return l, nil
}

func (c *fileChunks) Close() error {
	c.offset = c.end
	return nil
}

// sliceChunks hands out already materialized streams
type sliceChunks struct {
	mu      sync.Mutex
	streams []ChunkStream
}

// ChunkSlice turns a list of streams into Chunks. Streams that were
// never handed out are closed by Close.
func ChunkSlice(streams ...ChunkStream) Chunks {
	return &sliceChunks{streams: streams}
}

func (c *sliceChunks) Next() (ChunkStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.streams) == 0 {
		return nil, io.EOF
	}
	s := c.streams[0]
	c.streams[0] = nil
	c.streams = c.streams[1:]
	return s, nil
}

func (c *sliceChunks) Close() (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.streams {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	c.streams = nil
	return
}

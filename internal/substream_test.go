// Copyright 2019 Ka-Hing Cheung
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
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	. "gopkg.in/check.v1"
)

type StreamTest struct {
}

var _ = Suite(&StreamTest{})

func randomBytes(n int, seed int64) []byte {
	buf := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(buf)
	return buf
}

func (s *StreamTest) TestSubStream(t *C) {
	gate := Ticket{Total: 1}.Init()
	r := bytes.NewReader([]byte("0123456789"))

	sub, err := NewSubStream(context.Background(), r, 3, 4, gate)
	t.Assert(err, IsNil)
	t.Assert(sub.Len(), Equals, int64(4))

	buf := make([]byte, 3)
	n, err := sub.Read(buf)
	t.Assert(err, IsNil)
	t.Assert(string(buf[:n]), Equals, "345")

	// the caller moving the shared stream does not move the view
	r.Seek(0, io.SeekStart)
	n, err = sub.Read(buf)
	t.Assert(err, IsNil)
	t.Assert(string(buf[:n]), Equals, "6")

	n, err = sub.Read(buf)
	t.Assert(n, Equals, 0)
	t.Assert(err, Equals, io.EOF)

	pos, err := sub.Seek(-2, io.SeekCurrent)
	t.Assert(err, IsNil)
	t.Assert(pos, Equals, int64(2))
	data, err := io.ReadAll(sub)
	t.Assert(err, IsNil)
	t.Assert(string(data), Equals, "56")

	pos, err = sub.Seek(0, io.SeekStart)
	t.Assert(err, IsNil)
	t.Assert(pos, Equals, int64(0))
	data, err = io.ReadAll(sub)
	t.Assert(err, IsNil)
	t.Assert(string(data), Equals, "3456")

	t.Assert(gate.Outstanding(), Equals, uint32(0))
}

func (s *StreamTest) TestSubStreamSeek(t *C) {
	gate := Ticket{Total: 1}.Init()
	sub, err := NewSubStream(context.Background(), bytes.NewReader(make([]byte, 10)), 2, 5, gate)
	t.Assert(err, IsNil)

	_, err = sub.Seek(0, io.SeekEnd)
	t.Assert(errors.Is(err, ErrUnsupported), Equals, true)

	pos, err := sub.Seek(5, io.SeekStart)
	t.Assert(err, IsNil)
	t.Assert(pos, Equals, int64(5))

	pos, err = sub.Seek(6, io.SeekStart)
	t.Assert(errors.Is(err, ErrOutOfRange), Equals, true)
	t.Assert(errors.Is(err, ErrInvalidArgument), Equals, true)
	t.Assert(pos, Equals, int64(5))

	_, err = sub.Seek(-1, io.SeekStart)
	t.Assert(errors.Is(err, ErrOutOfRange), Equals, true)

	_, err = sub.Seek(0, 42)
	t.Assert(errors.Is(err, ErrInvalidArgument), Equals, true)
}

func (s *StreamTest) TestSubStreamInvalid(t *C) {
	ctx := context.Background()
	gate := Ticket{Total: 1}.Init()
	r := bytes.NewReader(make([]byte, 10))

	_, err := NewSubStream(ctx, r, 0, 1, nil)
	t.Assert(errors.Is(err, ErrInvalidArgument), Equals, true)

	_, err = NewSubStream(ctx, io.LimitReader(r, 10), 0, 1, gate)
	t.Assert(errors.Is(err, ErrInvalidArgument), Equals, true)

	_, err = NewSubStream(ctx, r, -1, 1, gate)
	t.Assert(errors.Is(err, ErrInvalidArgument), Equals, true)

	_, err = NewSubStream(ctx, r, 8, 3, gate)
	t.Assert(errors.Is(err, ErrInvalidArgument), Equals, true)

	_, err = NewSubStream(ctx, r, 11, 0, gate)
	t.Assert(errors.Is(err, ErrInvalidArgument), Equals, true)

	// a view ending exactly at the end is fine
	sub, err := NewSubStream(ctx, r, 7, 3, gate)
	t.Assert(err, IsNil)
	t.Assert(sub.Len(), Equals, int64(3))
}

func (s *StreamTest) TestSubStreamZeroLength(t *C) {
	gate := Ticket{Total: 1}.Init()
	sub, err := NewSubStream(context.Background(), bytes.NewReader([]byte("abc")), 3, 0, gate)
	t.Assert(err, IsNil)
	t.Assert(sub.Len(), Equals, int64(0))

	n, err := sub.Read(make([]byte, 10))
	t.Assert(n, Equals, 0)
	t.Assert(err, Equals, io.EOF)
}

func (s *StreamTest) TestSubStreamWriteClose(t *C) {
	gate := Ticket{Total: 1}.Init()
	sub, err := NewSubStream(context.Background(), bytes.NewReader([]byte("abc")), 0, 3, gate)
	t.Assert(err, IsNil)

	_, err = sub.Write([]byte("x"))
	t.Assert(errors.Is(err, ErrUnsupported), Equals, true)

	t.Assert(sub.Close(), IsNil)
	_, err = sub.Read(make([]byte, 1))
	t.Assert(err, Equals, ErrClosed)
	_, err = sub.Seek(0, io.SeekStart)
	t.Assert(err, Equals, ErrClosed)
	// closing twice is harmless
	t.Assert(sub.Close(), IsNil)
}

type truncatedReader struct {
	*bytes.Reader
	size int64
}

// reports a larger size than it can deliver
func (r *truncatedReader) Seek(offset int64, whence int) (int64, error) {
	if whence == io.SeekEnd {
		return r.size + offset, nil
	}
	return r.Reader.Seek(offset, whence)
}

func (s *StreamTest) TestSubStreamShortRead(t *C) {
	gate := Ticket{Total: 1}.Init()
	r := &truncatedReader{bytes.NewReader([]byte("abc")), 10}

	sub, err := NewSubStream(context.Background(), r, 1, 5, gate)
	t.Assert(err, IsNil)

	_, err = io.ReadAll(sub)
	t.Assert(err, Equals, io.ErrUnexpectedEOF)
}

func (s *StreamTest) TestSubStreamCancel(t *C) {
	ctx, cancel := context.WithCancel(context.Background())
	gate := Ticket{Total: 1}.Init()
	sub, err := NewSubStream(ctx, bytes.NewReader([]byte("abc")), 0, 3, gate)
	t.Assert(err, IsNil)

	cancel()
	_, err = sub.Read(make([]byte, 1))
	t.Assert(errors.Is(err, ErrCancelled), Equals, true)
	t.Assert(gate.Outstanding(), Equals, uint32(0))
}

// many views over one stream read concurrently and each sees exactly
// its own range
func (s *StreamTest) TestSubStreamConcurrent(t *C) {
	const size = 1024 * 1024
	const views = 16
	data := randomBytes(size, 1)

	gate := Ticket{Total: 1}.Init()
	r := bytes.NewReader(data)

	var wg sync.WaitGroup
	for i := 0; i < views; i++ {
		begin := int64(i) * size / views
		length := int64(size / views)
		if i%3 == 0 {
			// overlapping views are fine too
			length = MinInt64(length*2, size-begin)
		}

		sub, err := NewSubStream(context.Background(), r, begin, length, gate)
		t.Assert(err, IsNil)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sub.Close()

			h := md5.New()
			buf := make([]byte, 1337)
			for {
				n, err := sub.Read(buf)
				h.Write(buf[:n])
				if err == io.EOF {
					break
				}
				if !t.Check(err, IsNil) {
					return
				}
			}

			expected := md5.Sum(data[begin : begin+length])
			t.Check(h.Sum(nil), DeepEquals, expected[:])
		}()
	}
	wg.Wait()

	t.Assert(gate.Outstanding(), Equals, uint32(0))
}

type closeCounter struct {
	*bytes.Reader
	closes int
}

func (c *closeCounter) Close() error {
	c.closes++
	return nil
}

func (s *StreamTest) TestLimitStream(t *C) {
	r := bytes.NewReader([]byte("0123456789"))
	r.Seek(2, io.SeekStart)

	l, err := NewLimitStream(r, 5)
	t.Assert(err, IsNil)
	t.Assert(l.Len(), Equals, int64(5))

	data, err := io.ReadAll(l)
	t.Assert(err, IsNil)
	t.Assert(string(data), Equals, "23456")

	pos, err := l.Seek(-2, io.SeekEnd)
	t.Assert(err, IsNil)
	t.Assert(pos, Equals, int64(3))
	data, err = io.ReadAll(l)
	t.Assert(err, IsNil)
	t.Assert(string(data), Equals, "56")

	_, err = l.Seek(6, io.SeekStart)
	t.Assert(errors.Is(err, ErrOutOfRange), Equals, true)

	pos, err = l.Seek(1, io.SeekStart)
	t.Assert(err, IsNil)
	t.Assert(pos, Equals, int64(1))
	data, err = io.ReadAll(l)
	t.Assert(err, IsNil)
	t.Assert(string(data), Equals, "3456")
}

func (s *StreamTest) TestLimitStreamShort(t *C) {
	r := bytes.NewReader([]byte("0123456789"))
	r.Seek(7, io.SeekStart)

	// the window stops at the end of the stream
	l, err := NewLimitStream(r, 100)
	t.Assert(err, IsNil)
	t.Assert(l.Len(), Equals, int64(3))

	data, err := io.ReadAll(l)
	t.Assert(err, IsNil)
	t.Assert(string(data), Equals, "789")

	_, err = NewLimitStream(r, -1)
	t.Assert(errors.Is(err, ErrInvalidArgument), Equals, true)
	_, err = NewLimitStream(nil, 1)
	t.Assert(errors.Is(err, ErrInvalidArgument), Equals, true)
}

func (s *StreamTest) TestLimitStreamClose(t *C) {
	c := &closeCounter{Reader: bytes.NewReader([]byte("abc"))}
	l, err := NewLimitStream(c, 2)
	t.Assert(err, IsNil)

	t.Assert(l.Close(), IsNil)
	t.Assert(l.Close(), IsNil)
	t.Assert(c.closes, Equals, 1)

	_, err = l.Read(make([]byte, 1))
	t.Assert(err, Equals, ErrClosed)
}

func chunkLengths(t *C, chunks Chunks) (lengths []int64, data []byte) {
	for {
		c, err := chunks.Next()
		if err == io.EOF {
			break
		}
		t.Assert(err, IsNil)

		lengths = append(lengths, c.Len())
		buf, err := io.ReadAll(c)
		t.Assert(err, IsNil)
		t.Assert(int64(len(buf)), Equals, c.Len())
		data = append(data, buf...)
		c.Close()
	}
	return
}

func (s *StreamTest) TestMultiSubStream(t *C) {
	r := bytes.NewReader([]byte("0123456789"))

	chunks, err := OpenMultiSubStream(context.Background(), r, 0, -1, 4)
	t.Assert(err, IsNil)

	lengths, data := chunkLengths(t, chunks)
	t.Assert(lengths, DeepEquals, []int64{4, 4, 2})
	t.Assert(string(data), Equals, "0123456789")

	chunks, err = OpenMultiSubStream(context.Background(), r, 3, 5, 2)
	t.Assert(err, IsNil)
	lengths, data = chunkLengths(t, chunks)
	t.Assert(lengths, DeepEquals, []int64{2, 2, 1})
	t.Assert(string(data), Equals, "34567")
}

func (s *StreamTest) TestMultiSubStreamEdges(t *C) {
	ctx := context.Background()
	r := bytes.NewReader([]byte("0123456789"))

	chunks, err := OpenMultiSubStream(ctx, r, 10, -1, 4)
	t.Assert(err, IsNil)
	_, err = chunks.Next()
	t.Assert(err, Equals, io.EOF)

	chunks, err = OpenMultiSubStream(ctx, r, 0, 0, 4)
	t.Assert(err, IsNil)
	_, err = chunks.Next()
	t.Assert(err, Equals, io.EOF)

	// an exact multiple leaves no empty tail
	chunks, err = OpenMultiSubStream(ctx, r, 2, 8, 4)
	t.Assert(err, IsNil)
	lengths, _ := chunkLengths(t, chunks)
	t.Assert(lengths, DeepEquals, []int64{4, 4})

	_, err = OpenMultiSubStream(ctx, r, 0, -1, 0)
	t.Assert(errors.Is(err, ErrInvalidArgument), Equals, true)
	_, err = OpenMultiSubStream(ctx, r, 11, -1, 4)
	t.Assert(errors.Is(err, ErrInvalidArgument), Equals, true)
	_, err = OpenMultiSubStream(ctx, r, 5, 6, 4)
	t.Assert(errors.Is(err, ErrInvalidArgument), Equals, true)
	_, err = OpenMultiSubStream(ctx, nil, 0, -1, 4)
	t.Assert(errors.Is(err, ErrInvalidArgument), Equals, true)
}

func (s *StreamTest) TestMultiFileStream(t *C) {
	data := randomBytes(10000, 2)
	path := filepath.Join(t.MkDir(), "data")
	t.Assert(os.WriteFile(path, data, 0600), IsNil)

	chunks, err := OpenMultiFileStream(path, 0, -1, 4096)
	t.Assert(err, IsNil)
	lengths, read := chunkLengths(t, chunks)
	t.Assert(lengths, DeepEquals, []int64{4096, 4096, 1808})
	t.Assert(read, DeepEquals, data)

	chunks, err = OpenMultiFileStream(path, 100, 5000, 4096)
	t.Assert(err, IsNil)
	lengths, read = chunkLengths(t, chunks)
	t.Assert(lengths, DeepEquals, []int64{4096, 904})
	t.Assert(read, DeepEquals, data[100:5100])

	_, err = OpenMultiFileStream(path, 0, 10001, 4096)
	t.Assert(errors.Is(err, ErrInvalidArgument), Equals, true)
	_, err = OpenMultiFileStream(t.MkDir(), 0, -1, 4096)
	t.Assert(errors.Is(err, ErrInvalidArgument), Equals, true)
	_, err = OpenMultiFileStream(filepath.Join(t.MkDir(), "missing"), 0, -1, 4096)
	t.Assert(os.IsNotExist(err), Equals, true)
}

func (s *StreamTest) TestMultiFileStreamShrunk(t *C) {
	path := filepath.Join(t.MkDir(), "data")
	t.Assert(os.WriteFile(path, make([]byte, 100), 0600), IsNil)

	chunks, err := OpenMultiFileStream(path, 0, -1, 60)
	t.Assert(err, IsNil)

	c, err := chunks.Next()
	t.Assert(err, IsNil)
	c.Close()

	t.Assert(os.Truncate(path, 70), IsNil)
	_, err = chunks.Next()
	t.Assert(err, Equals, io.ErrUnexpectedEOF)
}

func (s *StreamTest) TestChunkSliceClose(t *C) {
	streams := make([]*closeCounter, 3)
	chunks := make([]ChunkStream, 3)
	for i := range streams {
		streams[i] = &closeCounter{Reader: bytes.NewReader([]byte("abc"))}
		chunks[i] = &trackedStream{closeCounter: streams[i]}
	}

	slice := ChunkSlice(chunks...)
	first, err := slice.Next()
	t.Assert(err, IsNil)
	t.Assert(first, Equals, chunks[0])

	t.Assert(slice.Close(), IsNil)
	_, err = slice.Next()
	t.Assert(err, Equals, io.EOF)

	// streams already handed out belong to the caller
	t.Assert(streams[0].closes, Equals, 0)
	t.Assert(streams[1].closes, Equals, 1)
	t.Assert(streams[2].closes, Equals, 1)
}

type trackedStream struct {
	*closeCounter
	mu sync.Mutex
}

func (s *trackedStream) Len() int64 {
	return s.Size()
}

func (s *trackedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCounter.Close()
}

func (s *trackedStream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *StreamTest) TestLimitStreamShortRead(t *C) {
	r := &truncatedReader{bytes.NewReader([]byte("abc")), 10}

	l, err := NewLimitStream(r, 8)
	t.Assert(err, IsNil)
	t.Assert(l.Len(), Equals, int64(8))

	data, err := io.ReadAll(l)
	t.Assert(err, Equals, io.ErrUnexpectedEOF)
	t.Assert(string(data), Equals, "abc")
}

// a file that shrinks under an open chunk cuts the chunk short
func (s *StreamTest) TestMultiFileStreamTruncatedChunk(t *C) {
	path := filepath.Join(t.MkDir(), "data")
	t.Assert(os.WriteFile(path, randomBytes(100, 60), 0600), IsNil)

	chunks, err := OpenMultiFileStream(path, 0, -1, 60)
	t.Assert(err, IsNil)
	defer chunks.Close()

	c, err := chunks.Next()
	t.Assert(err, IsNil)
	defer c.Close()

	t.Assert(os.Truncate(path, 40), IsNil)
	_, err = io.ReadAll(c)
	t.Assert(err, Equals, io.ErrUnexpectedEOF)
}

func (s *StreamTest) TestSizedBody(t *C) {
	data := []byte("0123456789")
	chunks, err := OpenMultiSubStream(context.Background(), bytes.NewReader(data), 2, 6, 6)
	t.Assert(err, IsNil)
	defer chunks.Close()

	c, err := chunks.Next()
	t.Assert(err, IsNil)
	defer c.Close()

	_, err = c.Seek(0, io.SeekEnd)
	t.Assert(errors.Is(err, ErrUnsupported), Equals, true)

	body := withSize(c, c.Len())
	end, err := body.Seek(0, io.SeekEnd)
	t.Assert(err, IsNil)
	t.Assert(end, Equals, int64(6))

	pos, err := body.Seek(-2, io.SeekEnd)
	t.Assert(err, IsNil)
	t.Assert(pos, Equals, int64(4))
	read, err := io.ReadAll(body)
	t.Assert(err, IsNil)
	t.Assert(string(read), Equals, "67")

	_, err = body.Seek(1, io.SeekEnd)
	t.Assert(errors.Is(err, ErrOutOfRange), Equals, true)

	pos, err = body.Seek(0, io.SeekStart)
	t.Assert(err, IsNil)
	t.Assert(pos, Equals, int64(0))
	read, err = io.ReadAll(body)
	t.Assert(err, IsNil)
	t.Assert(string(read), Equals, "234567")
}

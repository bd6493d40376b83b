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
	. "github.com/kahing/blobstream/api/common"

	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	. "gopkg.in/check.v1"
)

type memRangeSource struct {
	data  []byte
	calls int32
	delay time.Duration
	// fails ranges starting at this offset when set
	failAt  int64
	failErr error
	// serves fewer bytes than asked for
	short bool
}

func (m *memRangeSource) GetRange(ctx context.Context, offset int64, count int64) (io.ReadCloser, error) {
	atomic.AddInt32(&m.calls, 1)

	if m.delay != 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.failErr != nil && offset == m.failAt {
		return nil, m.failErr
	}
	if offset > int64(len(m.data)) {
		return nil, syscall.EINVAL
	}

	end := int64(len(m.data))
	if count > 0 {
		end = MinInt64(offset+count, end)
	}
	if m.short {
		end--
	}
	return io.NopCloser(bytes.NewReader(m.data[offset:end])), nil
}

func (m *memRangeSource) Calls() int {
	return int(atomic.LoadInt32(&m.calls))
}

type memWriterAt struct {
	mu   sync.Mutex
	data []byte
}

func (w *memWriterAt) WriteAt(p []byte, off int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if end := off + int64(len(p)); end > int64(len(w.data)) {
		w.data = append(w.data, make([]byte, end-int64(len(w.data)))...)
	}
	copy(w.data[off:], p)
	return len(p), nil
}

type DownloadTest struct {
}

var _ = Suite(&DownloadTest{})

func (s *DownloadTest) TestDownload(t *C) {
	data := randomBytes(10000, 20)
	src := &memRangeSource{data: data, delay: time.Millisecond}
	w := &memWriterAt{}

	err := ParallelDownload(context.Background(), src, int64(len(data)), w,
		DownloadOptions{ChunkSize: 999, Parallelism: 4})
	t.Assert(err, IsNil)
	t.Assert(w.data, DeepEquals, data)
	t.Assert(src.Calls(), Equals, 11)
}

func (s *DownloadTest) TestDownloadEmpty(t *C) {
	src := &memRangeSource{}
	w := &memWriterAt{}

	err := ParallelDownload(context.Background(), src, 0, w,
		DownloadOptions{ChunkSize: 4, Parallelism: 4})
	t.Assert(err, IsNil)
	t.Assert(src.Calls(), Equals, 0)
	t.Assert(w.data, HasLen, 0)
}

func (s *DownloadTest) TestDownloadFailure(t *C) {
	src := &memRangeSource{
		data:    randomBytes(100, 21),
		failAt:  40,
		failErr: syscall.ENOENT,
	}

	err := ParallelDownload(context.Background(), src, 100, &memWriterAt{},
		DownloadOptions{ChunkSize: 10, Parallelism: 1})
	var terr *TransportError
	t.Assert(errors.As(err, &terr), Equals, true)
	t.Assert(terr.Index, Equals, 4)
	t.Assert(terr.Op, Equals, "download")
	t.Assert(errors.Is(err, syscall.ENOENT), Equals, true)
	// nothing is started after the failure
	t.Assert(src.Calls(), Equals, 5)
}

func (s *DownloadTest) TestDownloadShort(t *C) {
	src := &memRangeSource{data: randomBytes(100, 22), short: true}

	err := ParallelDownload(context.Background(), src, 100, &memWriterAt{},
		DownloadOptions{ChunkSize: 10, Parallelism: 2})
	t.Assert(errors.Is(err, io.ErrUnexpectedEOF), Equals, true)
}

func (s *DownloadTest) TestDownloadCancelled(t *C) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &memRangeSource{data: randomBytes(100, 23), delay: time.Second}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := ParallelDownload(ctx, src, 100, &memWriterAt{},
		DownloadOptions{ChunkSize: 10, Parallelism: 2})
	t.Assert(errors.Is(err, ErrCancelled), Equals, true)
	t.Assert(time.Since(start) < time.Second, Equals, true)
}

func (s *DownloadTest) TestDownloadInvalid(t *C) {
	src := &memRangeSource{}

	err := ParallelDownload(context.Background(), src, 10, &memWriterAt{},
		DownloadOptions{ChunkSize: 0, Parallelism: 1})
	t.Assert(errors.Is(err, ErrInvalidArgument), Equals, true)

	err = ParallelDownload(context.Background(), src, -1, &memWriterAt{},
		DownloadOptions{ChunkSize: 1, Parallelism: 1})
	t.Assert(errors.Is(err, ErrInvalidArgument), Equals, true)

	err = ParallelDownload(context.Background(), src, 10, &memWriterAt{},
		DownloadOptions{ChunkSize: 1})
	t.Assert(errors.Is(err, ErrInvalidArgument), Equals, true)
}

type BlockCacheTest struct {
	flags *FlagStorage
}

var _ = Suite(&BlockCacheTest{})

func (s *BlockCacheTest) SetUpTest(t *C) {
	s.flags = &FlagStorage{
		BlockReadCacheSize:     1000,
		BlockReadCacheMemRatio: 0.0001,
	}
}

func (s *BlockCacheTest) TestReadAll(t *C) {
	data := randomBytes(10500, 30)
	src := &memRangeSource{data: data}

	cache := NewBlockCache(context.Background(), src, int64(len(data)), s.flags)
	t.Assert(cache.Size(), Equals, int64(len(data)))

	read, err := io.ReadAll(io.NewSectionReader(cache, 0, cache.Size()))
	t.Assert(err, IsNil)
	t.Assert(read, DeepEquals, data)
	// a small blob is read ahead in one go
	t.Assert(src.Calls(), Equals, 1)

	read, err = io.ReadAll(io.NewSectionReader(cache, 5000, 3000))
	t.Assert(err, IsNil)
	t.Assert(read, DeepEquals, data[5000:8000])
	t.Assert(src.Calls(), Equals, 1)
}

func (s *BlockCacheTest) TestReadAt(t *C) {
	data := randomBytes(2500, 31)
	cache := NewBlockCache(context.Background(), &memRangeSource{data: data}, int64(len(data)), s.flags)

	buf := make([]byte, 700)
	n, err := cache.ReadAt(buf, 900)
	t.Assert(err, IsNil)
	t.Assert(n, Equals, 700)
	t.Assert(buf, DeepEquals, data[900:1600])

	n, err = cache.ReadAt(buf, 2000)
	t.Assert(err, Equals, io.EOF)
	t.Assert(n, Equals, 500)
	t.Assert(buf[:n], DeepEquals, data[2000:])

	n, err = cache.ReadAt(buf, 2500)
	t.Assert(err, Equals, io.EOF)
	t.Assert(n, Equals, 0)

	_, err = cache.ReadAt(buf, -1)
	t.Assert(errors.Is(err, ErrInvalidArgument), Equals, true)
}

func (s *BlockCacheTest) TestReadError(t *C) {
	data := randomBytes(3000, 32)
	src := &memRangeSource{data: data, failAt: 0, failErr: syscall.EAGAIN}
	cache := NewBlockCache(context.Background(), src, int64(len(data)), s.flags)

	buf := make([]byte, 10)
	_, err := cache.ReadAt(buf, 0)
	t.Assert(err, Equals, syscall.EAGAIN)

	// the failed block is dropped and read again
	src.failErr = nil
	n, err := cache.ReadAt(buf, 0)
	t.Assert(err, IsNil)
	t.Assert(n, Equals, 10)
	t.Assert(buf, DeepEquals, data[:10])
}

func (s *BlockCacheTest) TestShortRange(t *C) {
	data := randomBytes(3000, 33)
	src := &memRangeSource{data: data, short: true}
	cache := NewBlockCache(context.Background(), src, int64(len(data)), s.flags)

	_, err := cache.ReadAt(make([]byte, 10), 2990)
	t.Assert(err, Equals, io.ErrUnexpectedEOF)
}

// SubStreams over a shared cached reader see their own ranges
func (s *BlockCacheTest) TestSubStreams(t *C) {
	data := randomBytes(8000, 34)
	src := &memRangeSource{data: data}
	cache := NewBlockCache(context.Background(), src, int64(len(data)), s.flags)
	r := io.NewSectionReader(cache, 0, cache.Size())

	chunks, err := OpenMultiSubStream(context.Background(), r, 0, -1, 3000)
	t.Assert(err, IsNil)

	transport := newMemTransport()
	_, err = ParallelUpload(context.Background(), chunks, transport, UploadOptions{Parallelism: 3})
	t.Assert(err, IsNil)
	t.Assert(transport.Content(), DeepEquals, data)
}

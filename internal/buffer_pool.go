// Copyright 2015 - 2017 Ka-Hing Cheung
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

	"io"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/shirou/gopsutil/mem"
)

// BufferPool hands out fixed size buffers to chunks that are being
// assembled or are in flight. When maxBuffers is 0 the limit follows
// the memory available on the machine.
type BufferPool struct {
	mu   sync.Mutex
	cond *sync.Cond

	bufSize    uint64
	numBuffers uint64
	maxBuffers uint64

	totalBuffers       uint64
	computedMaxbuffers uint64

	pool *sync.Pool
}

const BUF_SIZE = 5 * 1024 * 1024

var mbufLog = GetLogger("mbuf")

func maxMemToUse(buffersNow uint64, bufSize uint64) uint64 {
	m, err := mem.VirtualMemory()
	if err != nil {
		panic(err)
	}

	available := m.Available
	if cgroupAvailable, err := getCgroupAvailableMem(); err == nil && cgroupAvailable < available {
		available = cgroupAvailable
	}

	mbufLog.Debugf("amount of available memory: %v", available/1024/1024)

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	mbufLog.Debugf("amount of allocated memory: %v %v", ms.Sys/1024/1024, ms.Alloc/1024/1024)

	max := uint64(available+ms.Sys) / 2
	maxbuffers := MaxUInt64(max/bufSize, 1)
	mbufLog.Debugf("using up to %v %vKB buffers, now is %v", maxbuffers, bufSize/1024, buffersNow)
	return maxbuffers
}

func pages(size uint64, pageSize uint64) int {
	return int((size + pageSize - 1) / pageSize)
}

func (pool BufferPool) Init() *BufferPool {
	pool.cond = sync.NewCond(&pool.mu)

	if pool.bufSize == 0 {
		pool.bufSize = BUF_SIZE
	}
	bufSize := pool.bufSize

	pool.computedMaxbuffers = pool.maxBuffers
	pool.pool = &sync.Pool{New: func() interface{} {
		return make([]byte, 0, bufSize)
	}}

	return &pool
}

// NewBufferPool creates a pool of bufSize buffers using at most
// maxSizeGlobal bytes, or a share of free memory if maxSizeGlobal is 0
func NewBufferPool(maxSizeGlobal uint64, bufSize uint64) *BufferPool {
	if bufSize == 0 {
		bufSize = BUF_SIZE
	}
	return BufferPool{
		bufSize:    bufSize,
		maxBuffers: maxSizeGlobal / bufSize,
	}.Init()
}

func (pool *BufferPool) BufSize() uint64 {
	return pool.bufSize
}

func (pool *BufferPool) InUse() uint64 {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	return pool.numBuffers
}

func (pool *BufferPool) recomputeBufferLimit() {
	if pool.maxBuffers == 0 {
		pool.computedMaxbuffers = maxMemToUse(pool.numBuffers, pool.bufSize)
		if pool.computedMaxbuffers == 0 {
			panic("OOM")
		}
	}
}

func (pool *BufferPool) RequestMultiple(size uint64, block bool) (buffers [][]byte) {
	nPages := pages(size, pool.bufSize)

	pool.mu.Lock()
	defer pool.mu.Unlock()

	if pool.totalBuffers%10 == 0 {
		pool.recomputeBufferLimit()
	}

	for pool.numBuffers+uint64(nPages) > pool.computedMaxbuffers {
		if block {
			if pool.numBuffers == 0 {
				pool.MaybeGC()
				pool.recomputeBufferLimit()
				if pool.numBuffers+uint64(nPages) > pool.computedMaxbuffers {
					// we don't have any in use buffers, and we've made attempts to
					// free memory AND correct our limits, yet we still can't allocate.
					// it's likely that we are simply asking for too much
					mbufLog.Errorf("Unable to allocate %d bytes, limit is %d bytes",
						uint64(nPages)*pool.bufSize, pool.computedMaxbuffers*pool.bufSize)
					panic("OOM")
				}
			}
			pool.cond.Wait()
		} else {
			return
		}
	}

	for i := 0; i < nPages; i++ {
		pool.numBuffers++
		pool.totalBuffers++
		buf := pool.pool.Get()
		buffers = append(buffers, buf.([]byte))
	}
	return
}

func (pool *BufferPool) MaybeGC() {
	if pool.numBuffers == 0 {
		debug.FreeOSMemory()
	}
}

func (pool *BufferPool) Free(buf []byte) {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	buf = buf[:0]
	pool.pool.Put(buf)
	pool.numBuffers--
	pool.cond.Signal()
}

// MBuf is a chunk assembled in pooled buffers. It is written once, up
// to its size, then read (and re-read on retries) by the transport.
// Closing it gives the buffers back to the pool.
type MBuf struct {
	pool    *BufferPool
	buffers [][]byte
	size    int64

	// number of bytes written so far
	wlen int64
	// read position
	rpos int64
}

var _ ChunkStream = &MBuf{}

func (mb MBuf) Init(h *BufferPool, size uint64, block bool) *MBuf {
	mb.pool = h
	mb.size = int64(size)

	if size != 0 {
		mb.buffers = h.RequestMultiple(size, block)
		if mb.buffers == nil {
			return nil
		}
	}

	return &mb
}

func (mb *MBuf) bufSize() int64 {
	return int64(mb.pool.bufSize)
}

func (mb *MBuf) Len() int64 {
	return mb.wlen
}

func (mb *MBuf) Seek(offset int64, whence int) (int64, error) {
	pos, err := seekTarget(offset, whence, mb.rpos, mb.wlen, true)
	if err != nil {
		mbufLog.Errorf("Seek %d %d: %v", offset, whence, err)
		return mb.rpos, err
	}
	mb.rpos = pos
	return pos, nil
}

func (mb *MBuf) Read(p []byte) (n int, err error) {
	if mb.buffers == nil && mb.wlen != 0 {
		return 0, ErrClosed
	}

	for len(p) != 0 && mb.rpos < mb.wlen {
		b := mb.buffers[mb.rpos/mb.bufSize()]
		nread := copy(p, b[mb.rpos%mb.bufSize():])
		mb.rpos += int64(nread)
		n += nread
		p = p[nread:]
	}

	if n == 0 && mb.rpos == mb.wlen {
		err = io.EOF
	}
	return
}

func (mb *MBuf) Full() bool {
	return mb.buffers == nil || mb.wlen == mb.size
}

// next writable slice, resized to account for what will be written
func (mb *MBuf) writable() []byte {
	wbuf := mb.wlen / mb.bufSize()
	wp := mb.wlen % mb.bufSize()
	b := mb.buffers[wbuf]

	avail := MinInt64(int64(cap(b))-wp, mb.size-mb.wlen)
	return b[wp : wp+avail]
}

func (mb *MBuf) advance(n int) {
	wbuf := mb.wlen / mb.bufSize()
	mb.wlen += int64(n)
	mb.buffers[wbuf] = mb.buffers[wbuf][:mb.wlen-wbuf*mb.bufSize()]
}

// Write copies as much of p as fits. A short count means the buffer is
// full.
func (mb *MBuf) Write(p []byte) (n int, err error) {
	for len(p) != 0 && !mb.Full() {
		nCopied := copy(mb.writable(), p)
		mb.advance(nCopied)
		n += nCopied
		p = p[nCopied:]
	}
	return
}

func (mb *MBuf) WriteFrom(r io.Reader) (n int, err error) {
	if mb.Full() {
		return
	}

	n, err = r.Read(mb.writable())
	mb.advance(n)
	return
}

// Pad fills the rest of the buffer up to length with zeros
func (mb *MBuf) Pad(length int64) {
	for mb.wlen < MinInt64(length, mb.size) {
		b := mb.writable()
		n := MinInt64(int64(len(b)), length-mb.wlen)
		for i := range b[:n] {
			b[i] = 0
		}
		mb.advance(int(n))
	}
}

func (mb *MBuf) Free() {
	for _, b := range mb.buffers {
		mb.pool.Free(b)
	}

	mb.buffers = nil
}

func (mb *MBuf) Close() error {
	mb.Free()
	return nil
}

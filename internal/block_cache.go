// Copyright 2020 Databricks
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
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2"
	"github.com/pbnjay/memory"
)

// blob smaller than this will be read at once
const BLOCK_CACHE_READ_ALL_SIZE = 20 * 1024 * 1024 // 20MiB

const DEFAULT_BLOCK_CACHE_BLOCK_SIZE = 1024 * 1024
const DEFAULT_BLOCK_CACHE_MEM_RATIO = 0.1

// how many blocks a miss reads past the one requested
const READ_AHEAD_BLOCKS = 8

// maximum number of goroutines working on readahead
const MAX_PREFETCH_THREADS = int32(16)

type CacheValue struct {
	mu   sync.RWMutex
	Data []byte // nil if error is present
	Err  error  // should be checked before trying to access the value
}

// BlockCache reads a blob through an LRU cache of fixed size blocks. It
// is an io.ReaderAt, so io.NewSectionReader turns it into a seekable
// stream that many SubStreams can share.
type BlockCache struct {
	ctx  context.Context
	src  RangeSource
	size uint64

	mu        sync.RWMutex
	lru       *lru.Cache[uint64, *CacheValue]
	blockSize uint64

	// number of alive prefetch goroutines
	numPrefetchThreads int32
	readAheadBlocks    int
}

// result of reading the cache
type cacheReadResult struct {
	blkId uint64      // block ID
	block *CacheValue // the cache block; guaranteed to be non-nil

	// whether this block is newly created; if it is true, write lock of block
	// is acquired
	isNewAlloc bool
}

func NewBlockCache(ctx context.Context, src RangeSource, size int64,
	flags *FlagStorage) *BlockCache {

	blockSize := flags.BlockReadCacheSize
	if blockSize == 0 {
		blockSize = DEFAULT_BLOCK_CACHE_BLOCK_SIZE
	}
	ratio := flags.BlockReadCacheMemRatio
	if ratio == 0 {
		ratio = DEFAULT_BLOCK_CACHE_MEM_RATIO
	}

	n := int(float64(memory.TotalMemory()/blockSize) * ratio)
	n = MaxInt(n, (BLOCK_CACHE_READ_ALL_SIZE*2-1)/int(blockSize)+1)
	cache, err := lru.New[uint64, *CacheValue](n)
	if err != nil {
		log.Panic("failed to allocate LRU cache", err)
	}
	log.Debugf("block cache: size=%d mem=%.2fGiB", n,
		float64(n)*float64(blockSize)/1024/1024/1024)

	readAhead := READ_AHEAD_BLOCKS
	if size <= BLOCK_CACHE_READ_ALL_SIZE {
		readAhead = int(DivUpInt64(size, int64(blockSize)))
	}

	return &BlockCache{
		ctx:             ctx,
		src:             src,
		size:            uint64(size),
		lru:             cache,
		blockSize:       blockSize,
		readAheadBlocks: MaxInt(readAhead, 1),
	}
}

func (bc *BlockCache) Size() int64 {
	return int64(bc.size)
}

func (bc *BlockCache) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, invalidArgument("negative offset %v", off)
	}

	for len(p) != 0 && uint64(off) < bc.size {
		block, blockOffset := bc.Get(uint64(off))
		if block.Err != nil {
			// retry on the next read
			bc.Remove(uint64(off))
			return n, block.Err
		}

		nCopied := copy(p, block.Data[uint64(off)-blockOffset:])
		n += nCopied
		p = p[nCopied:]
		off += int64(nCopied)
	}

	if len(p) != 0 {
		err = io.EOF
	}
	return
}

// Get a cache node containing given offset (which must be within the blob
// size); this function requests the range if the block is not cached yet.
// Remember to check the error marker before accessing the data.
func (bc *BlockCache) Get(offset uint64) (cacheBlock *CacheValue, cacheOffset uint64) {
	assert(offset < bc.size, "invalid Get")

	blkId := offset / bc.blockSize
	cacheOffset = blkId * bc.blockSize

	headRead := bc.getOrAllocate(blkId)
	cacheBlock = headRead.block

	if headRead.isNewAlloc {
		numBlocks := MinInt(bc.readAheadBlocks,
			int(DivUpInt64(int64(bc.size), int64(bc.blockSize))-int64(blkId)))

		blocks := make([]cacheReadResult, 0, numBlocks)
		blocks = append(blocks, headRead)
		if numBlocks > 1 && bc.acquirePrefetchThread() {
			// read ahead, but stop at the first existing block
			blocks = append(blocks,
				bc.getOrAllocateMany2(blkId+1, numBlocks-1, true)...)
			if len(blocks) == 1 {
				bc.releasePrefetchThread()
				bc.readMultipleBlocks(blocks, false)
			} else {
				go bc.readMultipleBlocks(blocks, true)
			}
		} else {
			bc.readMultipleBlocks(blocks, false)
		}
	}

	cacheBlock.mu.RLock() // wait the writer to finish
	cacheBlock.mu.RUnlock()
	assert((cacheBlock.Err == nil) == (cacheBlock.Data != nil),
		"block not read")
	return
}

// Read into consecutive blocks.
// Write locks will be released after the read is finished.
// If ownPrefetchThread is true, the prefetch thread will be released
func (bc *BlockCache) readMultipleBlocks(blocks []cacheReadResult, ownPrefetchThread bool) {
	assert(len(blocks) > 0 && blocks[0].isNewAlloc,
		"empty blocks for readMultipleBlocks")

	for i := 0; i < len(blocks); i++ {
		assert(blocks[i].blkId-blocks[0].blkId == uint64(i),
			"block not consecutive")
	}

	totSize := MinUInt64(
		bc.blockSize*uint64(len(blocks)),
		bc.size-blocks[0].blkId*bc.blockSize)
	reader, err := bc.src.GetRange(bc.ctx,
		int64(blocks[0].blkId*bc.blockSize), int64(totSize))
	finished := 0

	// release the thread, and set error markers
	defer func() {
		if ownPrefetchThread {
			bc.releasePrefetchThread()
		}

		for i := finished; i < len(blocks); i++ {
			assert(err != nil, "unhandled block read")
			c := blocks[i].block
			c.Err = err
			c.mu.Unlock()
		}
	}()

	if err != nil {
		return
	}
	defer reader.Close()

	remainSize := totSize

	for ; finished < len(blocks); finished++ {
		assert(remainSize > 0, "remain_size=0: blocks exceed blob size")
		bufSize := int(MinUInt64(remainSize, bc.blockSize))
		remainSize -= uint64(bufSize)
		buf := make([]byte, bufSize)

		_, err = io.ReadFull(reader, buf)
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			// the deferred function will set error markers
			return
		}

		bytesTransferred.WithLabelValues("download").Add(float64(bufSize))
		c := blocks[finished].block
		c.Data = buf
		c.mu.Unlock()
	}
}

// try to acquire a prefetch thread; return false if the limit is reached
func (bc *BlockCache) acquirePrefetchThread() bool {
	num := atomic.AddInt32(&bc.numPrefetchThreads, 1)
	if num > MAX_PREFETCH_THREADS {
		bc.releasePrefetchThread()
		return false
	}
	return true
}

func (bc *BlockCache) releasePrefetchThread() {
	num := atomic.AddInt32(&bc.numPrefetchThreads, -1)
	assert(num >= 0, "num_prefetch_threads < 0")
}

// Get a cache block. new_alloc indicates if this block is newly allocated. If
// it is true, the write lock is acquired, and the caller should fill in the
// data.
func (bc *BlockCache) getOrAllocate(blkId uint64) (ret cacheReadResult) {
	return bc.getOrAllocateMany2(blkId, 1, false)[0]
}

// return immediately if requireNewAlloc is true but the block already exists
func (bc *BlockCache) getOrAllocateMany2(blkId uint64, num int, requireNewAlloc bool) (
	ret []cacheReadResult) {

	assert(num >= 0, "invalid num")
	if num == 0 {
		return nil
	}
	ret = make([]cacheReadResult, 0, num)

	var ok bool
	var block *CacheValue

	hasBcWriteLock := false
	bc.mu.RLock()

	for i := 0; i < num; i++ {
		key := blkId + uint64(i)
		assert(key*bc.blockSize < bc.size, "block exceeds blob size")

		block, ok = bc.lru.Get(key)
		if ok {
			if requireNewAlloc {
				break
			}
			ret = append(ret, cacheReadResult{
				blkId:      key,
				block:      block,
				isNewAlloc: false,
			})
			continue
		}

		if !hasBcWriteLock {
			bc.mu.RUnlock()
			bc.mu.Lock()
			i-- // try getting again with write lock
			hasBcWriteLock = true
			continue
		}

		// create a new block now
		block = &CacheValue{}
		block.mu.Lock() // acquire cache wlock before returning
		ret = append(ret, cacheReadResult{
			blkId:      key,
			block:      block,
			isNewAlloc: true,
		})
		bc.lru.Add(key, block)
	}

	if hasBcWriteLock {
		bc.mu.Unlock()
	} else {
		bc.mu.RUnlock()
	}
	return
}

// remove a cache entry, usually used due to read error
func (bc *BlockCache) Remove(offset uint64) {
	bc.mu.Lock()
	bc.lru.Remove(offset / bc.blockSize)
	bc.mu.Unlock()
}

func assert(cond bool, msg string) {
	if !cond {
		panic(msg)
	}
}

var _ io.ReaderAt = &BlockCache{}

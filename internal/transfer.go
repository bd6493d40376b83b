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

	"context"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

// TransferStats describes a finished transfer
type TransferStats struct {
	Key    string
	Bytes  int64
	Chunks int
}

func writeOptions(flags *FlagStorage, pool *BufferPool) WriteOptions {
	return WriteOptions{
		ChunkSize:        flags.ChunkSize,
		Parallelism:      flags.Parallelism,
		Pool:             pool,
		ContentMD5:       flags.ContentMD5,
		TransactionalMD5: flags.TransactionalMD5,
	}
}

func newBufferPool(flags *FlagStorage) *BufferPool {
	return NewBufferPool(flags.MaxBufferMemory, uint64(MinInt64(flags.ChunkSize, BUF_SIZE)))
}

// UploadFile uploads a local file. Block blobs are read by one file
// handle per chunk; page blobs go through a page write stream and are
// zero padded to a page boundary.
func UploadFile(ctx context.Context, backend StorageBackend, key string, path string,
	flags *FlagStorage) (stats *TransferStats, err error) {

	if flags.Gzip {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return UploadStream(ctx, backend, key, f, flags.GetMimeType(path), flags)
	}

	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	size := st.Size()

	err = backend.Capabilities().Validate(flags.ChunkSize, size)
	if err != nil {
		return nil, err
	}

	contentType := flags.GetMimeType(path)
	stats = &TransferStats{
		Key:    key,
		Bytes:  size,
		Chunks: int(DivUpInt64(size, flags.ChunkSize)),
	}

	if flags.PageBlob {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		blobSize := MaxInt64(DivUpInt64(size, PAGE_SIZE)*PAGE_SIZE, flags.PageBlobSize)
		pages, err := backend.NewPageBlob(ctx, key, blobSize, contentType)
		if err != nil {
			return nil, err
		}

		w, err := NewPageWriteStream(ctx, pages, blobSize,
			writeOptions(flags, newBufferPool(flags)))
		if err != nil {
			return nil, err
		}

		_, err = io.Copy(w, f)
		if err != nil {
			w.Abort()
			return nil, err
		}
		return stats, w.Close()
	}

	transport, err := backend.NewUpload(ctx, key, contentType)
	if err != nil {
		return nil, err
	}

	chunks, err := OpenMultiFileStream(path, 0, -1, flags.ChunkSize)
	if err != nil {
		if a, ok := transport.(Aborter); ok {
			a.Abort(ctx)
		}
		return nil, err
	}

	_, err = ParallelUpload(ctx, chunks, transport, UploadOptions{
		Parallelism:      flags.Parallelism,
		ContentMD5:       flags.ContentMD5,
		TransactionalMD5: flags.TransactionalMD5,
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// UploadStream uploads a stream of unknown length as a block blob,
// gzip compressed if flags.Gzip is set
func UploadStream(ctx context.Context, backend StorageBackend, key string, r io.Reader,
	contentType *string, flags *FlagStorage) (*TransferStats, error) {

	if flags.PageBlob {
		return nil, unsupported("page blob from a stream")
	}

	err := backend.Capabilities().Validate(flags.ChunkSize, -1)
	if err != nil {
		return nil, err
	}

	transport, err := backend.NewUpload(ctx, key, contentType)
	if err != nil {
		return nil, err
	}

	w, err := NewBlockWriteStream(ctx, transport, writeOptions(flags, newBufferPool(flags)))
	if err != nil {
		return nil, err
	}

	var dst io.Writer = w
	var gz *gzip.Writer
	if flags.Gzip {
		gz = gzip.NewWriter(w)
		dst = gz
	}

	counter := &countingWriter{w: dst}
	_, err = io.Copy(counter, r)
	if err == nil && gz != nil {
		err = gz.Close()
	}
	if err != nil {
		w.Abort()
		return nil, err
	}

	err = w.Close()
	if err != nil {
		return nil, err
	}

	return &TransferStats{
		Key:    key,
		Bytes:  counter.n,
		Chunks: int(DivUpInt64(counter.n, flags.ChunkSize)),
	}, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (n int, err error) {
	n, err = c.w.Write(p)
	c.n += int64(n)
	return
}

// DownloadFile writes a blob to a local file with parallel ranged reads
func DownloadFile(ctx context.Context, backend StorageBackend, key string, path string,
	flags *FlagStorage) (*TransferStats, error) {

	info, err := backend.HeadBlob(ctx, key)
	if err != nil {
		return nil, err
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	err = f.Truncate(info.Size)
	if err != nil {
		return nil, err
	}

	err = ParallelDownload(ctx, backend.Reader(key), info.Size, f, DownloadOptions{
		ChunkSize:   flags.ChunkSize,
		Parallelism: flags.Parallelism,
	})
	if err != nil {
		return nil, err
	}

	return &TransferStats{
		Key:    key,
		Bytes:  info.Size,
		Chunks: int(DivUpInt64(info.Size, flags.ChunkSize)),
	}, f.Sync()
}

// OpenBlob returns a seekable stream over a blob, read through a block
// cache
func OpenBlob(ctx context.Context, backend StorageBackend, key string,
	flags *FlagStorage) (*io.SectionReader, error) {

	info, err := backend.HeadBlob(ctx, key)
	if err != nil {
		return nil, err
	}

	cache := NewBlockCache(ctx, backend.Reader(key), info.Size, flags)
	return io.NewSectionReader(cache, 0, info.Size), nil
}

// CopyBlob copies a blob between backends. The source is read through
// a block cache that all chunks share as SubStreams.
func CopyBlob(ctx context.Context, src StorageBackend, srcKey string,
	dst StorageBackend, dstKey string, flags *FlagStorage) (*TransferStats, error) {

	r, err := OpenBlob(ctx, src, srcKey, flags)
	if err != nil {
		return nil, err
	}

	err = dst.Capabilities().Validate(flags.ChunkSize, r.Size())
	if err != nil {
		return nil, err
	}

	chunks, err := OpenMultiSubStream(ctx, r, 0, -1, flags.ChunkSize)
	if err != nil {
		return nil, err
	}

	transport, err := dst.NewUpload(ctx, dstKey, flags.GetMimeType(dstKey))
	if err != nil {
		chunks.Close()
		return nil, err
	}

	_, err = ParallelUpload(ctx, chunks, transport, UploadOptions{
		Parallelism:      flags.Parallelism,
		ContentMD5:       flags.ContentMD5,
		TransactionalMD5: flags.TransactionalMD5,
	})
	if err != nil {
		return nil, err
	}

	return &TransferStats{
		Key:    dstKey,
		Bytes:  r.Size(),
		Chunks: int(DivUpInt64(r.Size(), flags.ChunkSize)),
	}, nil
}

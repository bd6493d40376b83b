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
	"sync"
)

type WriteStreamState int32

const (
	StateOpen WriteStreamState = iota
	StateFlushing
	StateCommitting
	StateClosed
	StateFaulted
)

func (s WriteStreamState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateFlushing:
		return "flushing"
	case StateCommitting:
		return "committing"
	case StateClosed:
		return "closed"
	case StateFaulted:
		return "faulted"
	}
	return "unknown"
}

type WriteOptions struct {
	ChunkSize   int64
	Parallelism uint32
	Gate        *Ticket
	Pool        *BufferPool

	ContentMD5       bool
	TransactionalMD5 bool
}

// BlobWriteStream buffers writes into chunks of ChunkSize bytes and
// uploads full chunks in the background. Close (or Commit) uploads the
// rest and commits the blob. The first error from any chunk puts the
// stream in StateFaulted, after which every call returns that error.
type BlobWriteStream struct {
	ctx context.Context

	mu    sync.Mutex
	state WriteStreamState
	err   error

	chunkSize int64
	pool      *BufferPool
	buf       *MBuf
	session   *UploadSession

	// only for page blobs
	pageMode bool
	size     int64
	// blob offset of the start of buf
	offset int64
}

func newWriteStream(ctx context.Context, transport BlockTransport,
	opts WriteOptions) (*BlobWriteStream, error) {

	if opts.ChunkSize <= 0 {
		return nil, invalidArgument("chunk size must be positive, got %v", opts.ChunkSize)
	}

	session, err := NewUploadSession(transport, UploadOptions{
		Parallelism:      opts.Parallelism,
		Gate:             opts.Gate,
		ContentMD5:       opts.ContentMD5,
		TransactionalMD5: opts.TransactionalMD5,
	})
	if err != nil {
		return nil, err
	}

	pool := opts.Pool
	if pool == nil {
		pool = NewBufferPool(0, uint64(MinInt64(opts.ChunkSize, BUF_SIZE)))
	}

	return &BlobWriteStream{
		ctx:       ctx,
		chunkSize: opts.ChunkSize,
		pool:      pool,
		session:   session,
	}, nil
}

// NewBlockWriteStream writes a blob made of a list of chunks
func NewBlockWriteStream(ctx context.Context, transport BlockTransport,
	opts WriteOptions) (*BlobWriteStream, error) {

	return newWriteStream(ctx, transport, opts)
}

// NewPageWriteStream writes into a blob of a fixed size that is made of
// 512 byte pages. Unlike block streams it can seek.
func NewPageWriteStream(ctx context.Context, transport PageTransport, size int64,
	opts WriteOptions) (*BlobWriteStream, error) {

	if transport == nil {
		return nil, invalidArgument("no transport")
	}
	if opts.ChunkSize%PAGE_SIZE != 0 {
		return nil, invalidArgument("chunk size %v is not page aligned", opts.ChunkSize)
	}
	if size < 0 || size%PAGE_SIZE != 0 {
		return nil, invalidArgument("page blob size %v is not page aligned", size)
	}

	w, err := newWriteStream(ctx, pageBlockTransport{transport}, opts)
	if err != nil {
		return nil, err
	}
	w.pageMode = true
	w.size = size
	return w, nil
}

func (w *BlobWriteStream) State() WriteStreamState {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.state
}

// Err returns the error that faulted the stream
func (w *BlobWriteStream) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.err
}

func (w *BlobWriteStream) buffered() int64 {
	if w.buf == nil {
		return 0
	}
	return w.buf.Len()
}

func (w *BlobWriteStream) fault(err error) error {
	if w.state == StateFaulted {
		return w.err
	}

	streamLog.Errorf("write stream faulted: %v", err)
	w.state = StateFaulted
	w.err = err

	if w.buf != nil {
		w.buf.Free()
		w.buf = nil
	}

	// the other in-flight chunks free their buffers when they finish
	go w.session.Abort(context.Background())
	return err
}

// check must be called with mu held
func (w *BlobWriteStream) check() error {
	switch w.state {
	case StateFaulted:
		return w.err
	case StateClosed:
		return ErrClosed
	}

	// a chunk in the background may have failed since the last call
	if err := w.session.Err(); err != nil {
		return w.fault(err)
	}
	return nil
}

// dispatch hands the current buffer to the session. Must be called
// with mu held.
func (w *BlobWriteStream) dispatch() error {
	buf := w.buf
	w.buf = nil
	if buf == nil || buf.Len() == 0 {
		if buf != nil {
			buf.Free()
		}
		return nil
	}

	prev := w.state
	w.state = StateFlushing

	var chunk ChunkStream = buf
	if w.pageMode {
		chunk = &pageChunk{MBuf: buf, offset: w.offset}
	}
	w.offset += buf.Len()

	err := w.session.Submit(w.ctx, chunk)
	w.state = prev
	if err != nil {
		return w.fault(err)
	}
	return nil
}

func (w *BlobWriteStream) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err = w.check(); err != nil {
		return
	}

	if w.pageMode && w.offset+w.buffered()+int64(len(p)) > w.size {
		return 0, outOfRange("write of %v bytes at %v past page blob size %v",
			len(p), w.offset+w.buffered(), w.size)
	}

	for len(p) != 0 {
		if w.buf == nil {
			w.buf = MBuf{}.Init(w.pool, uint64(w.chunkSize), true)
		}

		nCopied, _ := w.buf.Write(p)
		n += nCopied
		p = p[nCopied:]

		if w.buf.Full() {
			err = w.dispatch()
			if err != nil {
				return
			}
		}
	}

	return
}

// Seek is only possible on page blobs, to page aligned offsets
func (w *BlobWriteStream) Seek(offset int64, whence int) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.check(); err != nil {
		return 0, err
	}

	if !w.pageMode {
		return 0, unsupported("seek on block blob stream")
	}

	cur := w.offset + w.buffered()
	target, err := seekTarget(offset, whence, cur, w.size, true)
	if err != nil {
		return cur, err
	}
	if target != cur {
		if target%PAGE_SIZE != 0 {
			return cur, outOfRange("seek to %v is not page aligned", target)
		}
		if w.buffered()%PAGE_SIZE != 0 {
			return cur, outOfRange("%v buffered bytes are not page aligned", w.buffered())
		}

		err = w.dispatch()
		if err != nil {
			return cur, err
		}
		w.offset = target
		// content hash no longer describes the blob
		w.session.discardContentMD5()
	}

	return target, nil
}

// Flush uploads what is buffered and waits for all chunks
func (w *BlobWriteStream) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.check(); err != nil {
		return err
	}

	if w.pageMode && w.buffered()%PAGE_SIZE != 0 {
		return outOfRange("%v buffered bytes are not page aligned", w.buffered())
	}

	err := w.dispatch()
	if err != nil {
		return err
	}

	err = w.session.Wait()
	if err != nil {
		return w.fault(err)
	}
	return nil
}

// Commit uploads the rest of the data, waits for every chunk and
// commits the blob. Page blobs have their last page zero filled.
func (w *BlobWriteStream) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateClosed {
		return nil
	}
	if err := w.check(); err != nil {
		return err
	}

	w.state = StateCommitting

	if w.pageMode && w.buf != nil {
		w.buf.Pad(DivUpInt64(w.buf.Len(), PAGE_SIZE) * PAGE_SIZE)
	}

	err := w.dispatch()
	if err != nil {
		return err
	}

	err = w.session.Commit(w.ctx)
	if err != nil {
		return w.fault(err)
	}

	w.state = StateClosed
	return nil
}

func (w *BlobWriteStream) Close() error {
	return w.Commit()
}

// Abort gives up on the blob. Chunks in flight are waited for and the
// backend discards what was uploaded.
func (w *BlobWriteStream) Abort() error {
	w.mu.Lock()
	if w.state == StateClosed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.state != StateFaulted {
		w.state = StateFaulted
		w.err = ErrClosed
		if w.buf != nil {
			w.buf.Free()
			w.buf = nil
		}
	}
	w.mu.Unlock()

	return w.session.Abort(context.Background())
}

var _ io.WriteCloser = &BlobWriteStream{}
var _ io.Seeker = &BlobWriteStream{}

// pageChunk is a buffer destined for a fixed offset of a page blob
type pageChunk struct {
	*MBuf
	offset int64
}

type pageBlockTransport struct {
	pages PageTransport
}

func (t pageBlockTransport) UploadChunk(ctx context.Context, index int, body io.ReadSeeker,
	size int64, md5 []byte) (string, error) {

	chunk, ok := body.(*pageChunk)
	if !ok {
		return "", invalidArgument("page upload of a chunk without offset")
	}
	return "", t.pages.WritePages(ctx, chunk.offset, body, size, md5)
}

func (t pageBlockTransport) CommitChunks(ctx context.Context, ids []string, md5 []byte) error {
	if md5 == nil {
		return nil
	}
	return t.pages.SetContentMD5(ctx, md5)
}

func (t pageBlockTransport) Abort(ctx context.Context) error {
	if a, ok := t.pages.(Aborter); ok {
		return a.Abort(ctx)
	}
	return nil
}

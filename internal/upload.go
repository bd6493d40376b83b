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
	"crypto/md5"
	"fmt"
	"hash"
	"io"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var uploadLog = GetLogger("upload")

type Chunk struct {
	Index  int
	Length int64
	Id     string
}

type UploadOptions struct {
	Parallelism uint32
	// shared between sessions, takes precedence over Parallelism
	Gate *Ticket

	// MD5 of the whole content, passed to the commit
	ContentMD5 bool
	// MD5 of each chunk, passed to its upload
	TransactionalMD5 bool
}

// UploadSession runs the chunk uploads of one blob. Chunks are submitted
// in order by a single producer; at most gate.Capacity() uploads run at
// once. The first failure is kept, stops further submissions and is
// returned from Wait and Commit.
type UploadSession struct {
	transport BlockTransport
	gate      *Ticket
	group     errgroup.Group

	md5              hash.Hash
	transactionalMD5 bool

	mu        sync.Mutex
	chunks    []Chunk
	nextIndex int
	err       error
	committed bool
	aborted   bool
}

func NewUploadSession(transport BlockTransport, opts UploadOptions) (*UploadSession, error) {
	if transport == nil {
		return nil, invalidArgument("no transport")
	}

	gate := opts.Gate
	if gate == nil {
		var err error
		gate, err = NewTicket(opts.Parallelism)
		if err != nil {
			return nil, err
		}
	}

	s := &UploadSession{
		transport:        transport,
		gate:             gate,
		transactionalMD5: opts.TransactionalMD5,
	}
	if opts.ContentMD5 {
		s.md5 = md5.New()
	}
	return s, nil
}

// Err returns the first failure, if any
func (s *UploadSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

func (s *UploadSession) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err == nil {
		s.err = err
	}
}

// Submitted is the number of chunks handed to the transport
func (s *UploadSession) Submitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.nextIndex
}

// discardContentMD5 stops hashing the content, for when chunks no
// longer arrive in content order. Only the producer may call it.
func (s *UploadSession) discardContentMD5() {
	s.md5 = nil
}

// hashChunk feeds the chunk to the content hash and returns its own
// digest, leaving the stream rewound
func (s *UploadSession) hashChunk(stream ChunkStream) (chunkMD5 []byte, err error) {
	var writers []io.Writer
	var h hash.Hash

	if s.md5 != nil {
		writers = append(writers, s.md5)
	}
	if s.transactionalMD5 {
		h = md5.New()
		writers = append(writers, h)
	}

	_, err = stream.Seek(0, io.SeekStart)
	if err != nil {
		return
	}
	_, err = io.Copy(io.MultiWriter(writers...), stream)
	if err != nil {
		return
	}
	_, err = stream.Seek(0, io.SeekStart)
	if err != nil {
		return
	}

	if h != nil {
		chunkMD5 = h.Sum(nil)
	}
	return
}

// Submit starts uploading stream as the next chunk and returns without
// waiting for it, unless all slots are taken. The session owns stream
// from here on and closes it on every path.
func (s *UploadSession) Submit(ctx context.Context, stream ChunkStream) (err error) {
	if err = s.Err(); err != nil {
		stream.Close()
		return
	}

	s.mu.Lock()
	finished := s.committed || s.aborted
	s.mu.Unlock()
	if finished {
		stream.Close()
		return ErrClosed
	}

	var chunkMD5 []byte
	if s.md5 != nil || s.transactionalMD5 {
		chunkMD5, err = s.hashChunk(stream)
		if err != nil {
			stream.Close()
			s.fail(err)
			return
		}
	}

	err = s.gate.Take(ctx, 1)
	if err != nil {
		stream.Close()
		s.fail(err)
		return
	}

	// a chunk may have failed while we were waiting for the slot
	if err = s.Err(); err != nil {
		s.gate.Return(1)
		stream.Close()
		return
	}

	s.mu.Lock()
	index := s.nextIndex
	s.nextIndex++
	s.mu.Unlock()

	chunksInFlight.Inc()

	s.group.Go(func() (err error) {
		defer s.gate.Return(1)
		defer chunksInFlight.Dec()
		defer stream.Close()

		size := stream.Len()
		start := time.Now()

		var id string
		_, err = stream.Seek(0, io.SeekStart)
		if err == nil {
			id, err = s.transport.UploadChunk(ctx, index, stream, size, chunkMD5)
		}

		chunkSeconds.WithLabelValues("upload").Observe(time.Since(start).Seconds())
		chunksTransferred.WithLabelValues("upload", resultLabel(err)).Inc()

		if err != nil {
			err = transportError(ctx, "upload", index, err)
			uploadLog.Debugf("chunk %v of %v bytes failed: %v", index, size, err)
			s.fail(err)
			return
		}

		bytesTransferred.WithLabelValues("upload").Add(float64(size))
		uploadLog.Debugf("chunk %v of %v bytes done as %v", index, size, id)

		s.mu.Lock()
		s.chunks = append(s.chunks, Chunk{Index: index, Length: size, Id: id})
		s.mu.Unlock()
		return
	})

	return nil
}

// Wait blocks until every submitted chunk settled and returns the first
// failure
func (s *UploadSession) Wait() error {
	s.group.Wait()
	return s.Err()
}

// Chunks returns the completed chunks in submission order
func (s *UploadSession) Chunks() []Chunk {
	s.mu.Lock()
	chunks := make([]Chunk, len(s.chunks))
	copy(chunks, s.chunks)
	s.mu.Unlock()

	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].Index < chunks[j].Index
	})
	return chunks
}

// Identifiers returns the ids of the completed chunks in submission
// order
func (s *UploadSession) Identifiers() []string {
	chunks := s.Chunks()
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.Id
	}
	return ids
}

// Commit waits for the outstanding chunks and commits them in order.
// It talks to the transport at most once per session.
func (s *UploadSession) Commit(ctx context.Context) error {
	err := s.Wait()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.committed {
		s.mu.Unlock()
		return nil
	}
	if s.aborted {
		s.mu.Unlock()
		return ErrClosed
	}
	submitted := s.nextIndex
	s.mu.Unlock()

	chunks := s.Chunks()
	if len(chunks) != submitted {
		panic(fmt.Sprintf("%v chunks submitted but %v done", submitted, len(chunks)))
	}
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.Id
	}

	var contentMD5 []byte
	if s.md5 != nil {
		contentMD5 = s.md5.Sum(nil)
	}

	if ctx.Err() != nil {
		err = cancelled(ctx)
		s.fail(err)
		return err
	}

	err = s.transport.CommitChunks(ctx, ids, contentMD5)
	commits.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		err = transportError(ctx, "commit", -1, err)
		s.fail(err)
		return err
	}

	s.mu.Lock()
	s.committed = true
	s.mu.Unlock()

	uploadLog.Debugf("committed %v chunks", len(ids))
	return nil
}

// Abort waits for the outstanding chunks and lets the transport discard
// them. The session cannot be committed afterwards.
func (s *UploadSession) Abort(ctx context.Context) error {
	s.group.Wait()

	s.mu.Lock()
	if s.committed || s.aborted {
		s.mu.Unlock()
		return nil
	}
	s.aborted = true
	s.mu.Unlock()

	if a, ok := s.transport.(Aborter); ok {
		err := a.Abort(ctx)
		if err != nil {
			uploadLog.Warnf("abort failed: %v", err)
			return err
		}
	}
	return nil
}

// ParallelUpload uploads every chunk of chunks, keeping up to the
// configured number of uploads in flight, and commits them. On failure
// nothing more is submitted, the uploads in flight are drained, chunks
// that were never submitted are closed and the upload is aborted.
func ParallelUpload(ctx context.Context, chunks Chunks, transport BlockTransport,
	opts UploadOptions) (ids []string, err error) {

	session, err := NewUploadSession(transport, opts)
	if err != nil {
		chunks.Close()
		return
	}

	for session.Err() == nil {
		var stream ChunkStream
		stream, err = chunks.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			session.fail(err)
			break
		}

		if session.Submit(ctx, stream) != nil {
			break
		}
	}
	chunks.Close()

	err = session.Wait()
	if err == nil {
		err = session.Commit(ctx)
	}
	if err != nil {
		uploadLog.Errorf("upload failed after %v chunks: %v", session.Submitted(), err)
		session.Abort(context.Background())
		return nil, err
	}

	return session.Identifiers(), nil
}

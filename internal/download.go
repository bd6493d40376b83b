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
	"context"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type DownloadOptions struct {
	ChunkSize   int64
	Parallelism uint32
	Gate        *Ticket
}

// ParallelDownload reads size bytes of src in ChunkSize ranges, up to
// Parallelism at a time, and writes each range at its offset in w. The
// first failure stops new ranges from starting.
func ParallelDownload(ctx context.Context, src RangeSource, size int64, w io.WriterAt,
	opts DownloadOptions) error {

	if opts.ChunkSize <= 0 {
		return invalidArgument("chunk size must be positive, got %v", opts.ChunkSize)
	}
	if size < 0 {
		return invalidArgument("negative size %v", size)
	}

	gate := opts.Gate
	if gate == nil {
		var err error
		gate, err = NewTicket(opts.Parallelism)
		if err != nil {
			return err
		}
	}

	group, gctx := errgroup.WithContext(ctx)
	// set before a failed range gives back its slot
	var failed atomic.Bool

	for index, offset := 0, int64(0); offset < size; index, offset = index+1, offset+opts.ChunkSize {
		err := gate.Take(gctx, 1)
		if err != nil {
			// either the caller cancelled or a range failed
			break
		}
		if failed.Load() {
			gate.Return(1)
			break
		}

		index, offset := index, offset
		count := MinInt64(opts.ChunkSize, size-offset)

		chunksInFlight.Inc()
		group.Go(func() (err error) {
			defer gate.Return(1)
			defer chunksInFlight.Dec()

			start := time.Now()
			defer func() {
				chunkSeconds.WithLabelValues("download").Observe(time.Since(start).Seconds())
				chunksTransferred.WithLabelValues("download", resultLabel(err)).Inc()
				if err != nil {
					failed.Store(true)
					err = transportError(ctx, "download", index, err)
				}
			}()

			body, err := src.GetRange(gctx, offset, count)
			if err != nil {
				return
			}
			defer body.Close()

			n, err := io.Copy(io.NewOffsetWriter(w, offset), io.LimitReader(body, count))
			if err != nil {
				return
			}
			if n != count {
				return io.ErrUnexpectedEOF
			}

			bytesTransferred.WithLabelValues("download").Add(float64(n))
			return
		})
	}

	err := group.Wait()
	if err == nil && ctx.Err() != nil {
		err = cancelled(ctx)
	}
	return err
}

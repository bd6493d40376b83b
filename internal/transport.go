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
)

// BlockTransport stores chunks of one blob and commits them in order.
// UploadChunk is called concurrently for different chunks; it may
// rewind body to retry. The returned id is opaque to the engine.
type BlockTransport interface {
	UploadChunk(ctx context.Context, index int, body io.ReadSeeker, size int64, md5 []byte) (string, error)
	CommitChunks(ctx context.Context, ids []string, md5 []byte) error
}

// PageTransport writes page aligned ranges of a pre-allocated blob
type PageTransport interface {
	WritePages(ctx context.Context, offset int64, body io.ReadSeeker, size int64, md5 []byte) error
	SetContentMD5(ctx context.Context, md5 []byte) error
}

// Aborter is implemented by transports that need to clean up chunks
// of an upload that will never be committed
type Aborter interface {
	Abort(ctx context.Context) error
}

type RangeSource interface {
	GetRange(ctx context.Context, offset int64, count int64) (io.ReadCloser, error)
}

// sizedBody answers seeks relative to the end from the chunk size.
// The SDKs measure a body by seeking to its end, which chunk views
// over a shared stream do not support.
type sizedBody struct {
	io.ReadSeeker
	size int64
}

func withSize(body io.ReadSeeker, size int64) io.ReadSeeker {
	return &sizedBody{body, size}
}

func (b *sizedBody) Seek(offset int64, whence int) (int64, error) {
	if whence == io.SeekEnd {
		offset += b.size
		whence = io.SeekStart
	}
	return b.ReadSeeker.Seek(offset, whence)
}

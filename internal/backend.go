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
	"fmt"
	"net/http"
	"strings"
	"syscall"
	"time"
)

type Capabilities struct {
	Name string
	// largest chunk a single upload call accepts
	MaxChunkSize int64
	// most chunks one blob can be committed from
	MaxChunks int
	PageBlobs bool
}

// Validate rejects chunking a blob of size bytes (-1 if unknown) in a
// way the backend cannot commit
func (cap *Capabilities) Validate(chunkSize int64, size int64) error {
	if cap.MaxChunkSize != 0 && chunkSize > cap.MaxChunkSize {
		return invalidArgument("%v chunks are at most %v bytes, got %v",
			cap.Name, cap.MaxChunkSize, chunkSize)
	}
	if cap.MaxChunks != 0 && size > 0 && DivUpInt64(size, chunkSize) > int64(cap.MaxChunks) {
		return invalidArgument("%v bytes in %v byte chunks is more than %v chunks",
			size, chunkSize, cap.MaxChunks)
	}
	return nil
}

type BlobInfo struct {
	Key          string
	Size         int64
	ETag         *string
	LastModified *time.Time
	ContentType  *string
}

type StorageBackend interface {
	Capabilities() *Capabilities
	Bucket() string

	HeadBlob(ctx context.Context, key string) (*BlobInfo, error)
	// Reader reads ranges of an existing blob
	Reader(key string) RangeSource
	// NewUpload starts a chunked upload that replaces key when committed
	NewUpload(ctx context.Context, key string, contentType *string) (BlockTransport, error)
	// NewPageBlob creates a zero filled page blob of size bytes
	NewPageBlob(ctx context.Context, key string, size int64, contentType *string) (PageTransport, error)
}

type BucketSpec struct {
	Scheme string
	Bucket string
	Key    string
}

func (spec BucketSpec) String() string {
	return fmt.Sprintf("%v://%v/%v", spec.Scheme, spec.Bucket, spec.Key)
}

// ParseBucketSpec splits scheme://bucket/key. A location without a
// scheme is an s3 bucket.
func ParseBucketSpec(location string) (spec BucketSpec, err error) {
	spec.Scheme = "s3"

	if i := strings.Index(location, "://"); i != -1 {
		spec.Scheme = strings.ToLower(location[:i])
		location = location[i+3:]
	}

	switch spec.Scheme {
	case "s3", "gs", "wasb", "wasbs":
	default:
		err = invalidArgument("unknown scheme %v", spec.Scheme)
		return
	}

	if slash := strings.Index(location, "/"); slash != -1 {
		spec.Bucket = location[:slash]
		spec.Key = strings.TrimLeft(location[slash+1:], "/")
	} else {
		spec.Bucket = location
	}

	if spec.Bucket == "" {
		err = invalidArgument("missing bucket in %v", location)
	}
	return
}

// NewBackend connects to the bucket of spec. Per backend settings are
// taken from flags.Backend when it holds the matching config, otherwise
// from the environment. Only an s3 config is bucket independent and
// kept in flags.Backend for later calls.
func NewBackend(ctx context.Context, spec BucketSpec, flags *FlagStorage) (StorageBackend, error) {
	var backend StorageBackend
	var err error

	switch spec.Scheme {
	case "s3":
		config, _ := flags.Backend.(*S3Config)
		if config == nil {
			config = (&S3Config{}).Init()
			flags.Backend = config
		}
		backend, err = NewS3(spec.Bucket, flags, config)
	case "wasb", "wasbs":
		config, _ := flags.Backend.(*AZBlobConfig)
		if config == nil {
			var c AZBlobConfig
			c, err = AzureBlobConfig(flags.Endpoint, spec.Bucket)
			if err != nil {
				return nil, err
			}
			config = &c
		}
		if config.Container == "" {
			config.Container = spec.Bucket
		}
		backend, err = NewAZBlob(config.Container, config)
	case "gs":
		config, _ := flags.Backend.(*GCSConfig)
		if config == nil {
			config, err = NewGCSConfig("", spec.Bucket, "")
			if err != nil {
				return nil, err
			}
		}
		backend, err = NewGCS(ctx, config)
	default:
		return nil, invalidArgument("unknown scheme %v", spec.Scheme)
	}
	if err != nil {
		return nil, err
	}

	if flags.PageBlob && !backend.Capabilities().PageBlobs {
		return nil, unsupported(backend.Capabilities().Name + " page blob")
	}
	return backend, nil
}

func mapHttpError(status int) error {
	switch status {
	case 400:
		return syscall.EINVAL
	case 401:
		return syscall.EACCES
	case 403:
		return syscall.EACCES
	case 404:
		return syscall.ENOENT
	case 405:
		return syscall.ENOTSUP
	case http.StatusConflict:
		return syscall.EINTR
	case 429:
		return syscall.EAGAIN
	case 500:
		return syscall.EAGAIN
	default:
		return nil
	}
}

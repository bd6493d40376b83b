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
	"errors"
	"fmt"
	"io"
	"sync"
	"syscall"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// composite objects are limited to this many components
const GCS_MAX_COMPONENTS = 1024

type GCSBackend struct {
	client *storage.Client
	config *GCSConfig
	cap    Capabilities
	bucket *storage.BucketHandle
}

var gcsLog = GetLogger("gcs")

func NewGCS(ctx context.Context, config *GCSConfig) (*GCSBackend, error) {
	var client *storage.Client
	var err error

	if config.Credentials != nil {
		client, err = storage.NewClient(ctx, option.WithCredentials(config.Credentials))
	} else {
		client, err = storage.NewClient(ctx, option.WithoutAuthentication())
	}
	if err != nil {
		return nil, err
	}

	if config.MaxComposeSources == 0 {
		config.MaxComposeSources = 32
	}

	return &GCSBackend{
		client: client,
		config: config,
		bucket: client.Bucket(config.Bucket),
		cap: Capabilities{
			Name:         "gs",
			MaxChunkSize: 5 * 1024 * 1024 * 1024,
			MaxChunks:    GCS_MAX_COMPONENTS,
		},
	}, nil
}

func (g *GCSBackend) Capabilities() *Capabilities {
	return &g.cap
}

// typically this would return bucket/prefix
func (g *GCSBackend) Bucket() string {
	return g.config.Bucket
}

func (g *GCSBackend) key(key string) string {
	if g.config.Prefix == "" {
		return key
	}
	return g.config.Prefix + "/" + key
}

func mapGCSError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, storage.ErrObjectNotExist) {
		return syscall.ENOENT
	}
	if errors.Is(err, storage.ErrBucketNotExist) {
		return syscall.ENXIO
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		mapped := mapHttpError(apiErr.Code)
		if mapped != nil {
			return mapped
		}
		gcsLog.Errorf("code=%v msg=%v", apiErr.Code, apiErr.Message)
	}
	return err
}

func (g *GCSBackend) HeadBlob(ctx context.Context, key string) (*BlobInfo, error) {
	attrs, err := g.bucket.Object(g.key(key)).Attrs(ctx)
	if err != nil {
		return nil, mapGCSError(err)
	}

	return &BlobInfo{
		Key:          key,
		Size:         attrs.Size,
		ETag:         &attrs.Etag,
		LastModified: &attrs.Updated,
		ContentType:  &attrs.ContentType,
	}, nil
}

type gcsRangeSource struct {
	obj *storage.ObjectHandle
}

func (r gcsRangeSource) GetRange(ctx context.Context, offset int64, count int64) (io.ReadCloser, error) {
	length := count
	if length == 0 {
		// to the end
		length = -1
	}

	reader, err := r.obj.NewRangeReader(ctx, offset, length)
	if err != nil {
		return nil, mapGCSError(err)
	}
	return reader, nil
}

func (g *GCSBackend) Reader(key string) RangeSource {
	return gcsRangeSource{g.bucket.Object(g.key(key))}
}

// GCSComposeUpload writes each chunk as a temporary object and composes
// them into the final object on commit
type GCSComposeUpload struct {
	g           *GCSBackend
	key         string
	contentType *string
	partFormat  string

	mu    sync.Mutex
	parts []string
}

func (g *GCSBackend) NewUpload(ctx context.Context, key string, contentType *string) (BlockTransport, error) {
	key = g.key(key)
	return &GCSComposeUpload{
		g:           g,
		key:         key,
		contentType: contentType,
		partFormat:  key + ".part-" + uuid.New().String() + "-%v",
	}, nil
}

func (u *GCSComposeUpload) track(name string) {
	u.mu.Lock()
	u.parts = append(u.parts, name)
	u.mu.Unlock()
}

func (u *GCSComposeUpload) UploadChunk(ctx context.Context, index int, body io.ReadSeeker,
	size int64, md5 []byte) (string, error) {

	if index >= GCS_MAX_COMPONENTS {
		return "", invalidArgument("chunk %v is past the %v component limit",
			index, GCS_MAX_COMPONENTS)
	}

	name := fmt.Sprintf(u.partFormat, fmt.Sprintf("%05d", index))
	w := u.g.bucket.Object(name).NewWriter(ctx)
	w.MD5 = md5
	// a single request, the engine has the whole chunk anyway
	w.ChunkSize = 0

	_, err := io.Copy(w, body)
	if err != nil {
		w.Close()
		return "", mapGCSError(err)
	}
	err = w.Close()
	if err != nil {
		return "", mapGCSError(err)
	}

	u.track(name)
	return name, nil
}

// compose concatenates srcs into dst, in batches when there are more
// sources than one call accepts
func (u *GCSComposeUpload) compose(ctx context.Context, dst string, srcs []string,
	level int) error {

	maxSources := u.g.config.MaxComposeSources

	for len(srcs) > maxSources {
		var next []string
		for i := 0; i < len(srcs); i += maxSources {
			batch := srcs[i:MinInt(i+maxSources, len(srcs))]
			name := fmt.Sprintf(u.partFormat, fmt.Sprintf("c%v-%05d", level, i/maxSources))

			err := u.compose(ctx, name, batch, level+1)
			if err != nil {
				return err
			}
			u.track(name)
			next = append(next, name)
		}
		srcs = next
		level++
	}

	handles := make([]*storage.ObjectHandle, len(srcs))
	for i, s := range srcs {
		handles[i] = u.g.bucket.Object(s)
	}

	composer := u.g.bucket.Object(dst).ComposerFrom(handles...)
	if dst == u.key {
		composer.ContentType = NilStr(u.contentType)
	}

	_, err := composer.Run(ctx)
	return mapGCSError(err)
}

func (u *GCSComposeUpload) cleanup(ctx context.Context) (err error) {
	u.mu.Lock()
	parts := u.parts
	u.parts = nil
	u.mu.Unlock()

	for _, p := range parts {
		delErr := u.g.bucket.Object(p).Delete(ctx)
		if delErr != nil && !errors.Is(delErr, storage.ErrObjectNotExist) {
			gcsLog.Warnf("unable to delete %v: %v", p, delErr)
			err = mapGCSError(delErr)
		}
	}
	return
}

// CommitChunks composes the parts. Composite objects carry no MD5, so
// md5 is only logged.
func (u *GCSComposeUpload) CommitChunks(ctx context.Context, ids []string, md5 []byte) error {
	if len(ids) == 0 {
		w := u.g.bucket.Object(u.key).NewWriter(ctx)
		w.ContentType = NilStr(u.contentType)
		return mapGCSError(w.Close())
	}

	err := u.compose(ctx, u.key, ids, 0)
	if err != nil {
		return err
	}

	gcsLog.Debugf("composed %v from %v parts md5=%x", u.key, len(ids), md5)

	// the object is committed, leftover parts only cost storage
	u.cleanup(ctx)
	return nil
}

func (u *GCSComposeUpload) Abort(ctx context.Context) error {
	return u.cleanup(ctx)
}

func (g *GCSBackend) NewPageBlob(ctx context.Context, key string, size int64,
	contentType *string) (PageTransport, error) {

	return nil, unsupported("gs page blob")
}

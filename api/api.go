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

package blobstream

import (
	. "github.com/kahing/blobstream/api/common"
	"github.com/kahing/blobstream/internal"

	"context"
	"io"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

var log = GetLogger("main")

type Backend = internal.StorageBackend
type TransferStats = internal.TransferStats

// Open connects to the backend of a scheme://bucket/key location and
// returns it with the key
func Open(ctx context.Context, location string, flags *FlagStorage) (Backend, string, error) {
	if flags.DebugS3 {
		SetCloudLogLevel(logrus.DebugLevel)
	}
	if flags.DebugUpload {
		SetLogLevel(logrus.DebugLevel)
	}

	spec, err := internal.ParseBucketSpec(location)
	if err != nil {
		return nil, "", err
	}

	backend, err := internal.NewBackend(ctx, spec, flags)
	if err != nil {
		return nil, "", err
	}

	log.Debugf("opened %v bucket %v", backend.Capabilities().Name, backend.Bucket())
	return backend, spec.Key, nil
}

// Upload copies a local file, or r when path is "-", to location. A
// location that ends in / gets the file name appended.
func Upload(ctx context.Context, path string, r io.Reader, location string,
	flags *FlagStorage) (*TransferStats, error) {

	backend, key, err := Open(ctx, location, flags)
	if err != nil {
		return nil, err
	}

	if path == "-" {
		if key == "" {
			return nil, internal.ErrInvalidArgument
		}
		return internal.UploadStream(ctx, backend, key, r, nil, flags)
	}

	if key == "" || key[len(key)-1] == '/' {
		key += filepath.Base(path)
	}
	return internal.UploadFile(ctx, backend, key, path, flags)
}

func Download(ctx context.Context, location string, path string,
	flags *FlagStorage) (*TransferStats, error) {

	backend, key, err := Open(ctx, location, flags)
	if err != nil {
		return nil, err
	}
	return internal.DownloadFile(ctx, backend, key, path, flags)
}

// Cat returns a seekable reader over the blob at location
func Cat(ctx context.Context, location string, flags *FlagStorage) (*io.SectionReader, error) {
	backend, key, err := Open(ctx, location, flags)
	if err != nil {
		return nil, err
	}
	return internal.OpenBlob(ctx, backend, key, flags)
}

func Copy(ctx context.Context, from string, to string, flags *FlagStorage) (*TransferStats, error) {
	src, srcKey, err := Open(ctx, from, flags)
	if err != nil {
		return nil, err
	}
	dst, dstKey, err := Open(ctx, to, flags)
	if err != nil {
		return nil, err
	}

	if dstKey == "" || dstKey[len(dstKey)-1] == '/' {
		dstKey += filepath.Base(srcKey)
	}
	return internal.CopyBlob(ctx, src, srcKey, dst, dstKey, flags)
}

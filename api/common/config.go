// Copyright 2015 - 2019 Ka-Hing Cheung
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

package common

import (
	"fmt"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"
)

const DEFAULT_CHUNK_SIZE = 4 * 1024 * 1024
const DEFAULT_PARALLELISM = 8

// page blobs are written in units of this many bytes
const PAGE_SIZE = 512

type FlagStorage struct {
	// Transfer
	ChunkSize        int64
	Parallelism      uint32
	MaxBufferMemory  uint64
	ContentMD5       bool
	TransactionalMD5 bool
	PageBlob         bool
	PageBlobSize     int64
	Gzip             bool

	// Common Backend Config
	UseContentType bool
	Endpoint       string

	Backend interface{}

	// Tuning
	BlockReadCacheSize     uint64
	BlockReadCacheMemRatio float64
	HTTPTimeout            time.Duration

	// Debugging
	DebugUpload bool
	DebugS3     bool
	LogFile     string
	MetricsAddr string
}

// Validate checks the transfer settings that every backend depends on.
func (flags *FlagStorage) Validate() error {
	if flags.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %v", flags.ChunkSize)
	}
	if flags.Parallelism == 0 {
		return fmt.Errorf("parallelism must be at least 1")
	}
	if flags.PageBlob && flags.ChunkSize%PAGE_SIZE != 0 {
		return fmt.Errorf("chunk size %v is not a multiple of %v for page blobs",
			flags.ChunkSize, PAGE_SIZE)
	}
	if flags.PageBlob && flags.Gzip {
		return fmt.Errorf("page blobs cannot be gzip encoded")
	}
	return nil
}

func (flags *FlagStorage) GetMimeType(fileName string) (retMime *string) {
	if flags.UseContentType {
		dotPosition := strings.LastIndex(fileName, ".")
		if dotPosition == -1 {
			return nil
		}
		mimeType := mime.TypeByExtension(fileName[dotPosition:])
		if mimeType == "" {
			return nil
		}
		semicolonPosition := strings.LastIndex(mimeType, ";")
		if semicolonPosition == -1 {
			return &mimeType
		}
		s := mimeType[:semicolonPosition]
		retMime = &s
	}

	return
}

var defaultHTTPTransport = http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	MaxIdleConns:          1000,
	MaxIdleConnsPerHost:   1000,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 10 * time.Second,
}

func GetHTTPTransport() *http.Transport {
	return &defaultHTTPTransport
}

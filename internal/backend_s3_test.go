// Copyright 2020 Ka-Hing Cheung
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

	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	. "gopkg.in/check.v1"
)

// S3Test drives the real S3 client with the network replaced by a
// handler that records requests
type S3Test struct {
	s3 *S3Backend

	mu    sync.Mutex
	ops   []string
	parts map[int64][]byte
	put   *s3.PutObjectInput
	// fails AbortMultipartUpload when set
	abortErr error
}

var _ = Suite(&S3Test{})

func (s *S3Test) SetUpTest(t *C) {
	s.ops = nil
	s.parts = make(map[int64][]byte)
	s.put = nil
	s.abortErr = nil

	sess, err := session.NewSession(&aws.Config{
		Credentials: credentials.AnonymousCredentials,
	})
	t.Assert(err, IsNil)

	config := (&S3Config{
		UseSSE:   true,
		UseKMS:   true,
		KMSKeyID: "key-1",
		ACL:      "bucket-owner-full-control",
		Session:  sess,
	}).Init()

	s.s3, err = NewS3("bucket", &FlagStorage{Endpoint: "http://127.0.0.1:1"}, config)
	t.Assert(err, IsNil)

	handlers := &s.s3.Handlers
	handlers.Sign.Clear()
	handlers.Send.Clear()
	handlers.UnmarshalMeta.Clear()
	handlers.Unmarshal.Clear()
	handlers.ValidateResponse.Clear()
	handlers.Send.PushBack(s.send)
}

func (s *S3Test) send(r *request.Request) {
	r.HTTPResponse = &http.Response{
		StatusCode: 200,
		Header:     http.Header{},
		Body:       io.NopCloser(bytes.NewReader(nil)),
	}
	r.Retryable = aws.Bool(false)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, r.Operation.Name)

	switch params := r.Params.(type) {
	case *s3.CreateMultipartUploadInput:
		r.Data.(*s3.CreateMultipartUploadOutput).UploadId = aws.String("upload-1")
	case *s3.UploadPartInput:
		_, err := r.Body.Seek(0, io.SeekStart)
		if err != nil {
			r.Error = err
			return
		}
		data, err := io.ReadAll(r.Body)
		if err != nil {
			r.Error = err
			return
		}
		s.parts[*params.PartNumber] = data
		r.Data.(*s3.UploadPartOutput).ETag = aws.String(fmt.Sprintf("etag-%v", *params.PartNumber))
	case *s3.PutObjectInput:
		s.put = params
	case *s3.AbortMultipartUploadInput:
		if s.abortErr != nil {
			r.Error = s.abortErr
		}
	}
}

func (s *S3Test) TestUploadSubStreams(t *C) {
	data := randomBytes(10000, 70)
	chunks, err := OpenMultiSubStream(context.Background(), bytes.NewReader(data), 0, -1, 4000)
	t.Assert(err, IsNil)

	upload, err := s.s3.NewUpload(context.Background(), "key", nil)
	t.Assert(err, IsNil)

	ids, err := ParallelUpload(context.Background(), chunks, upload, UploadOptions{Parallelism: 2})
	t.Assert(err, IsNil)
	t.Assert(ids, DeepEquals, []string{"etag-1", "etag-2", "etag-3"})

	t.Assert(s.parts, HasLen, 3)
	t.Assert(s.parts[1], DeepEquals, data[:4000])
	t.Assert(s.parts[2], DeepEquals, data[4000:8000])
	t.Assert(s.parts[3], DeepEquals, data[8000:])
	t.Assert(s.ops[len(s.ops)-1], Equals, "CompleteMultipartUpload")
}

func (s *S3Test) TestEmptyCommit(t *C) {
	upload, err := s.s3.NewUpload(context.Background(), "empty", PString("text/plain"))
	t.Assert(err, IsNil)

	// the object is in place even if the upload cannot be aborted
	s.abortErr = awserr.New("NoSuchUpload", "upload is gone", nil)
	t.Assert(upload.CommitChunks(context.Background(), nil, nil), IsNil)

	t.Assert(s.ops, DeepEquals, []string{
		"CreateMultipartUpload", "PutObject", "AbortMultipartUpload",
	})
	t.Assert(s.put, NotNil)
	t.Assert(*s.put.Key, Equals, "empty")
	t.Assert(*s.put.ContentType, Equals, "text/plain")
	t.Assert(*s.put.StorageClass, Equals, "STANDARD")
	t.Assert(*s.put.ServerSideEncryption, Equals, s3.ServerSideEncryptionAwsKms)
	t.Assert(*s.put.SSEKMSKeyId, Equals, "key-1")
	t.Assert(*s.put.ACL, Equals, "bucket-owner-full-control")
}

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
	"encoding/base64"
	"fmt"
	"io"
	"syscall"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
)

// at most 10K parts of up to 5GB each
const S3_MAX_PARTS = 10000

type S3Backend struct {
	*s3.S3
	cap Capabilities

	bucket  string
	flags   *FlagStorage
	config  *S3Config
	sseType string
}

var s3Log = GetLogger("s3")

func NewS3(bucket string, flags *FlagStorage, config *S3Config) (*S3Backend, error) {
	awsConfig, err := config.ToAwsConfig(flags)
	if err != nil {
		return nil, err
	}

	s := &S3Backend{
		S3:     s3.New(config.Session, awsConfig),
		bucket: bucket,
		flags:  flags,
		config: config,
		cap: Capabilities{
			Name:         "s3",
			MaxChunkSize: 5 * 1024 * 1024 * 1024,
			MaxChunks:    S3_MAX_PARTS,
		},
	}

	if config.UseKMS {
		//SSE header string for KMS server-side encryption (SSE-KMS)
		s.sseType = s3.ServerSideEncryptionAwsKms
	} else if config.UseSSE {
		//SSE header string for non-KMS server-side encryption (SSE-S3)
		s.sseType = s3.ServerSideEncryptionAes256
	}

	return s, nil
}

func (s *S3Backend) Capabilities() *Capabilities {
	return &s.cap
}

func (s *S3Backend) Bucket() string {
	return s.bucket
}

func mapAwsError(err error) error {
	if err == nil {
		return nil
	}

	if awsErr, ok := err.(awserr.Error); ok {
		switch awsErr.Code() {
		case "BucketRegionError":
			// don't need to log anything, we should detect region after
			return err
		case "NoSuchBucket":
			return syscall.ENXIO
		case "NoSuchUpload":
			return syscall.ENOENT
		case "BadDigest", "InvalidDigest":
			return syscall.EIO
		case "EntityTooSmall", "InvalidPart", "InvalidPartOrder":
			return syscall.EINVAL
		}

		if reqErr, ok := err.(awserr.RequestFailure); ok {
			// A service error occurred
			err = mapHttpError(reqErr.StatusCode())
			if err != nil {
				return err
			} else {
				s3Log.Errorf("http=%v %v s3=%v request=%v\n",
					reqErr.StatusCode(), reqErr.Message(),
					awsErr.Code(), reqErr.RequestID())
				return reqErr
			}
		} else {
			// Generic AWS Error with Code, Message, and original error (if any)
			s3Log.Errorf("code=%v msg=%v, err=%v\n", awsErr.Code(), awsErr.Message(), awsErr.OrigErr())
			return awsErr
		}
	} else {
		return err
	}
}

func (s *S3Backend) HeadBlob(ctx context.Context, key string) (*BlobInfo, error) {
	resp, err := s.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, mapAwsError(err)
	}

	return &BlobInfo{
		Key:          key,
		Size:         aws.Int64Value(resp.ContentLength),
		ETag:         resp.ETag,
		LastModified: resp.LastModified,
		ContentType:  resp.ContentType,
	}, nil
}

type s3RangeSource struct {
	s   *S3Backend
	key string
}

func (r s3RangeSource) GetRange(ctx context.Context, offset int64, count int64) (io.ReadCloser, error) {
	get := s3.GetObjectInput{
		Bucket: &r.s.bucket,
		Key:    &r.key,
	}

	if offset != 0 || count != 0 {
		var bytes string
		if count != 0 {
			bytes = fmt.Sprintf("bytes=%v-%v", offset, offset+count-1)
		} else {
			bytes = fmt.Sprintf("bytes=%v-", offset)
		}
		get.Range = &bytes
	}

	resp, err := r.s.GetObjectWithContext(ctx, &get)
	if err != nil {
		return nil, mapAwsError(err)
	}
	return resp.Body, nil
}

func (s *S3Backend) Reader(key string) RangeSource {
	return s3RangeSource{s, key}
}

type S3MultipartUpload struct {
	s        *S3Backend
	key      string
	uploadId *string
	mpu      *s3.CreateMultipartUploadInput
}

func (s *S3Backend) NewUpload(ctx context.Context, key string, contentType *string) (BlockTransport, error) {
	mpu := s3.CreateMultipartUploadInput{
		Bucket:       &s.bucket,
		Key:          &key,
		StorageClass: &s.config.StorageClass,
		ContentType:  contentType,
	}

	if s.config.UseSSE {
		mpu.ServerSideEncryption = &s.sseType
		if s.config.UseKMS && s.config.KMSKeyID != "" {
			mpu.SSEKMSKeyId = &s.config.KMSKeyID
		}
	}

	if s.config.ACL != "" {
		mpu.ACL = &s.config.ACL
	}

	resp, err := s.CreateMultipartUploadWithContext(ctx, &mpu)
	if err != nil {
		s3Log.Errorf("CreateMultipartUpload %v = %v", key, err)
		return nil, mapAwsError(err)
	}

	return &S3MultipartUpload{
		s:        s,
		key:      key,
		uploadId: resp.UploadId,
		mpu:      &mpu,
	}, nil
}

func (u *S3MultipartUpload) UploadChunk(ctx context.Context, index int, body io.ReadSeeker,
	size int64, md5 []byte) (string, error) {

	if index >= S3_MAX_PARTS {
		return "", invalidArgument("part %v is past the %v part limit", index+1, S3_MAX_PARTS)
	}

	params := s3.UploadPartInput{
		Bucket:        &u.s.bucket,
		Key:           &u.key,
		PartNumber:    aws.Int64(int64(index + 1)),
		UploadId:      u.uploadId,
		Body:          withSize(body, size),
		ContentLength: aws.Int64(size),
	}
	if md5 != nil {
		params.ContentMD5 = aws.String(base64.StdEncoding.EncodeToString(md5))
	}

	s3Log.Debugf("UploadPart %v #%v %v bytes", u.key, index+1, size)

	resp, err := u.s.UploadPartWithContext(ctx, &params)
	if err != nil {
		return "", mapAwsError(err)
	}

	return aws.StringValue(resp.ETag), nil
}

// CommitChunks completes the upload. S3 has no whole object MD5 for
// multipart uploads, so md5 is only logged.
func (u *S3MultipartUpload) CommitChunks(ctx context.Context, ids []string, md5 []byte) error {
	if len(ids) == 0 {
		// multipart uploads need at least one part
		_, err := u.s.PutObjectWithContext(ctx, emptyObjectInput(u.mpu))
		if err != nil {
			return mapAwsError(err)
		}
		err = u.Abort(ctx)
		if err != nil {
			s3Log.Warnf("AbortMultipartUpload %v after empty put = %v", u.key, err)
		}
		return nil
	}

	parts := make([]*s3.CompletedPart, len(ids))
	for i := range ids {
		parts[i] = &s3.CompletedPart{
			ETag:       &ids[i],
			PartNumber: aws.Int64(int64(i + 1)),
		}
	}

	mpu := s3.CompleteMultipartUploadInput{
		Bucket:   &u.s.bucket,
		Key:      &u.key,
		UploadId: u.uploadId,
		MultipartUpload: &s3.CompletedMultipartUpload{
			Parts: parts,
		},
	}

	resp, err := u.s.CompleteMultipartUploadWithContext(ctx, &mpu)
	if err != nil {
		return mapAwsError(err)
	}

	s3Log.Debugf("CompleteMultipartUpload %v etag=%v md5=%x", u.key,
		aws.StringValue(resp.ETag), md5)
	return nil
}

// emptyObjectInput puts an empty object with the headers the multipart
// upload was created with
func emptyObjectInput(mpu *s3.CreateMultipartUploadInput) *s3.PutObjectInput {
	return &s3.PutObjectInput{
		Bucket:               mpu.Bucket,
		Key:                  mpu.Key,
		StorageClass:         mpu.StorageClass,
		ContentType:          mpu.ContentType,
		ServerSideEncryption: mpu.ServerSideEncryption,
		SSEKMSKeyId:          mpu.SSEKMSKeyId,
		ACL:                  mpu.ACL,
	}
}

func (u *S3MultipartUpload) Abort(ctx context.Context) error {
	_, err := u.s.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   &u.s.bucket,
		Key:      &u.key,
		UploadId: u.uploadId,
	})
	return mapAwsError(err)
}

func (s *S3Backend) NewPageBlob(ctx context.Context, key string, size int64,
	contentType *string) (PageTransport, error) {

	return nil, unsupported("s3 page blob")
}

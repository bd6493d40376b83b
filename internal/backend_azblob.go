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
	"net/http"
	"net/url"
	"sync"
	"syscall"
	"time"

	"github.com/Azure/azure-pipeline-go/pipeline"
	"github.com/Azure/azure-storage-blob-go/azblob"

	"github.com/google/uuid"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

var TIME_MAX = time.Unix(1<<63-62135596801, 999999999)

// at most 50K blocks per blob, so %05d should be sufficient
const AZBLOB_MAX_BLOCKS = 50000

func retryableHttpClient(c *http.Client, maxRetries int) *retryablehttp.Client {
	retryPolicy := func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		// do not retry on context.Canceled or context.DeadlineExceeded
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	return &retryablehttp.Client{
		HTTPClient:   c,
		Backoff:      retryablehttp.LinearJitterBackoff,
		Logger:       RetryHTTPLogger{LogHandle: azbLog},
		RetryWaitMin: 100 * time.Millisecond,
		RetryWaitMax: 1 * time.Second,
		RetryMax:     maxRetries,
		CheckRetry:   retryPolicy,
		RequestLogHook: func(_ retryablehttp.Logger, r *http.Request, nRetry int) {
			if nRetry != 0 {
				azbLog.Debugf("%v %v retry#%v", r.Method, r.URL.Path, nRetry)
			}
		},
	}
}

type RetryClient struct {
	client *retryablehttp.Client
}

func (c RetryClient) RoundTrip(r *http.Request) (*http.Response, error) {
	req, err := retryablehttp.NewRequest(r.Method, r.URL.String(), r.Body)
	if err != nil {
		return nil, err
	}
	req.Request = r
	return c.client.Do(req)
}

// newAzBlobHTTPClientFactory sends pipeline requests through a retrying
// http client
func newAzBlobHTTPClientFactory(client *http.Client) pipeline.Factory {
	return pipeline.FactoryFunc(
		func(next pipeline.Policy, po *pipeline.PolicyOptions) pipeline.PolicyFunc {
			return func(ctx context.Context, request pipeline.Request) (pipeline.Response, error) {
				r, err := client.Do(request.WithContext(ctx))
				if err != nil {
					err = pipeline.NewError(err, "HTTP request failed")
				}
				return pipeline.NewHTTPResponse(r), err
			}
		})
}

type AZBlob struct {
	config *AZBlobConfig
	cap    Capabilities

	mu sync.Mutex
	c  *azblob.ContainerURL

	pipeline pipeline.Pipeline

	bucket           string
	prefix           string
	bareURL          string
	sasTokenProvider SASTokenProvider
	tokenExpire      time.Time
	tokenRenewBuffer time.Duration
	tokenRenewGate   *Ticket
}

var azbLog = GetLogger("azblob")

func NewAZBlob(container string, config *AZBlobConfig) (*AZBlob, error) {
	httpClient := &http.Client{
		Transport: RetryClient{retryableHttpClient(&http.Client{
			Transport: GetHTTPTransport(),
		}, config.MaxRetries)},
	}

	po := azblob.PipelineOptions{
		Log: pipeline.LogOptions{
			Log: func(level pipeline.LogLevel, msg string) {
				// naive casting kind of works because pipeline.INFO maps
				// to 5 which is logrus.DEBUG
				if level == pipeline.LogError {
					// some http errors are logged at Error, we
					// already log the ones we don't handle
					level = pipeline.LogInfo
				}
				azbLog.Log(logrus.Level(uint32(level)), msg)
			},
			ShouldLog: func(level pipeline.LogLevel) bool {
				if level == pipeline.LogError {
					level = pipeline.LogInfo
				}
				return azbLog.IsLevelEnabled(logrus.Level(uint32(level)))
			},
		},
		// the http client retries
		Retry: azblob.RetryOptions{
			MaxTries: 1,
		},
		RequestLog: azblob.RequestLogOptions{
			LogWarningIfTryOverThreshold: time.Duration(-1),
		},
		HTTPSender: newAzBlobHTTPClientFactory(httpClient),
	}

	b := &AZBlob{
		config: config,
		cap: Capabilities{
			Name:         "wasb",
			MaxChunkSize: 4000 * 1024 * 1024,
			MaxChunks:    AZBLOB_MAX_BLOCKS,
			PageBlobs:    true,
		},
		bucket:           container,
		prefix:           config.Prefix,
		bareURL:          config.Endpoint,
		sasTokenProvider: config.SasToken,
		tokenRenewBuffer: config.TokenRenewBuffer,
		tokenRenewGate:   Ticket{Total: 1}.Init(),
	}

	if config.SasToken == nil {
		credential, err := azblob.NewSharedKeyCredential(config.AccountName, config.AccountKey)
		if err != nil {
			return nil, fmt.Errorf("Unable to construct credential: %v", err)
		}

		b.pipeline = azblob.NewPipeline(credential, po)

		u, err := url.Parse(b.bareURL)
		if err != nil {
			return nil, err
		}

		containerURL := azblob.NewServiceURL(*u, b.pipeline).NewContainerURL(container)
		b.c = &containerURL
	} else {
		b.pipeline = azblob.NewPipeline(azblob.NewAnonymousCredential(), po)
	}

	return b, nil
}

func (b *AZBlob) Capabilities() *Capabilities {
	return &b.cap
}

func (b *AZBlob) Bucket() string {
	return b.bucket
}

func (b *AZBlob) key(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

func (b *AZBlob) refreshToken(ctx context.Context) (*azblob.ContainerURL, error) {
	if b.sasTokenProvider == nil {
		return b.c, nil
	}

	b.mu.Lock()

	if b.c == nil {
		b.mu.Unlock()
		return b.updateToken()
	} else if b.tokenExpire.Before(time.Now().UTC()) {
		// our token totally expired, renew inline before using it
		b.mu.Unlock()
		err := b.tokenRenewGate.Take(ctx, 1)
		if err != nil {
			return nil, err
		}
		defer b.tokenRenewGate.Return(1)

		b.mu.Lock()
		// check again, because in the mean time maybe it's renewed
		if b.tokenExpire.Before(time.Now().UTC()) {
			b.mu.Unlock()
			azbLog.Warnf("token expired: %v", b.tokenExpire)
			_, err := b.updateToken()
			if err != nil {
				azbLog.Errorf("Unable to refresh token: %v", err)
				return nil, syscall.EACCES
			}
		} else {
			// another concurrent goroutine renewed it for us
			b.mu.Unlock()
		}
	} else if b.tokenExpire.Add(-b.tokenRenewBuffer).Before(time.Now().UTC()) {
		b.mu.Unlock()
		// only allow one token renew at a time
		if b.tokenRenewGate.TryTake(1) {
			go func() {
				defer b.tokenRenewGate.Return(1)
				_, err := b.updateToken()
				if err != nil {
					azbLog.Errorf("Unable to refresh token: %v", err)
				}
			}()

			// the current token is still valid for a while, so
			// a failed renewal only shows up once it expires
		} else {
			azbLog.Infof("token renewal already in progress")
		}
	} else {
		b.mu.Unlock()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.c, nil
}

func parseSasToken(token string) (expire time.Time) {
	expire = TIME_MAX

	parts, err := url.ParseQuery(token)
	if err != nil {
		return
	}

	se := parts.Get("se")
	if se == "" {
		azbLog.Error("token missing 'se' param")
		return
	}

	expire, err = time.Parse("2006-01-02T15:04:05Z", se)
	if err != nil {
		// sometimes they only have the date
		expire, err = time.Parse("2006-01-02", se)
		if err != nil {
			expire = TIME_MAX
		}
	}
	return
}

func (b *AZBlob) updateToken() (*azblob.ContainerURL, error) {
	token, err := b.sasTokenProvider()
	if err != nil {
		azbLog.Errorf("Unable to generate SAS token: %v", err)
		return nil, syscall.EACCES
	}

	expire := parseSasToken(token)
	azbLog.Infof("token for %v refreshed, next expire at %v", b.bucket, expire.String())

	sUrl := b.bareURL + "?" + token
	u, err := url.Parse(sUrl)
	if err != nil {
		azbLog.Errorf("Unable to construct service URL: %v", sUrl)
		return nil, syscall.EINVAL
	}

	containerURL := azblob.NewServiceURL(*u, b.pipeline).NewContainerURL(b.bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.c = &containerURL
	b.tokenExpire = expire

	return b.c, nil
}

func mapAZBError(err error) error {
	if err == nil {
		return nil
	}

	if stgErr, ok := err.(azblob.StorageError); ok {
		switch stgErr.ServiceCode() {
		case azblob.ServiceCodeBlobAlreadyExists:
			return syscall.EACCES
		case azblob.ServiceCodeBlobNotFound:
			return syscall.ENOENT
		case azblob.ServiceCodeContainerBeingDeleted:
			return syscall.EAGAIN
		case azblob.ServiceCodeContainerDisabled:
			return syscall.EACCES
		case azblob.ServiceCodeContainerNotFound:
			return syscall.ENODEV
		case azblob.ServiceCodeInvalidBlockList:
			return syscall.EINVAL
		case azblob.ServiceCodeInvalidPageRange:
			return syscall.EINVAL
		case azblob.ServiceCodeMd5Mismatch:
			return syscall.EIO
		case azblob.ServiceCodeSystemInUse:
			return syscall.EAGAIN
		case azblob.ServiceCodeBlobArchived:
			return syscall.EINVAL
		case azblob.ServiceCodeAccountBeingCreated:
			return syscall.EAGAIN
		case azblob.ServiceCodeAuthenticationFailed:
			return syscall.EACCES
		case azblob.ServiceCodeConditionNotMet:
			return syscall.EBUSY
		case azblob.ServiceCodeInternalError:
			return syscall.EAGAIN
		case azblob.ServiceCodeInvalidAuthenticationInfo:
			return syscall.EACCES
		case azblob.ServiceCodeOperationTimedOut:
			return syscall.EAGAIN
		case azblob.ServiceCodeResourceNotFound:
			return syscall.ENOENT
		case azblob.ServiceCodeServerBusy:
			return syscall.EAGAIN
		case "AuthorizationFailure": // from Azurite emulator
			return syscall.EACCES
		default:
			err = mapHttpError(stgErr.Response().StatusCode)
			if err != nil {
				return err
			} else {
				azbLog.Errorf("code=%v status=%v err=%v", stgErr.ServiceCode(), stgErr.Response().Status, stgErr)
				return stgErr
			}
		}
	} else {
		return err
	}
}

func (b *AZBlob) HeadBlob(ctx context.Context, key string) (*BlobInfo, error) {
	c, err := b.refreshToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.NewBlobURL(b.key(key)).GetProperties(ctx,
		azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return nil, mapAZBError(err)
	}

	return &BlobInfo{
		Key:          key,
		Size:         resp.ContentLength(),
		ETag:         PString(string(resp.ETag())),
		LastModified: PTime(resp.LastModified()),
		ContentType:  PString(resp.ContentType()),
	}, nil
}

type azbRangeSource struct {
	b   *AZBlob
	key string
}

func (r azbRangeSource) GetRange(ctx context.Context, offset int64, count int64) (io.ReadCloser, error) {
	c, err := r.b.refreshToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.NewBlobURL(r.b.key(r.key)).Download(ctx, offset, count,
		azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return nil, mapAZBError(err)
	}
	return resp.Body(azblob.RetryReaderOptions{MaxRetryRequests: r.b.config.MaxRetries}), nil
}

func (b *AZBlob) Reader(key string) RangeSource {
	return azbRangeSource{b, key}
}

// AZBlockUpload stages each chunk as an uncommitted block. Block ids
// share a random prefix so concurrent uploads of the same blob do not
// mix.
type AZBlockUpload struct {
	b           *AZBlob
	key         string
	contentType *string
	idFormat    string
}

func (b *AZBlob) NewUpload(ctx context.Context, key string, contentType *string) (BlockTransport, error) {
	// this is implicitly done on the server side
	return &AZBlockUpload{
		b:           b,
		key:         b.key(key),
		contentType: contentType,
		idFormat:    uuid.New().String() + "::%05d",
	}, nil
}

// BlockId is the base64 id of the index-th block. All ids of an upload
// have the same length.
func (u *AZBlockUpload) BlockId(index int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf(u.idFormat, index)))
}

func (u *AZBlockUpload) UploadChunk(ctx context.Context, index int, body io.ReadSeeker,
	size int64, md5 []byte) (string, error) {

	if index >= AZBLOB_MAX_BLOCKS {
		return "", invalidArgument("block %v is past the %v block limit", index, AZBLOB_MAX_BLOCKS)
	}

	c, err := u.b.refreshToken(ctx)
	if err != nil {
		return "", err
	}

	blockId := u.BlockId(index)
	_, err = c.NewBlockBlobURL(u.key).StageBlock(ctx, blockId, withSize(body, size),
		azblob.LeaseAccessConditions{}, md5, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return "", mapAZBError(err)
	}

	return blockId, nil
}

func (u *AZBlockUpload) CommitChunks(ctx context.Context, ids []string, md5 []byte) error {
	c, err := u.b.refreshToken(ctx)
	if err != nil {
		return err
	}

	_, err = c.NewBlockBlobURL(u.key).CommitBlockList(ctx, ids,
		azblob.BlobHTTPHeaders{
			ContentType: NilStr(u.contentType),
			ContentMD5:  md5,
		}, azblob.Metadata{}, azblob.BlobAccessConditions{}, azblob.AccessTierNone,
		nil, azblob.ClientProvidedKeyOptions{}, azblob.ImmutabilityPolicyOptions{})
	return mapAZBError(err)
}

// Abort is a no-op, the server garbage collects uncommitted blocks
func (u *AZBlockUpload) Abort(ctx context.Context) error {
	return nil
}

type AZPageBlob struct {
	b           *AZBlob
	key         string
	contentType *string
}

func (b *AZBlob) NewPageBlob(ctx context.Context, key string, size int64,
	contentType *string) (PageTransport, error) {

	if size%PAGE_SIZE != 0 {
		return nil, invalidArgument("page blob size %v is not page aligned", size)
	}

	c, err := b.refreshToken(ctx)
	if err != nil {
		return nil, err
	}

	key = b.key(key)
	_, err = c.NewPageBlobURL(key).Create(ctx, size, 0,
		azblob.BlobHTTPHeaders{ContentType: NilStr(contentType)},
		azblob.Metadata{}, azblob.BlobAccessConditions{},
		azblob.PremiumPageBlobAccessTierNone, nil,
		azblob.ClientProvidedKeyOptions{}, azblob.ImmutabilityPolicyOptions{})
	if err != nil {
		return nil, mapAZBError(err)
	}

	return &AZPageBlob{b: b, key: key, contentType: contentType}, nil
}

func (p *AZPageBlob) WritePages(ctx context.Context, offset int64, body io.ReadSeeker,
	size int64, md5 []byte) error {

	c, err := p.b.refreshToken(ctx)
	if err != nil {
		return err
	}

	_, err = c.NewPageBlobURL(p.key).UploadPages(ctx, offset, withSize(body, size),
		azblob.PageBlobAccessConditions{}, md5, azblob.ClientProvidedKeyOptions{})
	return mapAZBError(err)
}

func (p *AZPageBlob) SetContentMD5(ctx context.Context, md5 []byte) error {
	c, err := p.b.refreshToken(ctx)
	if err != nil {
		return err
	}

	// setting headers replaces all of them
	_, err = c.NewBlobURL(p.key).SetHTTPHeaders(ctx, azblob.BlobHTTPHeaders{
		ContentType: NilStr(p.contentType),
		ContentMD5:  md5,
	}, azblob.BlobAccessConditions{})
	return mapAZBError(err)
}

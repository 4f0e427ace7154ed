package tilegate

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyHttp "github.com/aws/smithy-go/transport/http"
	"github.com/cespare/xxhash/v2"
	"gocloud.dev/blob"
	"google.golang.org/api/googleapi"
)

// Bucket reads byte ranges of archives from local disk, plain HTTP servers
// or gocloud blob storage. Conditional reads carry an opaque etag so a
// caller notices when the archive changed underneath it.
type Bucket interface {
	Close() error
	NewRangeReader(ctx context.Context, key string, offset int64, length int64) (io.ReadCloser, error)
	NewRangeReaderEtag(ctx context.Context, key string, offset int64, length int64, etag string) (io.ReadCloser, string, int, error)
}

// ArchiveChangedError reports that the remote object no longer matches the
// etag the caller holds. Cached state derived from the old bytes must be
// dropped and the read retried.
type ArchiveChangedError struct {
	StatusCode int
}

func (e *ArchiveChangedError) Error() string {
	return fmt.Sprintf("archive changed on remote, status %d", e.StatusCode)
}

func isArchiveChangedCode(code int) bool {
	return code == http.StatusPreconditionFailed || code == http.StatusRequestedRangeNotSatisfiable
}

func uintToBytes(n uint64) []byte {
	bs := make([]byte, 8)
	binary.LittleEndian.PutUint64(bs, n)
	return bs
}

func etagFromHash(hasher *xxhash.Digest) string {
	sum := uintToBytes(hasher.Sum64())
	return fmt.Sprintf(`"%s"`, hex.EncodeToString(sum))
}

func etagFromBytes(data []byte) string {
	hasher := xxhash.New()
	hasher.Write(data)
	return etagFromHash(hasher)
}

func etagFromInts(ns ...int64) string {
	hasher := xxhash.New()
	for _, n := range ns {
		hasher.Write(uintToBytes(uint64(n)))
	}
	return etagFromHash(hasher)
}

// memBucket serves ranges out of a map, for tests.
type memBucket struct {
	items map[string][]byte
}

func (m memBucket) Close() error {
	return nil
}

func (m memBucket) NewRangeReader(ctx context.Context, key string, offset int64, length int64) (io.ReadCloser, error) {
	body, _, _, err := m.NewRangeReaderEtag(ctx, key, offset, length, "")
	return body, err
}

func (m memBucket) NewRangeReaderEtag(_ context.Context, key string, offset int64, length int64, etag string) (io.ReadCloser, string, int, error) {
	bs, ok := m.items[key]
	if !ok {
		return nil, "", http.StatusNotFound, fmt.Errorf("not found: %s", key)
	}
	currentEtag := etagFromBytes(bs)
	if etag != "" && currentEtag != etag {
		return nil, "", http.StatusPreconditionFailed, &ArchiveChangedError{http.StatusPreconditionFailed}
	}
	if offset >= int64(len(bs)) {
		return nil, "", http.StatusRequestedRangeNotSatisfiable, &ArchiveChangedError{http.StatusRequestedRangeNotSatisfiable}
	}
	end := offset + length
	if end > int64(len(bs)) {
		end = int64(len(bs))
	}
	return io.NopCloser(bytes.NewReader(bs[offset:end])), currentEtag, http.StatusPartialContent, nil
}

// FileBucket serves ranges out of a directory on disk. The etag is derived
// from mtime and size, so rewriting an archive in place invalidates readers.
type FileBucket struct {
	dir string
}

func NewFileBucket(dir string) *FileBucket {
	return &FileBucket{dir: dir}
}

func (b FileBucket) Close() error {
	return nil
}

func (b FileBucket) NewRangeReader(ctx context.Context, key string, offset int64, length int64) (io.ReadCloser, error) {
	body, _, _, err := b.NewRangeReaderEtag(ctx, key, offset, length, "")
	return body, err
}

func (b FileBucket) NewRangeReaderEtag(_ context.Context, key string, offset int64, length int64, etag string) (io.ReadCloser, string, int, error) {
	file, err := os.Open(filepath.Join(b.dir, key))
	if err != nil {
		return nil, "", http.StatusNotFound, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, "", http.StatusNotFound, err
	}
	currentEtag := etagFromInts(info.ModTime().UnixNano(), info.Size())
	if etag != "" && etag != currentEtag {
		return nil, "", http.StatusPreconditionFailed, &ArchiveChangedError{http.StatusPreconditionFailed}
	}

	result := make([]byte, length)
	read, err := file.ReadAt(result, offset)
	if err == io.EOF {
		return io.NopCloser(bytes.NewReader(result[:read])), currentEtag, http.StatusPartialContent, nil
	}
	if err != nil {
		return nil, "", http.StatusInternalServerError, err
	}
	if read != int(length) {
		return nil, "", http.StatusRequestedRangeNotSatisfiable, fmt.Errorf("read %d bytes, expected %d", read, length)
	}
	return io.NopCloser(bytes.NewReader(result)), currentEtag, http.StatusPartialContent, nil
}

// HTTPClient lets tests swap the default client for a mock.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPBucket serves ranges from a plain HTTP server using Range and
// If-Match headers.
type HTTPBucket struct {
	baseURL string
	client  HTTPClient
}

func (b HTTPBucket) Close() error {
	return nil
}

func (b HTTPBucket) NewRangeReader(ctx context.Context, key string, offset int64, length int64) (io.ReadCloser, error) {
	body, _, _, err := b.NewRangeReaderEtag(ctx, key, offset, length, "")
	return body, err
}

func (b HTTPBucket) NewRangeReaderEtag(ctx context.Context, key string, offset int64, length int64, etag string) (io.ReadCloser, string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/"+key, nil)
	if err != nil {
		return nil, "", http.StatusInternalServerError, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	if etag != "" {
		req.Header.Set("If-Match", etag)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, "", 0, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		if isArchiveChangedCode(resp.StatusCode) {
			err = &ArchiveChangedError{resp.StatusCode}
		} else {
			err = fmt.Errorf("HTTP error: %d", resp.StatusCode)
		}
		return nil, "", resp.StatusCode, err
	}
	return resp.Body, resp.Header.Get("ETag"), resp.StatusCode, nil
}

// BlobBucket adapts a gocloud bucket, pushing etag conditions down into the
// provider request and pulling the new etag back out of the response.
type BlobBucket struct {
	bucket *blob.Bucket
}

func (b BlobBucket) Close() error {
	return b.bucket.Close()
}

func (b BlobBucket) NewRangeReader(ctx context.Context, key string, offset int64, length int64) (io.ReadCloser, error) {
	body, _, _, err := b.NewRangeReaderEtag(ctx, key, offset, length, "")
	return body, err
}

func etagToGeneration(etag string) int64 {
	i, _ := strconv.ParseInt(etag, 10, 64)
	return i
}

func generationToEtag(generation int64) string {
	return strconv.FormatInt(generation, 10)
}

func setProviderEtag(asFunc func(interface{}) bool, etag string) {
	var awsV2Req *s3.GetObjectInput
	var azblobReq *azblob.DownloadStreamOptions
	var gcsHandle **storage.ObjectHandle
	if asFunc(&awsV2Req) {
		awsV2Req.IfMatch = aws.String(etag)
	} else if asFunc(&azblobReq) {
		azEtag := azcore.ETag(etag)
		azblobReq.AccessConditions = &azblob.AccessConditions{
			ModifiedAccessConditions: &container.ModifiedAccessConditions{
				IfMatch: &azEtag,
			},
		}
	} else if asFunc(&gcsHandle) {
		*gcsHandle = (*gcsHandle).If(storage.Conditions{
			GenerationMatch: etagToGeneration(etag),
		})
	}
}

func providerErrorStatusCode(err error) int {
	var awsV2Err *smithyHttp.ResponseError
	var azureErr *azcore.ResponseError
	var gcpErr *googleapi.Error

	if errors.As(err, &awsV2Err) {
		return awsV2Err.HTTPStatusCode()
	} else if errors.As(err, &azureErr) {
		return azureErr.StatusCode
	} else if errors.As(err, &gcpErr) {
		return gcpErr.Code
	}
	return http.StatusNotFound
}

func providerEtag(reader *blob.Reader) string {
	var awsV2Resp s3.GetObjectOutput
	var azureResp azblob.DownloadStreamResponse
	var gcpResp *storage.Reader

	if reader.As(&awsV2Resp) {
		return *awsV2Resp.ETag
	} else if reader.As(&azureResp) {
		return string(*azureResp.ETag)
	} else if reader.As(&gcpResp) {
		return generationToEtag(gcpResp.Attrs.Generation)
	}
	return ""
}

func (b BlobBucket) NewRangeReaderEtag(ctx context.Context, key string, offset int64, length int64, etag string) (io.ReadCloser, string, int, error) {
	reader, err := b.bucket.NewRangeReader(ctx, key, offset, length, &blob.ReaderOptions{
		BeforeRead: func(asFunc func(interface{}) bool) error {
			if etag != "" {
				setProviderEtag(asFunc, etag)
			}
			return nil
		},
	})
	if err != nil {
		status := providerErrorStatusCode(err)
		if isArchiveChangedCode(status) {
			return nil, "", status, &ArchiveChangedError{status}
		}
		return nil, "", status, err
	}
	return reader, providerEtag(reader), http.StatusPartialContent, nil
}

// ResolveBucketKey splits an archive location into a bucket URL and a key
// within it. With no explicit bucket, http(s) URLs split on the last path
// segment and bare paths become file buckets rooted at their directory.
func ResolveBucketKey(bucket string, prefix string, key string) (string, string, error) {
	if bucket != "" {
		return bucket, key, nil
	}
	if strings.HasPrefix(key, "http") {
		u, err := url.Parse(key)
		if err != nil {
			return "", "", err
		}
		dir, file := path.Split(u.Path)
		dir = strings.TrimSuffix(dir, "/")
		return u.Scheme + "://" + u.Host + dir, file, nil
	}
	fileprotocol := "file://"
	if string(os.PathSeparator) != "/" {
		fileprotocol += "/"
	}
	if prefix != "" {
		abs, err := filepath.Abs(prefix)
		if err != nil {
			return "", "", err
		}
		return fileprotocol + filepath.ToSlash(abs), key, nil
	}
	abs, err := filepath.Abs(key)
	if err != nil {
		return "", "", err
	}
	return fileprotocol + filepath.ToSlash(filepath.Dir(abs)), filepath.Base(abs), nil
}

// OpenBucket opens an archive bucket by URL: http(s), file, or anything the
// gocloud blob drivers linked into the binary understand (s3, gs, azblob).
func OpenBucket(ctx context.Context, bucketURL string, bucketPrefix string) (Bucket, error) {
	if strings.HasPrefix(bucketURL, "http") {
		return HTTPBucket{bucketURL, http.DefaultClient}, nil
	}
	if strings.HasPrefix(bucketURL, "file") {
		fileprotocol := "file://"
		if string(os.PathSeparator) != "/" {
			fileprotocol += "/"
		}
		dir := strings.Replace(bucketURL, fileprotocol, "", 1)
		return NewFileBucket(filepath.FromSlash(dir)), nil
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %s: %w", bucketURL, err)
	}
	if bucketPrefix != "" && bucketPrefix != "/" && bucketPrefix != "." {
		bucket = blob.PrefixedBucket(bucket, path.Clean(bucketPrefix)+string(os.PathSeparator))
	}
	return BlobBucket{bucket}, nil
}

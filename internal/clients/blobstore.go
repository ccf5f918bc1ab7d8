package clients

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// UploadResult is the {bucket, key, url, size} tuple spec.md §1 promises the
// blob-store black box returns; SizeBytes flows through to the JobRecord's
// own resultSizeBytes field once the caller persists it.
type UploadResult struct {
	Bucket    string
	Key       string
	URL       string
	SizeBytes int64
}

// BlobStore uploads a finished render and reports its own reachability,
// mirroring clients.S3's PresignS3/GetObject pairing: one interface, any
// backend behind it.
type BlobStore interface {
	UploadVideo(ctx context.Context, path string) (UploadResult, error)
	HealthCheck(ctx context.Context) error
}

// S3BlobStore uploads through aws-sdk-go's s3manager, the teacher's own
// upload path for anything larger than a single PutObject call (see
// clients/object_store_client.go's multipart handling for big VOD assets).
type S3BlobStore struct {
	bucket   string
	uploader *s3manager.Uploader
	client   *s3.S3
}

func NewS3BlobStore(sess *session.Session, bucket string) *S3BlobStore {
	return &S3BlobStore{
		bucket:   bucket,
		uploader: s3manager.NewUploader(sess),
		client:   s3.New(sess),
	}
}

func (b *S3BlobStore) UploadVideo(ctx context.Context, path string) (UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return UploadResult{}, fmt.Errorf("opening render output %s: %w", path, err)
	}
	defer f.Close()

	var size int64
	if fi, statErr := f.Stat(); statErr == nil {
		size = fi.Size()
	}

	key := objectKey(path)
	out, err := b.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return UploadResult{}, fmt.Errorf("uploading %s to s3://%s/%s: %w", path, b.bucket, key, err)
	}
	return UploadResult{Bucket: b.bucket, Key: key, URL: out.Location, SizeBytes: size}, nil
}

func (b *S3BlobStore) HealthCheck(ctx context.Context) error {
	_, err := b.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		MaxKeys: aws.Int64(1),
	})
	return err
}

func objectKey(path string) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%d", path, time.Now().UnixNano())))
	return "renders/" + hex.EncodeToString(sum[:]) + ".out"
}

// InMemoryBlobStore is a test/local-dev stand-in that never touches the
// network, recording every upload it was asked to perform.
type InMemoryBlobStore struct {
	mu      sync.Mutex
	Bucket  string
	Objects map[string]string // key -> path
	Fail    error
}

func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{Bucket: "local-dev", Objects: make(map[string]string)}
}

func (b *InMemoryBlobStore) UploadVideo(ctx context.Context, path string) (UploadResult, error) {
	if b.Fail != nil {
		return UploadResult{}, b.Fail
	}
	var size int64
	if fi, statErr := os.Stat(path); statErr == nil {
		size = fi.Size()
	}
	key := objectKey(path)
	b.mu.Lock()
	b.Objects[key] = path
	b.mu.Unlock()
	return UploadResult{Bucket: b.Bucket, Key: key, URL: fmt.Sprintf("https://%s.local/%s", b.Bucket, key), SizeBytes: size}, nil
}

func (b *InMemoryBlobStore) HealthCheck(ctx context.Context) error {
	return b.Fail
}

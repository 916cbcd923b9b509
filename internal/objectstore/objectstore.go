// Package objectstore fetches stored log objects.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

var (
	// ErrNotFound is returned when the object no longer exists.
	ErrNotFound = errors.New("object not found")
	// ErrTooLarge is returned when the object exceeds the size limit.
	ErrTooLarge = errors.New("object exceeds size limit")
)

// Object is a fetched object held in memory.
type Object struct {
	Body         []byte
	LastModified time.Time
}

// Fetcher retrieves objects by bucket and key.
type Fetcher interface {
	Get(ctx context.Context, bucket, key string) (Object, error)
}

// S3API is the subset of the S3 client used here.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 fetches objects from S3.
type S3 struct {
	api      S3API
	maxBytes int64
	timeout  time.Duration
}

var _ Fetcher = (*S3)(nil)

// NewS3 returns a fetcher reading at most maxBytes per object (0 means no
// limit). Each fetch is bounded by timeout when positive.
func NewS3(api S3API, maxBytes int64, timeout time.Duration) *S3 {
	return &S3{api: api, maxBytes: maxBytes, timeout: timeout}
}

// Get downloads the whole object.
func (f *S3) Get(ctx context.Context, bucket, key string) (Object, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	out, err := f.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return Object{}, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, bucket, key)
		}
		return Object{}, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()

	if f.maxBytes > 0 && aws.ToInt64(out.ContentLength) > f.maxBytes {
		return Object{}, fmt.Errorf("%w: s3://%s/%s is %d bytes (limit %d)",
			ErrTooLarge, bucket, key, aws.ToInt64(out.ContentLength), f.maxBytes)
	}

	var r io.Reader = out.Body
	if f.maxBytes > 0 {
		r = io.LimitReader(out.Body, f.maxBytes+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return Object{}, fmt.Errorf("read s3://%s/%s: %w", bucket, key, err)
	}
	if f.maxBytes > 0 && int64(len(body)) > f.maxBytes {
		return Object{}, fmt.Errorf("%w: s3://%s/%s (limit %d)", ErrTooLarge, bucket, key, f.maxBytes)
	}
	return Object{Body: body, LastModified: aws.ToTime(out.LastModified)}, nil
}

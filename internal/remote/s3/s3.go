// Package s3 provides an S3-compatible (AWS, MinIO) remote backend. Files
// are stored as objects under a key prefix; the original modification time
// travels in object metadata.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/ailinux/relaysync/internal/logging"
	"github.com/ailinux/relaysync/internal/metrics"
	"github.com/ailinux/relaysync/internal/remote"
)

// mtimeKey is the user metadata key holding the source mtime in unix
// nanoseconds.
const mtimeKey = "mtime"

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string // empty uses the AWS default resolver
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Prefix    string // key prefix standing in for the remote directory
}

// Backend implements remote.Backend on an S3 bucket.
type Backend struct {
	client *s3.Client
	bucket string
	prefix string
	log    *zap.Logger
}

var _ remote.Backend = (*Backend)(nil)

// New creates an S3 backend and makes sure the bucket exists.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	b := &Backend{
		client: client,
		bucket: cfg.Bucket,
		prefix: normalizePrefix(cfg.Prefix),
		log:    logging.Named("remote.s3").With(zap.String("bucket", cfg.Bucket)),
	}
	if err := b.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err == nil {
		return nil
	}

	_, createErr := b.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(b.bucket),
	})
	metrics.RecordRemoteOperation(b.Type(), "create_bucket", time.Since(start), createErr == nil)
	if createErr != nil {
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, createErr)
	}
	b.log.Info("created S3 bucket")
	return nil
}

// normalizePrefix turns a directory-like path into "a/b/" (or "").
func normalizePrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

func (b *Backend) objectKey(key string) string {
	return b.prefix + key
}

func (b *Backend) relKey(objectKey string) string {
	return strings.TrimPrefix(objectKey, b.prefix)
}

// List pages through the prefix and resolves each object's stored mtime.
func (b *Backend) List(ctx context.Context) (map[string]remote.FileInfo, error) {
	start := time.Now()
	files, err := b.list(ctx)
	metrics.RecordRemoteOperation(b.Type(), "list", time.Since(start), err == nil)
	return files, err
}

func (b *Backend) list(ctx context.Context) (map[string]remote.FileInfo, error) {
	files := make(map[string]remote.FileInfo)
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", b.bucket, b.prefix, err)
		}
		for _, obj := range page.Contents {
			key := b.relKey(aws.ToString(obj.Key))
			if key == "" || strings.HasSuffix(key, "/") {
				continue
			}
			modTime, err := b.modTime(ctx, aws.ToString(obj.Key), aws.ToTime(obj.LastModified))
			if err != nil {
				return nil, err
			}
			files[key] = remote.FileInfo{
				Path:    key,
				ModTime: modTime,
				Size:    aws.ToInt64(obj.Size),
			}
		}
	}
	return files, nil
}

// modTime reads the mtime metadata, falling back to LastModified for
// objects written by other tools.
func (b *Backend) modTime(ctx context.Context, objectKey string, lastModified time.Time) (time.Time, error) {
	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("head %s: %w", objectKey, err)
	}
	if t, ok := parseMtime(head.Metadata[mtimeKey]); ok {
		return t, nil
	}
	return lastModified, nil
}

func formatMtime(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseMtime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// Get downloads an object.
func (b *Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	metrics.RecordRemoteOperation(b.Type(), "get", time.Since(start), err == nil)
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("get object %s: %w", key, remote.ErrNotExist)
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return result.Body, nil
}

// Put uploads an object and records modTime in its metadata.
func (b *Backend) Put(ctx context.Context, key string, body io.Reader, size int64, modTime time.Time) error {
	start := time.Now()

	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.objectKey(key)),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if !modTime.IsZero() {
		input.Metadata = map[string]string{mtimeKey: formatMtime(modTime)}
	}

	_, err := b.client.PutObject(ctx, input)
	metrics.RecordRemoteOperation(b.Type(), "put", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}

	b.log.Debug("put object", zap.String("key", key), zap.Int64("size", size))
	return nil
}

// Delete removes an object. S3 treats missing keys as success.
func (b *Backend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	metrics.RecordRemoteOperation(b.Type(), "delete", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}

	b.log.Debug("deleted object", zap.String("key", key))
	return nil
}

// Type returns "s3".
func (b *Backend) Type() string { return "s3" }

// Close is a no-op for S3 backends.
func (b *Backend) Close() error { return nil }

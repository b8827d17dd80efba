package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

type S3Options struct {
	Region    string
	Endpoint  string // Custom endpoint for S3 compatible stores, e.g. minio
	PathStyle bool
}

// S3Fetcher serves s3://bucket/key source urls.
type S3Fetcher struct {
	client         *s3.Client
	downloader     *manager.Downloader
	Timeout        time.Duration // Covers the HEAD and the download together
	MaxSourceBytes int64
	Logger         *zap.Logger
}

var _ Fetcher = &S3Fetcher{}

func NewS3Fetcher(ctx context.Context, opts S3Options, logger *zap.Logger) (*S3Fetcher, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		// SDK can only verify CRC32 on multipart downloads and warns otherwise
		o.DisableLogOutputChecksumValidationSkipped = true
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
		// one attempt per fetch, like the http fetcher
		o.Retryer = aws.NopRetryer{}
	})

	return &S3Fetcher{
		client: client,
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) {
			d.Concurrency = 4
		}),
		Timeout:        DefaultTimeout,
		MaxSourceBytes: DefaultMaxSourceBytes,
		Logger:         logger,
	}, nil
}

func (f *S3Fetcher) Fetch(ctx context.Context, sourceURL string) ([]byte, error) {
	bucket, key, err := parseS3URL(sourceURL)
	if err != nil {
		return nil, &FetchError{URL: sourceURL, Err: err}
	}

	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	head, err := f.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, s3FetchError(sourceURL, err)
	}

	size := aws.ToInt64(head.ContentLength)
	limit := f.MaxSourceBytes
	if limit <= 0 {
		limit = DefaultMaxSourceBytes
	}
	if size > limit {
		return nil, &FetchError{URL: sourceURL, Err: errTooLarge}
	}

	if f.Logger != nil {
		f.Logger.Debug("fetching source from S3", zap.String("bucket", bucket), zap.String("key", key), zap.Int64("size", size))
	}

	buf := manager.NewWriteAtBuffer(make([]byte, 0, size))
	n, err := f.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, s3FetchError(sourceURL, err)
	}

	return buf.Bytes()[:n], nil
}

func s3FetchError(sourceURL string, err error) error {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return &FetchError{URL: sourceURL, Code: 404, Err: err}
	}
	return &FetchError{URL: sourceURL, Err: fmt.Errorf("failed to get object from S3: %w", err)}
}

func parseS3URL(sourceURL string) (bucket, key string, err error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("expected s3://bucket/key, got %q", sourceURL)
	}
	return bucket, key, nil
}

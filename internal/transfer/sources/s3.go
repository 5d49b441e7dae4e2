package sources

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/breeze-rmm/agent-updater/internal/transfer"
)

// S3 downloads s3://bucket/key objects with the multipart downloader. A
// custom endpoint and path-style addressing cover S3-compatible stores.
type S3 struct {
	cfg Config

	mu     sync.Mutex
	client *s3.Client
}

// NewS3 creates an s3:// source.
func NewS3(cfg Config) *S3 {
	return &S3{cfg: cfg}
}

func (s *S3) getClient(ctx context.Context) (*s3.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if s.cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(s.cfg.S3Region))
	}
	if s.cfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.cfg.S3AccessKeyID, s.cfg.S3SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if s.cfg.S3Endpoint != "" {
		endpoint := s.cfg.S3Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if s.cfg.S3UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	s.client = s3.NewFromConfig(awsCfg, s3Opts...)
	return s.client, nil
}

func (s *S3) Copy(ctx context.Context, u *url.URL, dst transfer.Target) error {
	bucket, key := bucketAndKey(u.Host, u.Path)
	if bucket == "" || key == "" {
		return transfer.Fail(transfer.ErrorUnsupportedSource, fmt.Errorf("s3 uri %q needs a bucket and key", u.String()))
	}

	client, err := s.getClient(ctx)
	if err != nil {
		return transfer.Fail(transfer.ErrorUnknown, err)
	}

	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return s3Err(ctx, err)
	}
	dst.SetSize(aws.ToInt64(head.ContentLength))

	downloader := manager.NewDownloader(client)
	if _, err := downloader.Download(ctx, dst, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return s3Err(ctx, err)
	}
	log.Debug("s3 object downloaded", "bucket", bucket, "key", key)
	return nil
}

func s3Err(ctx context.Context, err error) error {
	var notFound *types.NotFound
	var noKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noKey) {
		return transfer.Fail(404, err)
	}
	return readErr(ctx, err, transfer.ErrorHTTPDataError)
}

// Package export hands a rendered ticket to something outside the process:
// a directory watched by the phone's share target, or an S3 bucket.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"ticketprint/internal/config"
)

// ErrCancelled is returned when the share was abandoned before it finished.
var ErrCancelled = errors.New("share cancelled")

// Sharer exports a named document and returns where it went.
type Sharer interface {
	Share(ctx context.Context, name string, body []byte, contentType string) (string, error)
}

// New picks S3 when a bucket is configured and the local directory otherwise.
func New(ctx context.Context, cfg config.Config) (Sharer, error) {
	if cfg.ExportS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewS3Sharer(client, cfg.ExportS3Bucket), nil
	}
	return &DirSharer{BaseDir: cfg.ExportDir}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ExportS3Region),
	}
	if cfg.ExportS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ExportS3Endpoint,
					HostnameImmutable: cfg.ExportS3PathStyle,
					SigningRegion:     cfg.ExportS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ExportS3PathStyle
	}), nil
}

// sanitizeKey keeps names inside the export root.
func sanitizeKey(key string) string {
	key = filepath.Clean("/" + key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	return key
}

func cancelled(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ErrCancelled
	}
	return ctx.Err()
}

// DirSharer writes documents below BaseDir.
type DirSharer struct {
	BaseDir string
}

func (d *DirSharer) Share(ctx context.Context, name string, body []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", cancelled(ctx)
	}
	path := filepath.Join(d.BaseDir, sanitizeKey(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// ObjectPutter is the part of *s3.Client the S3 sharer uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sharer uploads documents to a bucket.
type S3Sharer struct {
	client ObjectPutter
	bucket string
}

// NewS3Sharer uploads through client into bucket.
func NewS3Sharer(client ObjectPutter, bucket string) *S3Sharer {
	return &S3Sharer{client: client, bucket: bucket}
}

func (s *S3Sharer) Share(ctx context.Context, name string, body []byte, contentType string) (string, error) {
	key := sanitizeKey(name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", cancelled(ctx)
		}
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

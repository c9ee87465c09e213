package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures the brief archive.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // MinIO, LocalStack, and other S3-compatible stores
	Prefix   string
}

// S3Archive stores each brief as a markdown object keyed by date and execution.
type S3Archive struct {
	client objectPutter
	bucket string
	prefix string
}

// NewS3Archive loads the default AWS credential chain.
func NewS3Archive(ctx context.Context, cfg S3Config) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("notify: s3: bucket is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("notify: s3: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Archive(client, cfg), nil
}

func newS3Archive(client objectPutter, cfg S3Config) *S3Archive {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "briefs/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Archive{client: client, bucket: cfg.Bucket, prefix: prefix}
}

// Key returns the object key of a brief.
func (a *S3Archive) Key(b Brief) string {
	return fmt.Sprintf("%s%s/%s.md", a.prefix, b.Date, b.ExecutionID)
}

func (a *S3Archive) Notify(ctx context.Context, b Brief) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.Key(b)),
		Body:        strings.NewReader(b.Content),
		ContentType: aws.String("text/markdown; charset=utf-8"),
		Metadata: map[string]string{
			"date":        b.Date,
			"artifact-id": b.ArtifactID.String(),
		},
	})
	if err != nil {
		return fmt.Errorf("notify: s3: put %s: %w", a.Key(b), err)
	}
	return nil
}

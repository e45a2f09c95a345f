package artifact

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/lucasnoah/handoff/internal/faults"
)

// PutObjectAPI is the subset of the S3 client the uploader needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config selects the bucket and endpoint.
type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // non-empty for S3-compatible stores; enables path-style
}

// NewS3Client builds an S3 client from the default credential chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	if cfg.Region != "" {
		awsCfg.Region = cfg.Region
	} else if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(awsCfg, opts...), nil
}

// Uploader stores archives in a bucket.
type Uploader struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// NewUploader builds an Uploader over client.
func NewUploader(client PutObjectAPI, bucket, prefix string) *Uploader {
	return &Uploader{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key for a pipeline's source archive.
func (u *Uploader) Key(pipelineID string) string {
	return path.Join(u.prefix, pipelineID, "source.tar.gz")
}

// Upload puts the archive under Key(pipelineID) and returns its s3:// URI.
// Upload failures are transient; the build stage retries them.
func (u *Uploader) Upload(ctx context.Context, pipelineID string, a *Archive) (string, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	key := u.Key(pipelineID)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(a.Size),
		ContentType:   aws.String("application/gzip"),
		Metadata: map[string]string{
			"pipeline-id": pipelineID,
			"digest":      a.Digest,
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", faults.Classify(ctx.Err())
		}
		return "", faults.Transient(faults.CodeNetwork, err, "upload s3://%s/%s", u.bucket, key)
	}
	return fmt.Sprintf("s3://%s/%s", u.bucket, key), nil
}

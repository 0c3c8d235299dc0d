package workspace

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Checker validates bucket reachability with a HeadBucket call.
type S3Checker struct {
	client *s3.Client
}

// NewS3Checker builds a checker from the ambient AWS configuration.
func NewS3Checker(ctx context.Context) (*S3Checker, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("workspace: aws config: %w", err)
	}
	return &S3Checker{client: s3.NewFromConfig(cfg)}, nil
}

// CheckBucket reports whether the bucket exists and is reachable with the
// process credentials.
func (c *S3Checker) CheckBucket(ctx context.Context, bucket string) error {
	if bucket == "" {
		return fmt.Errorf("workspace: bucket name is required")
	}
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &bucket})
	if err != nil {
		return fmt.Errorf("workspace: bucket %s unreachable: %w", bucket, err)
	}
	return nil
}

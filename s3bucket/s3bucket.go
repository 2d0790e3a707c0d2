package s3bucket

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/programme-lv/grader/logger"
)

type S3Bucket struct {
	client *s3.Client
	bucket string
	region string
}

func NewS3Bucket(ctx context.Context, region string, bucket string) (*S3Bucket, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	return &S3Bucket{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		region: region,
	}, nil
}

// Upload stores content under key and returns the object URL.
func (bucket *S3Bucket) Upload(ctx context.Context, content []byte, key string, mediaType string) (string, error) {
	_, err := bucket.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(mediaType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload object: %w", err)
	}
	logger.FromContext(ctx).Debug("uploaded object", "bucket", bucket.bucket, "key", key, "bytes", len(content))
	return bucket.URL(key), nil
}

func (bucket *S3Bucket) URL(key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket.bucket, bucket.region, key)
}

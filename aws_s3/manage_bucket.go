package aws_s3

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ManageBucket creates and removes the archive bucket.
type ManageBucket struct {
	S3Client *s3.Client
	region   string
}

func NewManageBucket(s3Client *s3.Client, region string) (*ManageBucket, error) {
	if s3Client == nil {
		return nil, fmt.Errorf("s3Client parameter can't be nil")
	}
	return &ManageBucket{
		S3Client: s3Client,
		region:   region,
	}, nil
}

// EnsureBucket creates bucketName unless it exists already.
func (mb *ManageBucket) EnsureBucket(ctx context.Context, bucketName string) error {
	if _, err := mb.S3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucketName)}); err == nil {
		return nil
	}
	in := &s3.CreateBucketInput{Bucket: aws.String(bucketName)}
	// us-east-1 rejects an explicit location constraint.
	if mb.region != "" && mb.region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(mb.region),
		}
	}
	_, err := mb.S3Client.CreateBucket(ctx, in)
	var owned *types.BucketAlreadyOwnedByYou
	if err != nil && !errors.As(err, &owned) {
		return fmt.Errorf("couldn't create bucket %s in Region %s, details: %w", bucketName, mb.region, err)
	}
	return nil
}

func (mb *ManageBucket) RemoveBucket(ctx context.Context, bucketName string) error {
	_, err := mb.S3Client.DeleteBucket(ctx, &s3.DeleteBucketInput{
		Bucket: aws.String(bucketName),
	})
	if err != nil {
		return fmt.Errorf("couldn't remove bucket %s, details: %w", bucketName, err)
	}
	return nil
}

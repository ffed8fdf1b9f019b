// Package aws_s3 archives resolved cleanup records to an S3 compatible bucket.
package aws_s3

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type Config struct {
	// "http://127.0.0.1:9000", empty for AWS.
	HostEndpointUrl string
	// "us-east-1"
	Region   string
	Username string
	Password string
	// Path style addressing, needed by MinIO.
	UsePathStyle bool
}

// Connect to an S3 endpoint with static credentials.
func Connect(config Config) *s3.Client {
	client := s3.NewFromConfig(aws.Config{Region: config.Region}, func(o *s3.Options) {
		if config.HostEndpointUrl != "" {
			o.BaseEndpoint = aws.String(config.HostEndpointUrl)
		}
		o.Credentials = credentials.NewStaticCredentialsProvider(config.Username, config.Password, "")
		o.UsePathStyle = config.UsePathStyle
	})
	return client
}

// utils/r2.go
package utils

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
	// CDNBaseURL prefixes returned object URLs; defaults to the bucket endpoint.
	CDNBaseURL string
}

// R2Client uploads objects to a Cloudflare R2 bucket.
type R2Client struct {
	client     *s3.Client
	bucket     string
	cdnBaseURL string
}

func NewR2Client(ctx context.Context, cfg R2Config) (*R2Client, error) {
	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.AccessKeySecret, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}

	base := strings.TrimRight(cfg.CDNBaseURL, "/")
	if base == "" {
		base = endpoint + "/" + cfg.Bucket
	}
	return &R2Client{
		client: s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		}),
		bucket:     cfg.Bucket,
		cdnBaseURL: base,
	}, nil
}

// Upload stores body under key and returns its public URL.
func (c *R2Client) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to R2: %w", err)
	}
	return fmt.Sprintf("%s/%s", c.cdnBaseURL, key), nil
}

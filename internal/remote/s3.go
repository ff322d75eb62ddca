package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Config configures the S3 object store.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // set for non-AWS S3 providers (MinIO, R2, ...)
	AccessKey string
	SecretKey string
	PathStyle bool // most self-hosted endpoints need path-style addressing
}

// s3Store implements ObjectStore on an S3 bucket using AWS SDK v2.
type s3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store creates an S3-backed object store. With no static credentials
// configured the default AWS credential chain applies.
func NewS3Store(ctx context.Context, cfg S3Config) (ObjectStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return &s3Store{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// Put uploads an object.
func (c *s3Store) Put(ctx context.Context, name string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(name),
		Body:   bytes.NewReader(data),
	}

	if _, err := c.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to put object %s/%s: %w", c.bucket, name, err)
	}
	return nil
}

// Get downloads an object.
func (c *s3Store) Get(ctx context.Context, name string) ([]byte, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(name),
	}

	result, err := c.client.GetObject(ctx, input)
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("object %s/%s: %w", c.bucket, name, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to get object %s/%s: %w", c.bucket, name, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s/%s: %w", c.bucket, name, err)
	}
	return data, nil
}

// Delete removes an object. Deleting a missing object succeeds.
func (c *s3Store) Delete(ctx context.Context, name string) error {
	input := &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(name),
	}

	if _, err := c.client.DeleteObject(ctx, input); err != nil {
		return fmt.Errorf("failed to delete object %s/%s: %w", c.bucket, name, err)
	}
	return nil
}

// List returns every object under prefix.
func (c *s3Store) List(ctx context.Context, prefix string) ([]Object, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}

	var objects []Object
	paginator := s3.NewListObjectsV2Paginator(c.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects under %s/%s: %w", c.bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, Object{
				Name:     aws.ToString(obj.Key),
				Size:     aws.ToInt64(obj.Size),
				Modified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return objects, nil
}

// Stat returns object metadata without the body.
func (c *s3Store) Stat(ctx context.Context, name string) (Object, error) {
	input := &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(name),
	}

	result, err := c.client.HeadObject(ctx, input)
	if err != nil {
		if isS3NotFound(err) {
			return Object{}, fmt.Errorf("object %s/%s: %w", c.bucket, name, fs.ErrNotExist)
		}
		return Object{}, fmt.Errorf("failed to head object %s/%s: %w", c.bucket, name, err)
	}

	obj := Object{
		Name: name,
		Size: aws.ToInt64(result.ContentLength),
	}
	if result.LastModified != nil {
		obj.Modified = result.LastModified.UTC()
	}
	return obj, nil
}

// isS3NotFound recognizes the missing-object errors S3 responds with:
// NoSuchKey from GetObject and a bare 404 NotFound from HeadObject.
func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config configures an S3-compatible bucket (AWS, R2, MinIO).
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // optional, forces path-style addressing
	AccessKeyID     string
	SecretAccessKey string
	PublicURL       string // optional base URL objects are served from
}

// S3Store implements Store on an S3 bucket
type S3Store struct {
	client    *s3.Client
	bucket    string
	publicURL string
}

// NewS3Store creates a new S3 storage client
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "auto"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
	}, nil
}

// Upload puts data under folderKey and returns its location
func (s *S3Store) Upload(ctx context.Context, folderKey string, data []byte, contentType string) (string, error) {
	key := path.Join(folderKey, objectName(contentType))
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("uploading to s3: %w", err)
	}
	return s.location(key), nil
}

// Download fetches the object at location
func (s *S3Store) Download(ctx context.Context, location string) ([]byte, error) {
	key, err := s.keyFor(location)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("downloading from s3: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading s3 object: %w", err)
	}
	return data, nil
}

// Delete removes the object at location
func (s *S3Store) Delete(ctx context.Context, location string) error {
	key, err := s.keyFor(location)
	if err != nil {
		return err
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	var noKey *types.NoSuchKey
	if err != nil && !errors.As(err, &noKey) {
		return fmt.Errorf("deleting from s3: %w", err)
	}
	return nil
}

func (s *S3Store) location(key string) string {
	if s.publicURL != "" {
		return s.publicURL + "/" + key
	}
	return "s3://" + s.bucket + "/" + key
}

func (s *S3Store) keyFor(location string) (string, error) {
	for _, prefix := range []string{"s3://" + s.bucket + "/", s.publicURL + "/"} {
		if prefix != "/" && strings.HasPrefix(location, prefix) {
			return strings.TrimPrefix(location, prefix), nil
		}
	}
	return "", fmt.Errorf("%s is not in bucket %s", location, s.bucket)
}

// Package blob implements the blob store blackbox collaborator: fetching
// uploaded documents by URI. Grounded in the pack's aws-sdk-go-v2 S3
// object store, generalized to parse s3:// URIs directly rather than a
// bucket+key pair, since the ingestion message carries a single blob_uri.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/fabfab/knowledgebase/internal/apperr"
)

// Store fetches and persists document bytes by blob URI.
type Store interface {
	Fetch(ctx context.Context, uri string) (io.ReadCloser, error)
	Put(ctx context.Context, bucket, key string, body io.Reader, contentType string) (string, error)
}

// S3Store implements Store against S3 or an S3-compatible service (MinIO).
type S3Store struct {
	client *s3.Client
}

// Config configures the S3-compatible endpoint.
type Config struct {
	Region       string
	Endpoint     string
	UsePathStyle bool
	AccessKey    string
	SecretKey    string
}

// NewS3Store builds an S3Store from cfg.
func NewS3Store(ctx context.Context, cfg Config, httpClient *http.Client) (*S3Store, error) {
	awsOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsOpts = append(awsOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	if httpClient != nil {
		awsOpts = append(awsOpts, awsconfig.WithHTTPClient(httpClient))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return nil, apperr.Fatal("config_error", "load aws config", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(cfg.Endpoint) })
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}

	return &S3Store{client: s3.NewFromConfig(awsCfg, s3Opts...)}, nil
}

// ParseURI splits an "s3://bucket/key" URI into bucket and key.
func ParseURI(uri string) (bucket, key string, err error) {
	const scheme = "s3://"
	if !strings.HasPrefix(uri, scheme) {
		return "", "", apperr.Permanent(apperr.CodeValidationError, "unsupported blob uri scheme: "+uri, nil)
	}
	rest := strings.TrimPrefix(uri, scheme)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", apperr.Permanent(apperr.CodeValidationError, "malformed blob uri: "+uri, nil)
	}
	return parts[0], parts[1], nil
}

// Fetch retrieves the object named by uri ("s3://bucket/key").
func (s *S3Store) Fetch(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, apperr.Permanent(apperr.CodeBlobNotFound, "blob not found: "+uri, err)
		}
		if isTransientError(err) {
			return nil, apperr.Transient("fetch blob: "+uri, err)
		}
		return nil, apperr.Permanent(apperr.CodeBlobNotFound, "fetch blob: "+uri, err)
	}
	return result.Body, nil
}

// Put uploads body to bucket/key, returning the resulting "s3://" URI.
func (s *S3Store) Put(ctx context.Context, bucket, key string, body io.Reader, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		if isTransientError(err) {
			return "", apperr.Transient("upload blob: "+key, err)
		}
		return "", apperr.Permanent(apperr.CodeBlobNotFound, "upload blob: "+key, err)
	}
	return fmt.Sprintf("s3://%s/%s", bucket, key), nil
}

func isNotFoundError(err error) bool {
	var notFound *s3types.NotFound
	var noSuchKey *s3types.NoSuchKey
	var noSuchBucket *s3types.NoSuchBucket
	return errors.As(err, &notFound) ||
		errors.As(err, &noSuchKey) ||
		errors.As(err, &noSuchBucket) ||
		strings.Contains(err.Error(), "NotFound") ||
		strings.Contains(err.Error(), "NoSuchKey")
}

func isTransientError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "RequestError") ||
		strings.Contains(fmt.Sprint(msg), "InternalError")
}

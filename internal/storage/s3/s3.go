// Package s3 stores blobs in AWS S3 or an S3-compatible service such as R2.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"photo-processor/internal/storage"
)

type Options struct {
	AccessKey     string
	SecretKey     string
	Region        string
	Bucket        string
	Endpoint      string
	PublicBaseURL string
}

type Adapter struct {
	client        *s3.Client
	bucket        string
	publicBaseURL string
}

// NewAdapter builds a client from static credentials. A non-empty endpoint
// switches to path-style addressing.
func NewAdapter(ctx context.Context, opts Options) (*Adapter, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(opts.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.AccessKey,
			opts.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	base := opts.PublicBaseURL
	if base == "" {
		base = defaultBaseURL(opts)
	}
	return &Adapter{client: client, bucket: opts.Bucket, publicBaseURL: base}, nil
}

func defaultBaseURL(opts Options) string {
	if opts.Endpoint != "" {
		return storage.JoinURL(opts.Endpoint, opts.Bucket)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", opts.Bucket, opts.Region)
}

func (a *Adapter) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object: %w", err)
	}
	return storage.JoinURL(a.publicBaseURL, key), nil
}

func (a *Adapter) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

func (a *Adapter) KeyForURL(rawURL string) (string, bool) {
	return storage.KeyFromURL(a.publicBaseURL, rawURL)
}

func (a *Adapter) Delete(ctx context.Context, key string) error {
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

var (
	_ storage.Store       = (*Adapter)(nil)
	_ storage.KeyResolver = (*Adapter)(nil)
)

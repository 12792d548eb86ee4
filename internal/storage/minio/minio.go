package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"photo-processor/internal/storage"
)

const presignExpiry = 7 * 24 * time.Hour

type Options struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	Bucket        string
	PublicBaseURL string
}

type Client struct {
	client        *minio.Client
	bucket        string
	publicBaseURL string
}

// NewClient creates a MinIO client and makes sure the bucket exists.
func NewClient(ctx context.Context, opts Options, log zerolog.Logger) (*Client, error) {
	minioClient, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	client := &Client{client: minioClient, bucket: opts.Bucket, publicBaseURL: opts.PublicBaseURL}
	created, err := client.ensureBucketExists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure bucket %s exists: %w", opts.Bucket, err)
	}

	log.Info().Str("bucket", opts.Bucket).Bool("created", created).Msg("minio storage ready")
	return client, nil
}

func (c *Client) ensureBucketExists(ctx context.Context) (bool, error) {
	exists, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		return false, fmt.Errorf("failed to check if bucket exists: %w", err)
	}
	if exists {
		return false, nil
	}
	if err := c.client.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		return false, fmt.Errorf("failed to create bucket: %w", err)
	}
	return true, nil
}

func (c *Client) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := c.client.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload object: %w", err)
	}
	return c.url(ctx, key)
}

// url prefers the public base URL and falls back to a presigned link.
func (c *Client) url(ctx context.Context, key string) (string, error) {
	if c.publicBaseURL != "" {
		return storage.JoinURL(c.publicBaseURL, key), nil
	}
	presignedURL, err := c.client.PresignedGetObject(ctx, c.bucket, key, presignExpiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return presignedURL.String(), nil
}

// KeyForURL accepts public URLs as well as path-style links to the bucket
// on the MinIO endpoint, presigned or not.
func (c *Client) KeyForURL(rawURL string) (string, bool) {
	if key, ok := storage.KeyFromURL(c.publicBaseURL, rawURL); ok {
		return key, true
	}
	u, err := url.Parse(rawURL)
	if err != nil || c.client.EndpointURL() == nil || u.Host != c.client.EndpointURL().Host {
		return "", false
	}
	key, ok := strings.CutPrefix(u.Path, "/"+c.bucket+"/")
	if !ok || key == "" {
		return "", false
	}
	return key, true
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	object, err := c.client.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapError(err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, mapError(err)
	}
	return data, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.client.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

func mapError(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, resp.Key)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("failed to download object: %w", err)
}

var (
	_ storage.Store       = (*Client)(nil)
	_ storage.KeyResolver = (*Client)(nil)
)

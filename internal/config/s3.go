package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	EnvS3Endpoint  = "BGPROXY_S3_ENDPOINT"
	EnvS3AccessKey = "BGPROXY_S3_ACCESS_KEY"
	EnvS3SecretKey = "BGPROXY_S3_SECRET_KEY"
	EnvS3Region    = "BGPROXY_S3_REGION"

	defaultS3Endpoint = "https://s3.amazonaws.com"
)

// S3Options configures access to an S3-compatible object store.
type S3Options struct {
	Endpoint  string // may carry an http:// or https:// scheme
	AccessKey string
	SecretKey string
	Region    string
}

// S3OptionsFromEnv reads S3Options from BGPROXY_S3_* variables.
func S3OptionsFromEnv() S3Options {
	opts := S3Options{
		Endpoint:  os.Getenv(EnvS3Endpoint),
		AccessKey: os.Getenv(EnvS3AccessKey),
		SecretKey: os.Getenv(EnvS3SecretKey),
		Region:    os.Getenv(EnvS3Region),
	}
	if opts.Endpoint == "" {
		opts.Endpoint = defaultS3Endpoint
	}
	return opts
}

// IsS3Source reports whether source is an s3:// URL.
func IsS3Source(source string) bool {
	return strings.HasPrefix(source, "s3://")
}

// ParseS3Source splits s3://bucket/key into bucket and key.
func ParseS3Source(source string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(source, "s3://")
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid s3 source %q, want s3://bucket/key", source)
	}
	return bucket, key, nil
}

// splitEndpoint strips the scheme for the minio client and reports whether TLS is used.
func splitEndpoint(endpoint string) (string, bool) {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimPrefix(endpoint, "https://"), true
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimPrefix(endpoint, "http://"), false
	}
	return endpoint, true
}

// FetchS3 downloads the config object named by source.
func FetchS3(ctx context.Context, source string, opts S3Options) ([]byte, error) {
	bucket, key, err := ParseS3Source(source)
	if err != nil {
		return nil, err
	}

	endpoint, useSSL := splitEndpoint(opts.Endpoint)
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: useSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 init: %w", err)
	}

	obj, err := client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("s3 download: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("s3 download: %s not found", source)
		}
		return nil, fmt.Errorf("s3 download: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("s3 download: %s is empty", source)
	}
	return data, nil
}

// Package storage fetches firmware images kept in S3 buckets.
package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/myrtio/myrtio-ota/pkg/errors"
	"github.com/myrtio/myrtio-ota/pkg/security"
)

// Client provides S3 storage operations
type Client struct {
	s3Client *s3.Client
}

// NewClient creates an S3 client. Credentials come from the default AWS
// chain; with anonymous set, unsigned requests are used for public buckets.
func NewClient(ctx context.Context, region string, anonymous bool) (*Client, error) {
	slog.Info("s3_client_init", "region", region, "anonymous", anonymous)

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if anonymous {
		opts = append(opts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &Client{s3Client: s3.NewFromConfig(cfg)}, nil
}

// Object addresses a firmware image in a bucket.
type Object struct {
	Bucket string
	Key    string
}

func (o Object) String() string {
	return "s3://" + o.Bucket + "/" + o.Key
}

// IsURL reports whether src names an S3 object rather than a local file.
func IsURL(src string) bool {
	return strings.HasPrefix(src, "s3://")
}

// ParseURL splits s3://bucket/key.
func ParseURL(src string) (Object, error) {
	u, err := url.Parse(src)
	if err != nil {
		return Object{}, errors.Wrap(err, "invalid S3 URL")
	}
	if u.Scheme != "s3" {
		return Object{}, fmt.Errorf("invalid S3 URL %q: scheme must be s3", src)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return Object{}, fmt.Errorf("invalid S3 URL %q: want s3://bucket/key", src)
	}
	return Object{Bucket: u.Host, Key: key}, nil
}

// DownloadResult contains download metadata
type DownloadResult struct {
	LocalPath string
	MD5       string
	Size      int64
}

// Size returns the object size without downloading it.
func (c *Client) Size(ctx context.Context, obj Object) (int64, error) {
	out, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(obj.Bucket),
		Key:    aws.String(obj.Key),
	})
	if err != nil {
		slog.Error("s3_head_object_failed", "object", obj.String(), "error", err)
		return 0, errors.Wrap(err, "failed to stat object")
	}
	return aws.ToInt64(out.ContentLength), nil
}

// Download copies obj to localPath, computing its MD5 on the way. The
// validator aborts the transfer once the image limit is passed.
func (c *Client) Download(ctx context.Context, obj Object, localPath string, validator *security.Validator) (*DownloadResult, error) {
	slog.Info("s3_download_start", "object", obj.String())

	if size, err := c.Size(ctx, obj); err == nil {
		if err := validator.ValidateImageSize(size); err != nil {
			return nil, err
		}
	}

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(obj.Bucket),
		Key:    aws.String(obj.Key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "object", obj.String(), "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	defer result.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		slog.Error("local_file_creation_failed", "path", localPath, "error", err)
		return nil, errors.Wrap(err, "failed to create local file")
	}
	defer f.Close()

	validator.Reset()
	hash := md5.New()
	writer := io.MultiWriter(f, hash, limitWriter{validator})

	size, err := io.Copy(writer, result.Body)
	if err != nil {
		slog.Error("s3_download_failed", "object", obj.String(), "error", err)
		return nil, errors.Wrap(err, "failed to download firmware")
	}

	checksum := hex.EncodeToString(hash.Sum(nil))

	slog.Info("s3_download_complete",
		"object", obj.String(),
		"size", size,
		"local_path", localPath,
		"md5", checksum,
	)

	return &DownloadResult{
		LocalPath: localPath,
		MD5:       checksum,
		Size:      size,
	}, nil
}

type limitWriter struct {
	v *security.Validator
}

func (w limitWriter) Write(p []byte) (int, error) {
	if err := w.v.AddReceivedSize(int64(len(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}

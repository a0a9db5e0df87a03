package firecracker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
)

// ImageCache is a pull-through cache for rootfs/kernel artifacts: it
// serves a file straight from imagesDir when present, and otherwise pulls
// it from an S3 bucket (as "<filename>.zst", transparently decompressed)
// on first use. A Manager with no bucket configured skips the cache
// entirely and requires artifacts to already be present on disk.
type ImageCache struct {
	s3Client *s3.Client
	bucket   string
}

// NewImageCache constructs a cache backed by bucket using the default AWS
// credential chain. bucket == "" disables remote fetches; EnsureLocal then
// only ever checks the local path.
func NewImageCache(ctx context.Context, bucket string) (*ImageCache, error) {
	if bucket == "" {
		return &ImageCache{}, nil
	}
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("firecracker: load aws config for image cache: %w", err)
	}
	return &ImageCache{s3Client: s3.NewFromConfig(awsCfg), bucket: bucket}, nil
}

// EnsureLocal returns the local path to filename under imagesDir, pulling
// it from S3 first if it isn't already there and a bucket is configured.
func (c *ImageCache) EnsureLocal(ctx context.Context, imagesDir, filename string) (string, error) {
	localPath := filepath.Join(imagesDir, filename)
	if _, err := os.Stat(localPath); err == nil {
		return localPath, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("firecracker: stat %s: %w", localPath, err)
	}

	if c.s3Client == nil {
		return "", fmt.Errorf("firecracker: rootfs artifact %s not found locally and no S3 image bucket is configured", filename)
	}

	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		return "", fmt.Errorf("firecracker: create images dir: %w", err)
	}

	key := filename + ".zst"
	obj, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &c.bucket,
		Key:    &key,
	})
	if err != nil {
		return "", fmt.Errorf("firecracker: pull %s from s3://%s/%s: %w", filename, c.bucket, key, err)
	}
	defer obj.Body.Close()

	dec, err := zstd.NewReader(obj.Body)
	if err != nil {
		return "", fmt.Errorf("firecracker: open zstd stream for %s: %w", filename, err)
	}
	defer dec.Close()

	tmp := localPath + ".downloading"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("firecracker: create %s: %w", tmp, err)
	}
	if _, err := io.Copy(f, dec); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("firecracker: decompress %s: %w", filename, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("firecracker: finalize %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, localPath); err != nil {
		return "", fmt.Errorf("firecracker: rename %s: %w", tmp, err)
	}
	return localPath, nil
}

// bucketFromEnv reads AGENTKERNEL_IMAGES_S3_BUCKET, returning "" (cache
// disabled) if unset.
func bucketFromEnv() string {
	return strings.TrimSpace(os.Getenv("AGENTKERNEL_IMAGES_S3_BUCKET"))
}

package mirror

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config selects the bucket. Environment variables fill it in cmd/scenewarden.
type Config struct {
	Enabled         bool   `env:"SCENEWARDEN_MIRROR"`
	Endpoint        string `env:"SCENEWARDEN_MIRROR_ENDPOINT"`
	Bucket          string `env:"SCENEWARDEN_MIRROR_BUCKET"`
	AccessKeyID     string `env:"SCENEWARDEN_MIRROR_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"SCENEWARDEN_MIRROR_SECRET_ACCESS_KEY"`
	Region          string `env:"SCENEWARDEN_MIRROR_REGION"`
	UseSSL          bool   `env:"SCENEWARDEN_MIRROR_SSL" envDefault:"true"`
	Prefix          string `env:"SCENEWARDEN_MIRROR_PREFIX"`
	Workers         int    `env:"SCENEWARDEN_MIRROR_WORKERS" envDefault:"2"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" || strings.TrimSpace(c.Bucket) == "" ||
		strings.TrimSpace(c.AccessKeyID) == "" || strings.TrimSpace(c.SecretAccessKey) == "" {
		return fmt.Errorf("mirror endpoint/bucket/access key/secret key are required")
	}
	return nil
}

// MinioUploader puts files into one bucket, creating it on first use.
type MinioUploader struct {
	client *minio.Client
	bucket string
	region string

	mu    sync.Mutex
	ready bool
}

func NewMinio(cfg Config) (*MinioUploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	client, err := minio.New(strings.TrimRight(endpoint, "/"), &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinioUploader{client: client, bucket: strings.TrimSpace(cfg.Bucket), region: cfg.Region}, nil
}

// ensureBucket checks the bucket until one check succeeds.
func (u *MinioUploader) ensureBucket(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ready {
		return nil
	}
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{Region: u.region}); err != nil {
			return fmt.Errorf("create bucket %s: %w", u.bucket, err)
		}
	}
	u.ready = true
	return nil
}

func (u *MinioUploader) PutFile(ctx context.Context, key, localPath string) error {
	if err := u.ensureBucket(ctx); err != nil {
		return err
	}
	contentType := "application/octet-stream"
	if strings.HasSuffix(key, ".zst") {
		contentType = "application/zstd"
	}
	if _, err := u.client.FPutObject(ctx, u.bucket, key, localPath, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

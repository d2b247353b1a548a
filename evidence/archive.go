package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// objectStore is the slice of *minio.Client the archive uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ObjectArchive writes READY packs as JSON objects to S3-compatible storage.
type ObjectArchive struct {
	client objectStore
	bucket string
	region string

	mu    sync.Mutex
	ready bool
}

func NewObjectArchive(cfg ArchiveConfig) (*ObjectArchive, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("evidence: archive endpoint is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("evidence: archive bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("evidence: init archive client: %w", err)
	}
	return &ObjectArchive{client: client, bucket: bucket, region: region}, nil
}

// ensureBucket creates the bucket on first use. Only success is remembered;
// a failed check is retried by the next Put.
func (a *ObjectArchive) ensureBucket(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ready {
		return nil
	}
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region}); err != nil {
			// Another process may have won the race.
			if ok, _ := a.client.BucketExists(ctx, a.bucket); !ok {
				return err
			}
		}
	}
	a.ready = true
	return nil
}

func (a *ObjectArchive) Put(ctx context.Context, p Pack) (string, error) {
	if err := a.ensureBucket(ctx); err != nil {
		return "", fmt.Errorf("evidence: ensure bucket: %w", err)
	}
	body, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", fmt.Errorf("evidence: encode pack: %w", err)
	}
	key := ObjectKey(p)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("evidence: put %s: %w", key, err)
	}
	return "s3://" + a.bucket + "/" + key, nil
}

// ObjectKey is the archive location of a pack.
func ObjectKey(p Pack) string {
	return path.Join(p.TenantID, "disputes", p.DisputeID, "evidence", p.ID+".json")
}

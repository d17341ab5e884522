package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/example/gpupool/pkg/poolapi"
)

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Uploader stores validation result payloads in a MinIO bucket so completed
// results survive pool restarts and cache eviction.
type Uploader struct {
	client *minio.Client
	bucket string
}

func New(opts Options) (*Uploader, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" {
		bucket = "gpupool-results"
	}
	return &Uploader{client: client, bucket: bucket}, nil
}

// Upload writes the result as JSON and returns its artifact URI.
func (u *Uploader) Upload(ctx context.Context, taskID string, res poolapi.Result) (string, error) {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
			return "", err
		}
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return "", err
	}
	objectName := fmt.Sprintf("validations/%s.json", taskID)
	_, err = u.client.PutObject(ctx, u.bucket, objectName, bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("artifact://s3/%s/%s", u.bucket, objectName), nil
}

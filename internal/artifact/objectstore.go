package artifact

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore keeps one object per artifact ref in a MinIO (or any S3
// compatible) bucket. Deployments that do not need per-write history use it
// instead of the git backend.
type ObjectStore struct {
	client *minio.Client
	bucket string
}

func NewObjectStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*ObjectStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	return &ObjectStore{client: client, bucket: bucket}, nil
}

func (s *ObjectStore) Read(ctx context.Context, ref string) (string, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(ref), minio.GetObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("get object %s: %w", ref, err)
	}
	defer obj.Close()

	raw, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read object %s: %w", ref, err)
	}
	return string(raw), nil
}

func (s *ObjectStore) Write(ctx context.Context, ref, content string) error {
	reader := strings.NewReader(content)
	_, err := s.client.PutObject(ctx, s.bucket, objectKey(ref), reader, int64(len(content)), minio.PutObjectOptions{
		ContentType: "text/plain; charset=utf-8",
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", ref, err)
	}
	return nil
}

func objectKey(ref string) string {
	return strings.TrimPrefix(ref, "/")
}

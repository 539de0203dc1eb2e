package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"deposit-orchestrator/internal/transport"
)

const (
	metaName      = "Name"
	metaPackaging = "Packaging"
	metaChecksum  = "Checksum"
)

// MinioStore stages built packages between orchestration activities and
// reads intake documents from the same bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioClient(endpoint, accessKey, secretKey string, useSSL bool) (*minio.Client, error) {
	return minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
}

func NewMinioStore(ctx context.Context, client *minio.Client, bucket string) (*MinioStore, error) {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

func StagingKey(depositID, packageName string) string {
	return path.Join("staging", depositID, path.Base(packageName))
}

func (m *MinioStore) Stage(ctx context.Context, key string, pkg transport.Package) error {
	contentType := pkg.MediaType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(pkg.Body), int64(len(pkg.Body)), minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			metaName:      pkg.Name,
			metaPackaging: pkg.Packaging,
			metaChecksum:  pkg.Checksum,
		},
	})
	if err != nil {
		return fmt.Errorf("stage %s: %w", key, err)
	}
	return nil
}

func (m *MinioStore) Load(ctx context.Context, key string) (transport.Package, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return transport.Package{}, err
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return transport.Package{}, fmt.Errorf("staged package %s: %w", key, ErrNotFound)
		}
		return transport.Package{}, fmt.Errorf("stat %s: %w", key, err)
	}
	data := new(bytes.Buffer)
	if _, err := data.ReadFrom(obj); err != nil {
		return transport.Package{}, fmt.Errorf("read object: %w", err)
	}

	meta := func(k string) string { return info.Metadata.Get("X-Amz-Meta-" + k) }
	name := meta(metaName)
	if name == "" {
		name = path.Base(key)
	}
	return transport.Package{
		Name:      name,
		MediaType: info.ContentType,
		Packaging: meta(metaPackaging),
		Checksum:  meta(metaChecksum),
		Size:      int64(data.Len()),
		Body:      data.Bytes(),
	}, nil
}

// ReadObject returns the raw content of key.
func (m *MinioStore) ReadObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data := new(bytes.Buffer)
	if _, err := data.ReadFrom(obj); err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data.Bytes(), nil
}

package workerhub

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"Foreman/backend/go/internal/channel"

	"github.com/minio/minio-go/v7"
)

// ContentSigner 为对象生成限时访问 URL。
type ContentSigner interface {
	Sign(ctx context.Context, method, objectKey string, expiry time.Duration) (string, time.Time, error)
}

// ObjectKey 是内容对象在存储桶中的键。
func ObjectKey(ref channel.ContentRef) string {
	return ref.FolderID + "/" + ref.ObjectID
}

// BundleKey 是应用 UI bundle 在存储桶中的键。
func BundleKey(appID, hash string) string {
	return "ui-bundles/" + appID + "/" + hash + ".tar.gz"
}

// MinioSigner 使用 MinIO 预签名。
type MinioSigner struct {
	client *minio.Client
	bucket string
}

// NewMinioSigner 创建签名器。
func NewMinioSigner(client *minio.Client, bucket string) *MinioSigner {
	return &MinioSigner{client: client, bucket: bucket}
}

func (s *MinioSigner) Sign(ctx context.Context, method, objectKey string, expiry time.Duration) (string, time.Time, error) {
	expires := time.Now().Add(expiry).UTC()
	var (
		u   *url.URL
		err error
	)
	switch method {
	case "GET":
		u, err = s.client.PresignedGetObject(ctx, s.bucket, objectKey, expiry, url.Values{})
	case "PUT":
		u, err = s.client.PresignedPutObject(ctx, s.bucket, objectKey, expiry)
	default:
		return "", time.Time{}, fmt.Errorf("unsupported method %q", method)
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return u.String(), expires, nil
}

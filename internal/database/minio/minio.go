package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"parametric-service/internal/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioClient wraps the MinIO client with the buckets this service writes.
type MinioClient struct {
	client *minio.Client
	config config.MinioConfig
}

// NewMinioClient connects, verifies the server answers and makes sure the
// report bucket exists.
func NewMinioClient(cfg config.MinioConfig) (*MinioClient, error) {
	endpoint := strings.TrimPrefix(cfg.MinioURL, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	minioClient, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioSecure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := minioClient.ListBuckets(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to MinIO server: %w", err)
	}

	mc := &MinioClient{client: minioClient, config: cfg}
	if err := mc.ensureBucket(ctx, cfg.ReportBucket); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket %s: %w", cfg.ReportBucket, err)
	}

	slog.Info("connected to MinIO", "endpoint", endpoint, "bucket", cfg.ReportBucket)
	return mc, nil
}

func (mc *MinioClient) ensureBucket(ctx context.Context, bucketName string) error {
	exists, err := mc.client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("error checking bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	err = mc.client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{
		Region: mc.config.MinioLocation,
	})
	if err != nil {
		return fmt.Errorf("error creating bucket %s: %w", bucketName, err)
	}
	slog.Info("created bucket", "bucket", bucketName)
	return nil
}

// UploadBytes uploads byte data to the specified bucket
func (mc *MinioClient) UploadBytes(ctx context.Context, bucketName, objectName string, data []byte, contentType string) error {
	reader := bytes.NewReader(data)
	_, err := mc.client.PutObject(ctx, bucketName, objectName, reader, int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("failed to upload bytes to %s in bucket %s: %w", objectName, bucketName, err)
	}
	return nil
}

// GetBytes reads a whole object.
func (mc *MinioClient) GetBytes(ctx context.Context, bucketName, objectName string) ([]byte, error) {
	object, err := mc.client.GetObject(ctx, bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get file %s from bucket %s: %w", objectName, bucketName, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s from bucket %s: %w", objectName, bucketName, err)
	}
	return data, nil
}

// FileExists checks if a file exists in the specified bucket
func (mc *MinioClient) FileExists(ctx context.Context, bucketName, objectName string) (bool, error) {
	_, err := mc.client.StatObject(ctx, bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		errResponse := minio.ToErrorResponse(err)
		if errResponse.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("error checking file existence for %s in bucket %s: %w", objectName, bucketName, err)
	}
	return true, nil
}

func (mc *MinioClient) GetConfig() config.MinioConfig {
	return mc.config
}

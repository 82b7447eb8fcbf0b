package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"cv-match-go/internal/config"
)

// ObjectStorage 对象存储接口
type ObjectStorage interface {
	// UploadDocument 上传简历原始文件，返回对象路径
	UploadDocument(ctx context.Context, userID int64, documentID, filename string, reader io.Reader, size int64) (string, error)

	// DownloadDocument 下载简历原始文件
	DownloadDocument(ctx context.Context, objectName string) ([]byte, error)

	// DeleteDocument 删除简历原始文件
	DeleteDocument(ctx context.Context, objectName string) error

	// GetPresignedURL 获取对象的预签名下载URL
	GetPresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error)
}

// 确保MinIO实现了ObjectStorage接口
var _ ObjectStorage = (*MinIO)(nil)

// MinIO 提供对象存储功能
type MinIO struct {
	client *minio.Client
	bucket string
	logger zerolog.Logger
}

// NewMinIO 创建MinIO客户端并确保存储桶存在
func NewMinIO(cfg *config.MinIOConfig, logger zerolog.Logger) (*MinIO, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MinIO配置不能为空")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}

	bucket := cfg.DocumentBucket
	if bucket == "" {
		bucket = "cv-documents"
	}

	m := &MinIO{
		client: client,
		bucket: bucket,
		logger: logger.With().Str("component", "minio").Logger(),
	}

	if err := m.ensureBucketExists(bucket); err != nil {
		return nil, fmt.Errorf("确保存储桶 %s 存在失败: %w", bucket, err)
	}

	m.logger.Info().Str("endpoint", cfg.Endpoint).Str("bucket", bucket).Msg("minio client initialized")
	return m, nil
}

// ensureBucketExists 确保存储桶存在，不存在时创建
func (m *MinIO) ensureBucketExists(bucket string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := m.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("检查存储桶 %s 是否存在时出错: %w", bucket, err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("创建存储桶 %s 失败: %w", bucket, err)
		}
		m.logger.Info().Str("bucket", bucket).Msg("created bucket")
	}
	return nil
}

// documentObjectName 构造简历文件的对象路径
// 按用户分目录，documentID保证同名文件互不覆盖
func documentObjectName(userID int64, documentID, filename string) string {
	ext := path.Ext(filename)
	return fmt.Sprintf("documents/%d/%s%s", userID, documentID, ext)
}

// UploadDocument 上传简历原始文件
func (m *MinIO) UploadDocument(ctx context.Context, userID int64, documentID, filename string, reader io.Reader, size int64) (string, error) {
	objectName := documentObjectName(userID, documentID, filename)

	contentType := "application/octet-stream"
	if path.Ext(filename) == ".pdf" {
		contentType = "application/pdf"
	}

	info, err := m.client.PutObject(ctx, m.bucket, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("上传文件 %s 失败: %w", objectName, err)
	}

	m.logger.Debug().
		Str("object", objectName).
		Int64("size", info.Size).
		Msg("uploaded document")
	return objectName, nil
}

// DownloadDocument 下载简历原始文件
func (m *MinIO) DownloadDocument(ctx context.Context, objectName string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("获取文件 %s 失败: %w", objectName, err)
	}
	defer obj.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, obj); err != nil {
		return nil, fmt.Errorf("读取文件 %s 内容失败: %w", objectName, err)
	}
	return buf.Bytes(), nil
}

// DeleteDocument 删除简历原始文件
func (m *MinIO) DeleteDocument(ctx context.Context, objectName string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("删除文件 %s 失败: %w", objectName, err)
	}
	return nil
}

// GetPresignedURL 获取对象的预签名下载URL
func (m *MinIO) GetPresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = time.Hour
	}
	u, err := m.client.PresignedGetObject(ctx, m.bucket, objectName, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("生成预签名URL失败: %w", err)
	}
	return u.String(), nil
}
